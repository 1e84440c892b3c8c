// Package pagination expands "load more" listing pages until the list ends,
// the expansion ceiling is reached, or the page stops responding.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/parser"
)

var (
	// ErrAffordanceAbsent reports that the load-more control is not in the
	// page at all, which is how a listing signals its natural end.
	ErrAffordanceAbsent = errors.New("pagination: load more affordance absent")

	// ErrNoNewContent reports that an activation did not grow the listing.
	ErrNoNewContent = errors.New("pagination: no new content after activation")
)

// Affordance is a located load-more control.
type Affordance interface {
	Activate(ctx context.Context) error
}

// ListingPage is one rendered listing session.
type ListingPage interface {
	// FindAffordance returns ErrAffordanceAbsent when the control does not
	// exist; any other error means it exists but cannot be used right now.
	FindAffordance(ctx context.Context, timeout time.Duration) (Affordance, error)
	WaitForChange(ctx context.Context, timeout time.Duration) error
	Document(ctx context.Context) (parser.Document, error)
	Close() error
}

// Opener starts listing sessions.
type Opener interface {
	OpenListing(ctx context.Context, url string) (ListingPage, error)
}

// State is the expander's position in its session state machine.
type State int

const (
	StateReady State = iota
	StateExpanding
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateExpanding:
		return "expanding"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains why a session reached its terminal state.
type Reason string

const (
	ReasonCeiling       Reason = "ceiling"
	ReasonEndOfList     Reason = "end_of_list"
	ReasonFailureBudget Reason = "failure_budget"
	ReasonCanceled      Reason = "canceled"
	ReasonOpenFailed    Reason = "open_failed"
	ReasonReadFailed    Reason = "read_failed"
)

// Result is the outcome of one listing session.
type Result struct {
	Source     models.ListingSource
	State      State
	Reason     Reason
	References []models.Reference
	Expansions int
	Failures   int // total failed attempts, not only the last streak
	LastErr    error
	Duration   time.Duration
}

// Recorder receives expansion events. *scraper.Metrics implements it.
type Recorder interface {
	IncExpansion(category string)
	IncExpansionFailure(category string)
	ObserveListing(state string, references int)
}

// Options bound one session.
type Options struct {
	MaxExpansions int
	MaxFailures   int
	Wait          time.Duration // per find/wait step
}

// Expander drives listing sessions opened by an Opener.
type Expander struct {
	opener   Opener
	listing  models.ListingSpec
	opts     Options
	recorder Recorder
	logger   *slog.Logger
}

// NewExpander validates opts and builds an expander.
func NewExpander(opener Opener, listing models.ListingSpec, opts Options, recorder Recorder, logger *slog.Logger) (*Expander, error) {
	if opener == nil {
		return nil, errors.New("pagination: opener is nil")
	}
	if opts.MaxExpansions <= 0 || opts.MaxFailures <= 0 {
		return nil, errors.New("pagination: expansion and failure ceilings must be positive")
	}
	if opts.MaxFailures >= opts.MaxExpansions {
		return nil, fmt.Errorf("pagination: failure ceiling %d must be below expansion ceiling %d", opts.MaxFailures, opts.MaxExpansions)
	}
	if opts.Wait <= 0 {
		return nil, errors.New("pagination: wait must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{opener: opener, listing: listing, opts: opts, recorder: recorder, logger: logger}, nil
}

// Expand runs one session for src. References are read once from the final
// listing content, whichever terminal state was reached; an aborted session
// still returns what had accumulated.
func (e *Expander) Expand(ctx context.Context, src models.ListingSource) Result {
	start := time.Now()
	res := Result{Source: src, State: StateReady}
	log := e.logger.With(slog.String("category", src.Category), slog.String("url", src.URL))

	page, err := e.opener.OpenListing(ctx, src.URL)
	if err != nil {
		res.State, res.Reason, res.LastErr = StateAborted, ReasonOpenFailed, err
		res.Duration = time.Since(start)
		log.Warn("listing open failed", slog.Any("error", err))
		e.observe(res)
		return res
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Debug("close listing page", slog.Any("error", err))
		}
	}()

	res.State = StateExpanding
	consecutive := 0
	for res.State == StateExpanding {
		if err := ctx.Err(); err != nil {
			res.State, res.Reason, res.LastErr = StateAborted, ReasonCanceled, err
			break
		}
		if res.Expansions >= e.opts.MaxExpansions {
			res.State, res.Reason = StateExhausted, ReasonCeiling
			break
		}

		err := e.expandOnce(ctx, page)
		switch {
		case err == nil:
			res.Expansions++
			consecutive = 0
			e.incExpansion(src.Category)
			log.Debug("listing expanded", slog.Int("expansions", res.Expansions))

		case errors.Is(err, ErrAffordanceAbsent):
			res.State, res.Reason = StateExhausted, ReasonEndOfList

		case ctx.Err() != nil:
			res.State, res.Reason, res.LastErr = StateAborted, ReasonCanceled, ctx.Err()

		default:
			consecutive++
			res.Failures++
			res.LastErr = err
			e.incFailure(src.Category)
			log.Debug("listing expansion failed",
				slog.Int("consecutive", consecutive),
				slog.Any("error", err),
			)
			if consecutive >= e.opts.MaxFailures {
				res.State, res.Reason = StateAborted, ReasonFailureBudget
			}
		}
	}

	// A canceled context cannot drive the page any more, so only read the
	// accumulated content when the session ended on its own terms.
	readCtx := ctx
	if res.Reason == ReasonCanceled {
		readCtx = context.WithoutCancel(ctx)
	}
	doc, err := page.Document(readCtx)
	if err != nil {
		if res.State != StateAborted {
			res.State, res.Reason = StateAborted, ReasonReadFailed
		}
		res.LastErr = errors.Join(res.LastErr, fmt.Errorf("read listing content: %w", err))
	} else {
		res.References = parser.ExtractReferences(doc, e.listing)
	}

	res.Duration = time.Since(start)
	attrs := []any{
		slog.String("state", res.State.String()),
		slog.String("reason", string(res.Reason)),
		slog.Int("expansions", res.Expansions),
		slog.Int("failures", res.Failures),
		slog.Int("references", len(res.References)),
	}
	if res.State == StateAborted {
		log.Warn("listing aborted, keeping partial discovery", append(attrs, slog.Any("error", res.LastErr))...)
	} else {
		log.Info("listing exhausted", attrs...)
	}
	e.observe(res)
	return res
}

func (e *Expander) expandOnce(ctx context.Context, page ListingPage) error {
	affordance, err := page.FindAffordance(ctx, e.opts.Wait)
	if err != nil {
		return err
	}
	if err := affordance.Activate(ctx); err != nil {
		return fmt.Errorf("activate load more: %w", err)
	}
	if err := page.WaitForChange(ctx, e.opts.Wait); err != nil {
		return fmt.Errorf("wait for new content: %w", err)
	}
	return nil
}

func (e *Expander) incExpansion(category string) {
	if e.recorder != nil {
		e.recorder.IncExpansion(category)
	}
}

func (e *Expander) incFailure(category string) {
	if e.recorder != nil {
		e.recorder.IncExpansionFailure(category)
	}
}

func (e *Expander) observe(res Result) {
	if e.recorder != nil {
		e.recorder.ObserveListing(res.State.String(), len(res.References))
	}
}
