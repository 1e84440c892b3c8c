// Package crawler wires listing expansion, the resumable store and the fetch
// scheduler into one run.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/pagination"
	"github.com/aluiziolira/go-scrape-profiles/scheduler"
	"github.com/aluiziolira/go-scrape-profiles/store"
	"golang.org/x/sync/errgroup"
)

const flushTimeout = 30 * time.Second

// Options controls the discovery phase.
type Options struct {
	ListingParallelism int
	ListingTimeout     time.Duration // per listing session, 0 means unbounded
	Rediscover         bool          // expand listings already present in the checkpoint
}

// Crawler runs discovery then extraction.
type Crawler struct {
	sources   []models.ListingSource
	expander  *pagination.Expander
	store     *store.Store
	scheduler *scheduler.Scheduler
	opts      Options
	logger    *slog.Logger
}

// New builds a crawler over sources.
func New(sources []models.ListingSource, expander *pagination.Expander, st *store.Store, sched *scheduler.Scheduler, opts Options, logger *slog.Logger) (*Crawler, error) {
	if expander == nil || st == nil || sched == nil {
		return nil, errors.New("crawler: expander, store and scheduler are required")
	}
	if opts.ListingParallelism <= 0 {
		opts.ListingParallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		sources:   sources,
		expander:  expander,
		store:     st,
		scheduler: sched,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Run expands every listing, merges what it found, drains the pending
// references and flushes the store. Listing aborts and released references
// are reported in the summary, not returned as errors; the error is non-nil
// only when ctx ended early or the final checkpoint could not be written.
func (c *Crawler) Run(ctx context.Context) (*models.RunSummary, error) {
	summary := &models.RunSummary{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	c.discover(ctx, summary)

	var runErr error
	if ctx.Err() == nil {
		res, err := c.scheduler.Run(ctx, c.store)
		runErr = err
		if res != nil {
			summary.Successes = len(res.Records)
			summary.Anomalies = res.Anomalies
			summary.Released = res.Released
			summary.Attempts = res.Attempts
			summary.Retries = res.Retries
			for k, v := range res.ErrorsByType {
				summary.ErrorsByType[k] += v
			}
		}
	} else {
		runErr = fmt.Errorf("discovery interrupted: %w", ctx.Err())
	}

	if err := c.store.LastSaveError(); err != nil {
		c.logger.Warn("background checkpoints failing, retrying on flush", slog.Any("error", err))
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := c.store.Flush(flushCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := c.store.LastSaveError(); err != nil {
		summary.CheckpointError = err.Error()
	}

	summary.State = c.store.State()
	summary.Discovered = summary.State.Discovered
	summary.EndTime = time.Now()

	c.logger.Info("run finished",
		slog.Int("successes", summary.Successes),
		slog.Int("anomalies", len(summary.Anomalies)),
		slog.Int("released", len(summary.Released)),
		slog.Int("listings_aborted", summary.ListingsAborted),
		slog.Int("pending", summary.State.Pending),
		slog.Duration("elapsed", summary.EndTime.Sub(summary.StartTime)),
	)
	return summary, runErr
}

func (c *Crawler) discover(ctx context.Context, summary *models.RunSummary) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.opts.ListingParallelism)

	for _, src := range c.sources {
		if !c.opts.Rediscover && c.store.HasCategory(src.Category) {
			c.logger.Info("listing already discovered, skipping", slog.String("category", src.Category))
			summary.ListingsSkipped++
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			listingCtx := ctx
			if c.opts.ListingTimeout > 0 {
				var cancel context.CancelFunc
				listingCtx, cancel = context.WithTimeout(ctx, c.opts.ListingTimeout)
				defer cancel()
			}

			res := c.expander.Expand(listingCtx, src)
			added := c.store.Merge(src.Category, res.References)

			mu.Lock()
			defer mu.Unlock()
			summary.NewReferences += added
			switch res.State {
			case pagination.StateExhausted:
				summary.ListingsExhausted++
			default:
				summary.ListingsAborted++
				summary.AbortedListings = append(summary.AbortedListings,
					fmt.Sprintf("%s (%s)", src.Category, res.Reason))
				summary.ErrorsByType["listing_"+string(res.Reason)]++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(summary.AbortedListings)
}
