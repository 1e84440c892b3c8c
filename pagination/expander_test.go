package pagination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/parser"
)

var testListing = models.ListingSpec{ItemSelector: "ul.experts a", ItemAttribute: "href"}

type step int

const (
	stepOK     step = iota // affordance present, activation grows the list
	stepAbsent             // affordance structurally missing
	stepHidden             // affordance present but not clickable
	stepStuck              // activation succeeds but nothing loads
)

// fakePage serves a scripted listing. Once the script runs out it keeps
// returning the last step.
type fakePage struct {
	mu       sync.Mutex
	script   []step
	calls    int
	items    int
	perClick int
	closed   bool
	docErr   error
}

type fakeAffordance struct {
	page *fakePage
	grow bool
}

func (a fakeAffordance) Activate(ctx context.Context) error {
	if a.grow {
		a.page.mu.Lock()
		a.page.items += a.page.perClick
		a.page.mu.Unlock()
	}
	return nil
}

func (p *fakePage) next() step {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	return p.script[idx]
}

func (p *fakePage) FindAffordance(ctx context.Context, timeout time.Duration) (Affordance, error) {
	switch p.next() {
	case stepAbsent:
		return nil, ErrAffordanceAbsent
	case stepHidden:
		return nil, errors.New("load more not clickable")
	case stepStuck:
		return fakeAffordance{page: p, grow: false}, nil
	default:
		return fakeAffordance{page: p, grow: true}, nil
	}
}

func (p *fakePage) WaitForChange(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls > 0 && p.script[min(p.calls-1, len(p.script)-1)] == stepStuck {
		return ErrNoNewContent
	}
	return nil
}

func (p *fakePage) Document(ctx context.Context) (parser.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.docErr != nil {
		return nil, p.docErr
	}
	var b strings.Builder
	b.WriteString(`<ul class="experts">`)
	for i := 0; i < p.items; i++ {
		fmt.Fprintf(&b, `<li><a href="/expert-%d">Expert %d</a></li>`, i, i)
	}
	b.WriteString(`</ul>`)
	return parser.NewDocumentFromString("https://clarity.example/browse/growth-1", b.String())
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeOpener struct {
	page *fakePage
	err  error
}

func (o *fakeOpener) OpenListing(ctx context.Context, url string) (ListingPage, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.page, nil
}

type countingRecorder struct {
	mu         sync.Mutex
	expansions int
	failures   int
	listings   map[string]int
}

func (r *countingRecorder) IncExpansion(string) {
	r.mu.Lock()
	r.expansions++
	r.mu.Unlock()
}

func (r *countingRecorder) IncExpansionFailure(string) {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveListing(state string, _ int) {
	r.mu.Lock()
	if r.listings == nil {
		r.listings = make(map[string]int)
	}
	r.listings[state]++
	r.mu.Unlock()
}

func newTestExpander(t *testing.T, opener Opener, maxExpansions, maxFailures int, rec Recorder) *Expander {
	t.Helper()
	e, err := NewExpander(opener, testListing, Options{
		MaxExpansions: maxExpansions,
		MaxFailures:   maxFailures,
		Wait:          10 * time.Millisecond,
	}, rec, nil)
	if err != nil {
		t.Fatalf("new expander: %v", err)
	}
	return e
}

var growthSource = models.ListingSource{Category: "growth", URL: "https://clarity.example/browse/growth-1"}

func TestExpandEndOfList(t *testing.T) {
	page := &fakePage{script: []step{stepOK, stepOK, stepAbsent}, items: 5, perClick: 5}
	rec := &countingRecorder{}
	e := newTestExpander(t, &fakeOpener{page: page}, 60, 3, rec)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateExhausted || res.Reason != ReasonEndOfList {
		t.Fatalf("state=%s reason=%s, want exhausted/end_of_list", res.State, res.Reason)
	}
	if res.Expansions != 2 {
		t.Fatalf("expansions = %d, want 2", res.Expansions)
	}
	if len(res.References) != 15 {
		t.Fatalf("references = %d, want 15", len(res.References))
	}
	if !page.closed {
		t.Fatalf("listing page should be closed")
	}
	if rec.expansions != 2 || rec.listings["exhausted"] != 1 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestExpandStopsAtCeiling(t *testing.T) {
	page := &fakePage{script: []step{stepOK}, items: 2, perClick: 2}
	e := newTestExpander(t, &fakeOpener{page: page}, 4, 2, nil)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateExhausted || res.Reason != ReasonCeiling {
		t.Fatalf("state=%s reason=%s, want exhausted/ceiling", res.State, res.Reason)
	}
	if res.Expansions != 4 {
		t.Fatalf("expansions = %d, want 4", res.Expansions)
	}
	if len(res.References) != 10 {
		t.Fatalf("references = %d, want 10", len(res.References))
	}
}

func TestExpandCeilingAccumulatesMonotonically(t *testing.T) {
	shorter := newTestExpander(t, &fakeOpener{page: &fakePage{script: []step{stepOK}, items: 3, perClick: 3}}, 3, 2, nil)
	longer := newTestExpander(t, &fakeOpener{page: &fakePage{script: []step{stepOK}, items: 3, perClick: 3}}, 4, 2, nil)

	a := shorter.Expand(context.Background(), growthSource)
	b := longer.Expand(context.Background(), growthSource)

	if a.State != StateExhausted || b.State != StateExhausted {
		t.Fatalf("states = %s/%s, want exhausted", a.State, b.State)
	}
	if len(b.References) != len(a.References)+3 {
		t.Fatalf("references %d vs %d: one more expansion should add exactly one page", len(b.References), len(a.References))
	}
	got := make(map[models.Reference]bool, len(b.References))
	for _, ref := range b.References {
		got[ref] = true
	}
	for _, ref := range a.References {
		if !got[ref] {
			t.Fatalf("reference %s lost after an extra expansion", ref)
		}
	}
}

func TestExpandAbortsAfterConsecutiveFailures(t *testing.T) {
	page := &fakePage{script: []step{stepOK, stepHidden, stepOK, stepHidden, stepStuck, stepHidden}, items: 4, perClick: 4}
	rec := &countingRecorder{}
	e := newTestExpander(t, &fakeOpener{page: page}, 60, 3, rec)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateAborted || res.Reason != ReasonFailureBudget {
		t.Fatalf("state=%s reason=%s, want aborted/failure_budget", res.State, res.Reason)
	}
	if res.Expansions != 2 {
		t.Fatalf("expansions = %d, want 2 (a success resets the streak)", res.Expansions)
	}
	if res.Failures != 4 {
		t.Fatalf("failures = %d, want 4", res.Failures)
	}
	if len(res.References) != 12 {
		t.Fatalf("aborted session should keep partial references, got %d", len(res.References))
	}
	if res.LastErr == nil {
		t.Fatalf("aborted session should carry the last error")
	}
	if rec.listings["aborted"] != 1 {
		t.Fatalf("recorder listings = %v", rec.listings)
	}
}

func TestExpandStuckActivationCountsAsFailure(t *testing.T) {
	page := &fakePage{script: []step{stepStuck}, items: 3, perClick: 3}
	e := newTestExpander(t, &fakeOpener{page: page}, 10, 2, nil)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateAborted || res.Expansions != 0 || res.Failures != 2 {
		t.Fatalf("state=%s expansions=%d failures=%d", res.State, res.Expansions, res.Failures)
	}
	if !errors.Is(res.LastErr, ErrNoNewContent) {
		t.Fatalf("last error = %v, want ErrNoNewContent", res.LastErr)
	}
	if len(res.References) != 3 {
		t.Fatalf("references = %d, want 3", len(res.References))
	}
}

func TestExpandOpenFailure(t *testing.T) {
	e := newTestExpander(t, &fakeOpener{err: errors.New("browser crashed")}, 10, 2, nil)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateAborted || res.Reason != ReasonOpenFailed {
		t.Fatalf("state=%s reason=%s", res.State, res.Reason)
	}
	if len(res.References) != 0 {
		t.Fatalf("references = %v, want none", res.References)
	}
}

func TestExpandDocumentFailureAborts(t *testing.T) {
	page := &fakePage{script: []step{stepAbsent}, items: 3, docErr: errors.New("target closed")}
	e := newTestExpander(t, &fakeOpener{page: page}, 10, 2, nil)

	res := e.Expand(context.Background(), growthSource)

	if res.State != StateAborted || res.Reason != ReasonReadFailed {
		t.Fatalf("state=%s reason=%s, want aborted/read_failed", res.State, res.Reason)
	}
}

func TestExpandCanceledContext(t *testing.T) {
	page := &fakePage{script: []step{stepOK}, items: 1, perClick: 1}
	e := newTestExpander(t, &fakeOpener{page: page}, 10, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Expand(ctx, growthSource)

	if res.State != StateAborted || res.Reason != ReasonCanceled {
		t.Fatalf("state=%s reason=%s, want aborted/canceled", res.State, res.Reason)
	}
	if len(res.References) != 1 {
		t.Fatalf("canceled session should still read accumulated content, got %d", len(res.References))
	}
}

func TestNewExpanderValidation(t *testing.T) {
	opener := &fakeOpener{page: &fakePage{script: []step{stepAbsent}}}
	tests := []struct {
		name string
		opts Options
	}{
		{name: "zero ceiling", opts: Options{MaxExpansions: 0, MaxFailures: 1, Wait: time.Second}},
		{name: "failure budget not smaller", opts: Options{MaxExpansions: 3, MaxFailures: 3, Wait: time.Second}},
		{name: "zero wait", opts: Options{MaxExpansions: 3, MaxFailures: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewExpander(opener, testListing, tt.opts, nil, nil); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if _, err := NewExpander(nil, testListing, Options{MaxExpansions: 3, MaxFailures: 1, Wait: time.Second}, nil, nil); err == nil {
		t.Fatalf("expected error for nil opener")
	}
}
