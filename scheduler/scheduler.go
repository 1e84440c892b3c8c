// Package scheduler drains pending references from the store with a fixed
// pool of workers, fetching each detail page under a per-attempt timeout
// and a bounded retry budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/parser"
	"github.com/aluiziolira/go-scrape-profiles/scraper"
)

var (
	// ErrRetryBudgetExhausted means every attempt failed; the reference is
	// released for a later run.
	ErrRetryBudgetExhausted = errors.New("scheduler: retry budget exhausted")

	// ErrNotRetryable means the target answered in a way another attempt
	// cannot change (missing or forbidden page).
	ErrNotRetryable = errors.New("scheduler: failure is not retryable")
)

// Fetcher renders one detail page. Implementations should honour ctx, but
// the scheduler does not rely on it to reclaim a worker.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (parser.Document, error)
}

// Assembler turns a fetched page into a record.
type Assembler interface {
	Assemble(doc parser.Document, ref models.Reference, category string) models.Record
}

// Store is the part of the resumable store the scheduler drives.
type Store interface {
	NextBatch(n int) []models.Assignment
	MarkDone(rec models.Record) error
	Release(ref models.Reference) error
}

// Options sizes the pool and bounds each fetch.
type Options struct {
	Workers        int
	BatchSize      int
	Attempts       int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	BackoffMax     time.Duration
}

// Result collects what a run produced.
type Result struct {
	Records      []models.Record
	Anomalies    []models.Reference // stored records with every field absent
	Released     []models.Reference
	Attempts     int
	Retries      int
	ErrorsByType map[string]int
}

// Scheduler runs the worker pool.
type Scheduler struct {
	fetcher   Fetcher
	assembler Assembler
	opts      Options
	metrics   *scraper.Metrics
	logger    *slog.Logger

	mu  sync.Mutex
	res *Result
}

// New validates opts and builds a scheduler.
func New(fetcher Fetcher, assembler Assembler, opts Options, metrics *scraper.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if fetcher == nil || assembler == nil {
		return nil, errors.New("scheduler: fetcher and assembler are required")
	}
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("scheduler: workers must be positive, got %d", opts.Workers)
	}
	if opts.Attempts <= 0 {
		return nil, fmt.Errorf("scheduler: attempts must be positive, got %d", opts.Attempts)
	}
	if opts.AttemptTimeout <= 0 {
		return nil, errors.New("scheduler: attempt timeout must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fetcher:   fetcher,
		assembler: assembler,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Run drains st until no pending reference is left or ctx ends. Every
// reference a worker took is either marked done or released before Run
// returns.
func (s *Scheduler) Run(ctx context.Context, st Store) (*Result, error) {
	s.mu.Lock()
	s.res = &Result{ErrorsByType: make(map[string]int)}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id, st)
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	res := s.res
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("fetch run interrupted: %w", err)
	}
	return res, nil
}

func (s *Scheduler) worker(ctx context.Context, id int, st Store) {
	log := s.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		batch := st.NextBatch(s.opts.BatchSize)
		if len(batch) == 0 {
			log.Debug("no pending references, worker exiting")
			return
		}
		for i, a := range batch {
			if ctx.Err() != nil {
				for _, rest := range batch[i:] {
					s.release(st, rest.Reference, log)
				}
				return
			}
			s.process(ctx, st, a, log)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, st Store, a models.Assignment, log *slog.Logger) {
	log = log.With(slog.String("url", string(a.Reference)), slog.String("category", a.Category))

	doc, err := s.fetchWithRetry(ctx, a.Reference)
	if err != nil {
		s.release(st, a.Reference, log)
		s.mu.Lock()
		s.res.Released = append(s.res.Released, a.Reference)
		s.mu.Unlock()
		s.metrics.IncReleased()
		log.Warn("reference released for a later run", slog.Any("error", err))
		return
	}

	rec := s.assembler.Assemble(doc, a.Reference, a.Category)
	for _, field := range rec.Absent {
		s.metrics.IncAbsent(field)
	}
	anomaly := rec.AllAbsent()
	s.metrics.IncRecord(anomaly)
	if anomaly {
		log.Warn("every field absent, page is likely an error or interstitial document")
	}

	if err := st.MarkDone(rec); err != nil {
		log.Error("mark done failed", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	s.res.Records = append(s.res.Records, rec)
	if anomaly {
		s.res.Anomalies = append(s.res.Anomalies, a.Reference)
	}
	s.mu.Unlock()
}

func (s *Scheduler) release(st Store, ref models.Reference, log *slog.Logger) {
	if err := st.Release(ref); err != nil {
		log.Error("release failed", slog.String("url", string(ref)), slog.Any("error", err))
	}
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, ref models.Reference) (parser.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		s.count(func(r *Result) { r.Attempts++ })

		doc, err := s.attempt(ctx, ref)
		if err == nil {
			s.metrics.IncFetch("ok")
			return doc, nil
		}

		label := scraper.ErrorTypeLabel(err)
		s.count(func(r *Result) { r.ErrorsByType[label]++ })
		s.metrics.IncFetch("error")
		s.metrics.IncError(label)
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !scraper.IsRetryable(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}
		if attempt == s.opts.Attempts {
			break
		}

		s.count(func(r *Result) { r.Retries++ })
		s.metrics.IncRetries()
		delay := scraper.Backoff(attempt, s.opts.Backoff, s.opts.BackoffMax)
		s.logger.Debug("fetch attempt failed, retrying",
			slog.String("url", string(ref)),
			slog.Int("attempt", attempt),
			slog.String("error_type", label),
			slog.Duration("backoff", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, s.opts.Attempts, lastErr)
}

type outcome struct {
	doc parser.Document
	err error
}

// attempt runs one fetch in its own goroutine so the worker gets its slot
// back when the timeout fires, even if the fetcher ignores ctx.
func (s *Scheduler) attempt(ctx context.Context, ref models.Reference) (parser.Document, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		doc, err := s.fetcher.Fetch(attemptCtx, string(ref), s.opts.AttemptTimeout)
		ch <- outcome{doc: doc, err: err}
	}()

	select {
	case out := <-ch:
		if out.err == nil && out.doc == nil {
			return nil, scraper.ErrEmptyResponse
		}
		return out.doc, out.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, scraper.ErrTimeout{Err: attemptCtx.Err()}
	}
}

func (s *Scheduler) count(fn func(r *Result)) {
	s.mu.Lock()
	fn(s.res)
	s.mu.Unlock()
}
