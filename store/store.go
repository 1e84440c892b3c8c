// Package store keeps the resumable crawl state: which references were
// discovered, which are being worked on, and which are done along with their
// records. State is checkpointed atomically to a JSON file.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrCorruptCheckpoint is fatal: the checkpoint exists but cannot be
	// trusted, and starting fresh would silently drop finished work.
	ErrCorruptCheckpoint = errors.New("store: corrupt checkpoint")

	// ErrNotInProgress is returned when completing or releasing a reference
	// that was not handed out.
	ErrNotInProgress = errors.New("store: reference not in progress")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("store: closed")
)

type status int

const (
	statusPending status = iota
	statusInProgress
	statusDone
	statusReleased // pending again, but only for a later run
)

type entry struct {
	category string // category the reference was first discovered under
	status   status
	record   *models.Record
}

// CheckpointRecorder observes checkpoint writes. *scraper.Metrics implements it.
type CheckpointRecorder interface {
	IncCheckpoint(err error)
}

// Options configures a Store.
type Options struct {
	SchemaVersion   string
	CheckpointEvery int // completions between checkpoints; 0 disables periodic writes
	Recorder        CheckpointRecorder
	Logger          *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	path   string
	opts   Options
	runID  string
	logger *slog.Logger

	mu          sync.Mutex
	entries     map[models.Reference]*entry
	queue       []models.Reference
	categories  map[string][]models.Reference
	membership  map[string]map[models.Reference]struct{}
	sinceFlush  int
	closed      bool
	lastSaveErr error

	writeMu sync.Mutex
	signal  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Open loads the checkpoint at path, if any, and starts the background
// checkpoint writer. An empty path keeps everything in memory.
// References left in progress by a previous run are pending again.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		path:       path,
		opts:       opts,
		runID:      uuid.NewString(),
		logger:     opts.Logger.With(slog.String("component", "store")),
		entries:    make(map[models.Reference]*entry),
		categories: make(map[string][]models.Reference),
		membership: make(map[string]map[models.Reference]struct{}),
		signal:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	if path != "" {
		cp, err := readCheckpoint(path)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			if err := s.restore(cp); err != nil {
				return nil, err
			}
			state := s.State()
			s.logger.Info("checkpoint restored",
				slog.String("path", path),
				slog.String("previous_run", cp.RunID),
				slog.Int("discovered", state.Discovered),
				slog.Int("done", state.Done),
				slog.Int("pending", state.Pending),
				slog.Int("requeued", len(cp.InProgress)),
			)
		}
		s.wg.Add(1)
		go s.writer()
	}
	return s, nil
}

// RunID identifies this process's checkpoints.
func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) restore(cp *checkpoint) error {
	if cp.SchemaVersion != "" && s.opts.SchemaVersion != "" && cp.SchemaVersion != s.opts.SchemaVersion {
		s.logger.Warn("checkpoint written with a different schema version",
			slog.String("checkpoint", cp.SchemaVersion),
			slog.String("current", s.opts.SchemaVersion),
		)
	}

	names := lo.Keys(cp.Categories)
	sort.Strings(names)

	for _, name := range names {
		cat := cp.Categories[name]
		s.ensureCategory(name)
		for _, ref := range cat.Discovered {
			if _, dup := s.entries[ref]; dup {
				return fmt.Errorf("%w: reference %s discovered under two categories", ErrCorruptCheckpoint, ref)
			}
			s.entries[ref] = &entry{category: name, status: statusPending}
			s.addToCategory(name, ref)
		}
	}

	for _, name := range names {
		cat := cp.Categories[name]
		for _, ref := range cat.Aliases {
			e, ok := s.entries[ref]
			if !ok {
				return fmt.Errorf("%w: alias %s in %s was never discovered", ErrCorruptCheckpoint, ref, name)
			}
			if e.category == name {
				return fmt.Errorf("%w: alias %s points at its own category %s", ErrCorruptCheckpoint, ref, name)
			}
			s.addToCategory(name, ref)
		}
		for i := range cat.Records {
			rec := cat.Records[i]
			e, ok := s.entries[rec.Reference]
			if !ok || e.category != name {
				return fmt.Errorf("%w: record %s not discovered under %s", ErrCorruptCheckpoint, rec.Reference, name)
			}
			if e.status == statusDone {
				return fmt.Errorf("%w: duplicate record %s", ErrCorruptCheckpoint, rec.Reference)
			}
			rec.Category = name
			e.status = statusDone
			e.record = &rec
		}
	}

	for _, ref := range cp.InProgress {
		e, ok := s.entries[ref]
		if !ok {
			return fmt.Errorf("%w: in-progress reference %s was never discovered", ErrCorruptCheckpoint, ref)
		}
		if e.status == statusDone {
			return fmt.Errorf("%w: reference %s is both done and in progress", ErrCorruptCheckpoint, ref)
		}
	}

	// In-progress references first, they were closest to finishing.
	for _, ref := range cp.InProgress {
		s.queue = append(s.queue, ref)
	}
	inProgress := lo.SliceToMap(cp.InProgress, func(ref models.Reference) (models.Reference, struct{}) {
		return ref, struct{}{}
	})
	for _, name := range names {
		for _, ref := range cp.Categories[name].Discovered {
			if _, seen := inProgress[ref]; seen {
				continue
			}
			if s.entries[ref].status == statusPending {
				s.queue = append(s.queue, ref)
			}
		}
	}
	return nil
}

func (s *Store) ensureCategory(category string) {
	if _, ok := s.membership[category]; !ok {
		s.membership[category] = make(map[models.Reference]struct{})
		s.categories[category] = nil
	}
}

func (s *Store) addToCategory(category string, ref models.Reference) bool {
	s.ensureCategory(category)
	if _, ok := s.membership[category][ref]; ok {
		return false
	}
	s.membership[category][ref] = struct{}{}
	s.categories[category] = append(s.categories[category], ref)
	return true
}

// Merge adds references discovered under category and returns how many were
// new to the store. Merging the same references again changes nothing. A
// reference already known under another category is filed under this one
// as well but is not queued a second time.
func (s *Store) Merge(category string, refs []models.Reference) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.ensureCategory(category)
	added, aliased := 0, 0
	for _, ref := range lo.Uniq(refs) {
		if ref == "" {
			continue
		}
		if _, known := s.entries[ref]; known {
			if s.addToCategory(category, ref) {
				aliased++
			}
			continue
		}
		s.entries[ref] = &entry{category: category, status: statusPending}
		s.queue = append(s.queue, ref)
		s.addToCategory(category, ref)
		added++
	}
	s.mu.Unlock()

	if added > 0 || aliased > 0 {
		s.logger.Debug("references merged",
			slog.String("category", category),
			slog.Int("new", added),
			slog.Int("aliased", aliased),
		)
		s.requestCheckpoint()
	}
	return added
}

// NextBatch hands out up to n pending references. Each reference is handed
// out at most once per run; an empty result means nothing is left.
func (s *Store) NextBatch(n int) []models.Assignment {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	out := make([]models.Assignment, 0, n)
	for len(out) < n && len(s.queue) > 0 {
		ref := s.queue[0]
		s.queue = s.queue[1:]
		e := s.entries[ref]
		if e == nil || e.status != statusPending {
			continue
		}
		e.status = statusInProgress
		out = append(out, models.Assignment{Reference: ref, Category: e.category})
	}
	return out
}

// MarkDone stores rec and moves its reference from in progress to done.
// A checkpoint is requested every CheckpointEvery completions.
func (s *Store) MarkDone(rec models.Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e, ok := s.entries[rec.Reference]
	if !ok || e.status != statusInProgress {
		s.mu.Unlock()
		return fmt.Errorf("mark done %s: %w", rec.Reference, ErrNotInProgress)
	}
	rec.Category = e.category
	e.record = &rec
	e.status = statusDone
	s.sinceFlush++
	due := s.opts.CheckpointEvery > 0 && s.sinceFlush >= s.opts.CheckpointEvery
	if due {
		s.sinceFlush = 0
	}
	s.mu.Unlock()

	if due {
		s.requestCheckpoint()
	}
	return nil
}

// Release gives up on an in-progress reference for this run. It stays
// pending in the checkpoint so a later run retries it.
func (s *Store) Release(ref models.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.entries[ref]
	if !ok || e.status != statusInProgress {
		return fmt.Errorf("release %s: %w", ref, ErrNotInProgress)
	}
	e.status = statusReleased
	return nil
}

// HasCategory reports whether any reference was discovered under category,
// either by this run or a restored checkpoint.
func (s *Store) HasCategory(category string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.categories[category]) > 0
}

// State returns a snapshot of the crawl state counters.
func (s *Store) State() models.CrawlState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := models.CrawlState{
		Discovered: len(s.entries),
		Categories: make(map[string]int, len(s.categories)),
	}
	for _, e := range s.entries {
		switch e.status {
		case statusInProgress:
			state.InProgress++
		case statusDone:
			state.Done++
		default:
			state.Pending++
		}
	}
	for name, refs := range s.categories {
		state.Categories[name] = len(refs)
	}
	return state
}

func (s *Store) refsWithStatusLocked(st status) []models.Reference {
	var out []models.Reference
	for ref, e := range s.entries {
		if e.status == st {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Records returns one record per (reference, category) pair in category
// order then discovery order. A reference filed under several categories was
// fetched once and is copied for each of them.
func (s *Store) Records() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := lo.Keys(s.categories)
	sort.Strings(names)

	var out []models.Record
	for _, name := range names {
		for _, ref := range s.categories[name] {
			e := s.entries[ref]
			if e == nil || e.status != statusDone || e.record == nil {
				continue
			}
			out = append(out, e.record.WithCategory(name))
		}
	}
	return out
}

// Flush writes a checkpoint now and waits for it. It is a no-op for
// in-memory stores.
func (s *Store) Flush(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- s.checkpoint()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("flush checkpoint: %w", ctx.Err())
	}
}

// Close stops the background writer and writes a final checkpoint.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return s.checkpoint()
}

// LastSaveError returns the error of the most recent failed checkpoint, if
// no checkpoint has succeeded since.
func (s *Store) LastSaveError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaveErr
}

func (s *Store) requestCheckpoint() {
	if s.path == "" {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.signal:
			_ = s.checkpoint()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) checkpoint() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cp := s.snapshot()
	err := writeCheckpoint(s.path, cp)
	if s.opts.Recorder != nil {
		s.opts.Recorder.IncCheckpoint(err)
	}

	s.mu.Lock()
	s.lastSaveErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("checkpoint write failed", slog.String("path", s.path), slog.Any("error", err))
		return err
	}
	s.logger.Debug("checkpoint written",
		slog.String("path", s.path),
		slog.Int("in_progress", len(cp.InProgress)),
	)
	return nil
}
