// Package pipeline validates, de-duplicates and writes assembled records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/config"
	"github.com/aluiziolira/go-scrape-profiles/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")

	// ErrPipelineCloseTimeout is returned when writers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: timed out draining writers")
)

// drainTimeout bounds how long Close waits for queued records.
var drainTimeout = 30 * time.Second

// OutputWriter defines the interface for record output.
type OutputWriter interface {
	Write(records []*models.Record) error
	Close() error
	Validate() error
}

// Option customises a pipeline.
type Option func(*Pipeline)

// WithSchema enables the required-field check against schema.
func WithSchema(schema models.Schema) Option {
	return func(p *Pipeline) {
		s := schema
		p.schema = &s
	}
}

// WithLogger sets the logger used for progress reports.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline coordinates validation, de-duplication, and output writing.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	recordCh  chan *models.Record
	batchSize int
	schema    *models.Schema
	logger    *slog.Logger

	wg sync.WaitGroup

	// keyed by reference and category so a profile listed under two
	// categories is written once per category
	seen *lru.Cache[string, struct{}]

	stats counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg. A nil cfg uses defaults.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	buffer := cfg.PipelineBufferSize
	if buffer <= 0 {
		buffer = 1
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	dedupe := cfg.DedupeMaxSize
	if dedupe <= 0 {
		dedupe = 1
	}
	seen, err := lru.New[string, struct{}](dedupe)
	if err != nil {
		// only reachable with a non-positive size, ruled out above
		panic(err)
	}

	p := &Pipeline{
		ctx:       ctx,
		writer:    writer,
		recordCh:  make(chan *models.Record, buffer),
		batchSize: batch,
		logger:    slog.Default(),
		seen:      seen,
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues records for downstream processing.
func (p *Pipeline) Process(records ...*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := p.enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting records and waits for workers to drain. It gives
// up after drainTimeout.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.signalShutdown()
		return ErrPipelineCloseTimeout
	}

	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.stats.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				p.logger.Info("pipeline progress",
					slog.Int64("processed", m["processed_records"].(int64)),
					slog.Int64("anomalies", m["anomalies"].(int64)),
					slog.Any("validation_errors", m["validation_errors"]),
					slog.Any("flagged", m["flagged"]),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.Record, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for rec := range p.recordCh {
		prepared := p.prepare(rec)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

// prepare drops records without a reference and duplicates. Records with
// absent fields are kept and flagged.
func (p *Pipeline) prepare(rec *models.Record) *models.Record {
	if rec.Reference == "" || rec.Category == "" {
		p.stats.reject("invalid_record")
		return nil
	}

	key := string(rec.Reference) + "\x00" + rec.Category
	if found, _ := p.seen.ContainsOrAdd(key, struct{}{}); found {
		p.stats.reject("duplicate_url")
		return nil
	}

	if p.schema != nil && len(rec.MissingRequired(*p.schema)) > 0 {
		p.stats.flag("missing_required")
	}
	if rec.AllAbsent() {
		p.stats.anomalies.Add(1)
	}

	p.stats.processed.Add(1)
	return rec
}

func (p *Pipeline) enqueue(rec *models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	var done <-chan struct{}
	if p.ctx != nil {
		done = p.ctx.Done()
	}

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-done:
		return p.ctx.Err()
	case p.recordCh <- rec:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// counters tracks what the workers did with each record. Rejected records
// are dropped; flagged ones are still written.
type counters struct {
	processed atomic.Int64
	anomalies atomic.Int64

	mu       sync.Mutex
	rejected map[string]int
	flagged  map[string]int
}

func (c *counters) reject(kind string) {
	c.mu.Lock()
	c.rejected = bump(c.rejected, kind)
	c.mu.Unlock()
}

func (c *counters) flag(kind string) {
	c.mu.Lock()
	c.flagged = bump(c.flagged, kind)
	c.mu.Unlock()
}

func bump(m map[string]int, kind string) map[string]int {
	if m == nil {
		m = make(map[string]int)
	}
	m[kind]++
	return m
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	rejected := maps.Clone(c.rejected)
	flagged := maps.Clone(c.flagged)
	c.mu.Unlock()
	if rejected == nil {
		rejected = map[string]int{}
	}
	if flagged == nil {
		flagged = map[string]int{}
	}

	return map[string]interface{}{
		"processed_records": c.processed.Load(),
		"anomalies":         c.anomalies.Load(),
		"validation_errors": rejected,
		"flagged":           flagged,
	}
}
