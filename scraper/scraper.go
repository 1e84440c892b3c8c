package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/config"
	"github.com/aluiziolira/go-scrape-profiles/parser"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
)

// ErrEmptyResponse is returned when a fetch completes without a body.
var ErrEmptyResponse = errors.New("scraper: empty response")

// HTTPFetcher fetches detail pages with a colly collector. Each call runs on
// a clone of the base collector so concurrent fetches share rate limits and
// transport but not callbacks.
type HTTPFetcher struct {
	collector *colly.Collector
	transport *contextTransport
	randomUA  bool
	Metrics   *Metrics
	logger    *slog.Logger

	requestCount int64
}

// NewHTTPFetcher builds a fetcher configured from cfg.
func NewHTTPFetcher(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*HTTPFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	transport := newContextTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	collector.WithTransport(transport)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &HTTPFetcher{
		collector: collector,
		transport: transport,
		randomUA:  cfg.RandomUserAgent,
		Metrics:   metrics,
		logger:    logger,
	}, nil
}

// WithTransport replaces the HTTP transport of the underlying collector.
// Requests stay bound to the context of the Fetch that issued them.
func (f *HTTPFetcher) WithTransport(rt http.RoundTripper) {
	f.transport.setBase(rt)
}

// Fetch retrieves rawURL once and parses it. Failures come back classified
// so callers can decide whether to retry.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (parser.Document, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	current := atomic.AddInt64(&f.requestCount, 1)
	if current%50 == 0 {
		f.logger.Debug("fetch progress", slog.Int64("requests", current), slog.String("url", rawURL))
	}

	// colly builds requests without a context, so the transport binds this
	// fetch's ctx by id. A request abandoned on timeout is canceled and gives
	// its LimitRule slot back. The binding lives as long as the visit does.
	id := strconv.FormatInt(current, 10)
	f.transport.bind(id, ctx)

	c := f.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set(fetchIDHeader, id)
	})
	if f.randomUA {
		extensions.RandomUserAgent(c)
	}

	var (
		doc      parser.Document
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		parsed, err := parser.NewDocumentFromBytes(r.Request.URL.String(), r.Body)
		if err != nil {
			fetchErr = err
			return
		}
		doc = parsed
	})
	c.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = ClassifyError(err, statusCode)
	})

	// Visit blocks until the response callbacks have run. The select keeps
	// the attempt bounded even if the transport ignores the context.
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer f.transport.unbind(id)
		done <- c.Visit(rawURL)
	}()

	var visitErr error
	select {
	case visitErr = <-done:
	case <-ctx.Done():
		f.Metrics.ObserveDuration(time.Since(start))
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ClassifyError(ctx.Err(), 0))
	}
	f.Metrics.ObserveDuration(time.Since(start))

	switch {
	case fetchErr != nil:
	case visitErr != nil:
		fetchErr = ClassifyError(visitErr, 0)
	case doc == nil:
		fetchErr = ErrEmptyResponse
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
	}
	return doc, nil
}

// Requests returns the number of fetches issued.
func (f *HTTPFetcher) Requests() int64 {
	return atomic.LoadInt64(&f.requestCount)
}

// fetchIDHeader tags a request with the Fetch that issued it. The transport
// strips it before the request leaves the process.
const fetchIDHeader = "X-Scraper-Fetch-Id"

// contextTransport attaches the issuing Fetch's context to each request.
type contextTransport struct {
	mu     sync.RWMutex
	base   http.RoundTripper
	active map[string]context.Context
}

func newContextTransport(base http.RoundTripper) *contextTransport {
	return &contextTransport{base: base, active: make(map[string]context.Context)}
}

func (t *contextTransport) setBase(rt http.RoundTripper) {
	t.mu.Lock()
	t.base = rt
	t.mu.Unlock()
}

func (t *contextTransport) bind(id string, ctx context.Context) {
	t.mu.Lock()
	t.active[id] = ctx
	t.mu.Unlock()
}

func (t *contextTransport) unbind(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.RLock()
	base := t.base
	ctx, bound := t.active[req.Header.Get(fetchIDHeader)]
	t.mu.RUnlock()

	if req.Header.Get(fetchIDHeader) != "" {
		if !bound {
			ctx = req.Context()
		}
		req = req.Clone(ctx)
		req.Header.Del(fetchIDHeader)
	}
	return base.RoundTrip(req)
}
