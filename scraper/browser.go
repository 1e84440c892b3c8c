package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/pagination"
	"github.com/aluiziolira/go-scrape-profiles/parser"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

var desktopUserAgents = []string{
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:118.0) Gecko/20100101 Firefox/118.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:117.0) Gecko/20100101 Firefox/117.0",
}

// BrowserOptions configures the headless browser renderer.
type BrowserOptions struct {
	Headless        bool
	ControlURL      string // connect to a running browser instead of launching one
	Parallelism     int    // detail pages kept open at once
	UserAgent       string
	RandomUserAgent bool
	Delay           time.Duration // minimum spacing between detail navigations
	Settle          time.Duration // DOM quiet period after navigation
	Poll            time.Duration // item count polling interval while expanding
}

// Browser renders pages in Chromium. It serves both detail fetches and
// interactive listing sessions.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	pool     rod.Pool[rod.Page]
	limiter  *rate.Limiter
	listing  models.ListingSpec
	opts     BrowserOptions
	Metrics  *Metrics
	logger   *slog.Logger
}

// NewBrowser launches (or connects to) a browser.
func NewBrowser(ctx context.Context, opts BrowserOptions, listing models.ListingSpec, metrics *Metrics, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}

	b := &Browser{listing: listing, opts: opts, Metrics: metrics, logger: logger}
	if opts.Delay > 0 {
		b.limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}

	controlURL := opts.ControlURL
	if controlURL == "" {
		b.launcher = launcher.New().Headless(opts.Headless)
		u, err := b.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		if b.launcher != nil {
			b.launcher.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	b.browser = browser
	b.pool = rod.NewPagePool(opts.Parallelism)

	logger.Info("browser ready", slog.Bool("headless", opts.Headless), slog.Int("pages", opts.Parallelism))
	return b, nil
}

// Close releases pooled pages and shuts the browser down.
func (b *Browser) Close() error {
	b.pool.Cleanup(func(p *rod.Page) {
		if err := p.Close(); err != nil {
			b.logger.Debug("close pooled page", slog.Any("error", err))
		}
	})
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Kill()
	}
	return err
}

func (b *Browser) newPage() (*rod.Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	ua := b.opts.UserAgent
	if b.opts.RandomUserAgent {
		ua = lo.Sample(desktopUserAgents)
	}
	if ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	return page, nil
}

// Fetch renders rawURL once in a pooled page and parses the result.
func (b *Browser) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (parser.Document, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrTimeout{Err: err})
		}
	}

	page, err := b.pool.Get(b.newPage)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrConnection{Err: err})
	}
	defer b.pool.Put(page)

	start := time.Now()
	html, err := b.render(page.Context(ctx), rawURL)
	b.Metrics.ObserveDuration(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, classifyBrowserError(ctx, err))
	}
	doc, err := parser.NewDocumentFromString(rawURL, html)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Browser) render(page *rod.Page, rawURL string) (string, error) {
	if err := page.Navigate(rawURL); err != nil {
		return "", err
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}
	return page.HTML()
}

// OpenListing navigates a dedicated page to a listing and waits for it to
// settle. The page stays open until the returned session is closed.
func (b *Browser) OpenListing(ctx context.Context, rawURL string) (pagination.ListingPage, error) {
	page, err := b.newPage()
	if err != nil {
		return nil, fmt.Errorf("open listing page: %w", err)
	}

	rp := page.Context(ctx)
	wait := rp.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := rp.Navigate(rawURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("navigate listing %s: %w", rawURL, classifyBrowserError(ctx, err))
	}
	wait()
	if err := rp.WaitStable(b.opts.Settle); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("wait listing %s: %w", rawURL, classifyBrowserError(ctx, err))
	}

	l := &browserListing{
		surface:  rodSurface{page: page},
		url:      rawURL,
		loadMore: b.listing.LoadMoreSelector,
		items:    b.listing.ItemSelector,
		poll:     b.opts.Poll,
	}
	l.seen, _ = l.surface.Count(ctx, l.items)
	return l, nil
}

// errControlHidden means the load-more control is in the page but cannot be
// clicked, which counts against the failure budget.
var errControlHidden = errors.New("load more present but not visible")

// listingSurface is the part of a rendered page a listing session drives.
type listingSurface interface {
	// Control waits until selector matches or ctx ends.
	Control(ctx context.Context, selector string) (listingControl, error)
	Count(ctx context.Context, selector string) (int, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

type listingControl interface {
	Visible(ctx context.Context) (bool, error)
	Activate(ctx context.Context) error
}

type rodSurface struct {
	page *rod.Page
}

func (s rodSurface) Control(ctx context.Context, selector string) (listingControl, error) {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, err
	}
	return rodControl{el: el}, nil
}

func (s rodSurface) Count(ctx context.Context, selector string) (int, error) {
	els, err := s.page.Context(ctx).Elements(selector)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (s rodSurface) HTML(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

func (s rodSurface) Close() error {
	return s.page.Close()
}

type rodControl struct {
	el *rod.Element
}

func (c rodControl) Visible(ctx context.Context) (bool, error) {
	return c.el.Context(ctx).Visible()
}

func (c rodControl) Activate(ctx context.Context) error {
	el := c.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll to load more: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

type browserListing struct {
	surface  listingSurface
	url      string
	loadMore string
	items    string
	poll     time.Duration
	seen     int
}

// FindAffordance waits up to timeout for the control. Never seeing it means
// the list ended; seeing it hidden is a failure.
func (l *browserListing) FindAffordance(ctx context.Context, timeout time.Duration) (pagination.Affordance, error) {
	if l.loadMore == "" {
		return nil, pagination.ErrAffordanceAbsent
	}
	findCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	control, err := l.surface.Control(findCtx, l.loadMore)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pagination.ErrAffordanceAbsent
		}
		return nil, fmt.Errorf("locate load more: %w", err)
	}

	visible, err := control.Visible(ctx)
	if err != nil {
		return nil, fmt.Errorf("check load more visibility: %w", err)
	}
	if !visible {
		return nil, errControlHidden
	}
	return control, nil
}

// WaitForChange polls the item count until it grows past what was last seen.
func (l *browserListing) WaitForChange(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		n, err := l.surface.Count(waitCtx, l.items)
		if err == nil && n > l.seen {
			l.seen = n
			return nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pagination.ErrNoNewContent
		case <-ticker.C:
		}
	}
}

func (l *browserListing) Document(ctx context.Context) (parser.Document, error) {
	html, err := l.surface.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := parser.NewDocumentFromString(l.url, html)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (l *browserListing) Close() error {
	return l.surface.Close()
}

func classifyBrowserError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var navErr *rod.NavigationError
	if errors.As(err, &navErr) {
		return ErrConnection{Err: err}
	}
	return ClassifyError(err, 0)
}
