package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/config"
	"github.com/aluiziolira/go-scrape-profiles/crawler"
	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/pagination"
	"github.com/aluiziolira/go-scrape-profiles/parser"
	"github.com/aluiziolira/go-scrape-profiles/pipeline"
	"github.com/aluiziolira/go-scrape-profiles/scheduler"
	"github.com/aluiziolira/go-scrape-profiles/scraper"
	"github.com/aluiziolira/go-scrape-profiles/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		return 1
	}

	flag.StringVar(&cfg.SourcesFile, "sources", cfg.SourcesFile, "Listing sources file (category,url per line)")
	flag.StringVar(&cfg.SchemaFile, "schema", cfg.SchemaFile, "Field schema: a YAML file or a bundled name ("+strings.Join(config.BundledSchemas(), ", ")+")")
	flag.StringVar(&cfg.CheckpointFile, "checkpoint", cfg.CheckpointFile, "Checkpoint file path")
	flag.StringVar(&cfg.Renderer, "renderer", cfg.Renderer, "Detail page renderer: http or browser")
	flag.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run the browser headless")
	controlURL := flag.String("browser-url", "", "DevTools URL of a running browser to connect to")
	flag.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Number of concurrent detail fetches")
	flag.IntVar(&cfg.ListingParallelism, "listing-parallel", cfg.ListingParallelism, "Number of listings expanded at once")
	flag.IntVar(&cfg.WorkBatchSize, "work-batch", cfg.WorkBatchSize, "References handed to a worker at a time")
	flag.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Delay between requests")
	flag.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per attempt fetch timeout")
	flag.IntVar(&cfg.FetchAttempts, "attempts", cfg.FetchAttempts, "Fetch attempts per reference")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flag.IntVar(&cfg.MaxExpansions, "max-expansions", cfg.MaxExpansions, "Load more activations per listing")
	flag.IntVar(&cfg.MaxExpansionFailures, "max-expansion-failures", cfg.MaxExpansionFailures, "Consecutive failed activations before a listing is aborted")
	flag.DurationVar(&cfg.ExpansionWait, "expansion-wait", cfg.ExpansionWait, "Wait for the load more control and for new items")
	flag.DurationVar(&cfg.ListingTimeout, "listing-timeout", cfg.ListingTimeout, "Upper bound for one listing session (0 disables)")
	flag.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "Completed references between checkpoints")
	flag.BoolVar(&cfg.Rediscover, "rediscover", cfg.Rediscover, "Expand listings already present in the checkpoint")
	flag.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Output file path")
	flag.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, or dual")
	flag.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User agent header")
	flag.BoolVar(&cfg.RandomUserAgent, "random-ua", cfg.RandomUserAgent, "Rotate user agents per request")
	flag.BoolVar(&cfg.RespectRobotsTxt, "respect-robots", cfg.RespectRobotsTxt, "Respect robots.txt directives")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flag.Parse()

	cfg.Renderer = strings.ToLower(cfg.Renderer)
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	schema, err := config.LoadSchema(cfg.SchemaFile)
	if err != nil {
		slog.Error("loading schema", slog.Any("error", err))
		return 1
	}
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		slog.Error("loading listing sources", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, releasing in-flight references")
	}()

	metrics := scraper.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)

	slog.Info("starting crawl",
		slog.Int("listings", len(sources)),
		slog.String("schema", schema.Version),
		slog.String("renderer", cfg.Renderer),
		slog.Int("workers", cfg.Parallelism),
	)

	opener, fetcher, closeRenderer, err := newRenderer(ctx, cfg, *controlURL, schema.Listing, metrics)
	if err != nil {
		slog.Error("initialising renderer", slog.Any("error", err))
		return 1
	}
	defer closeRenderer()

	st, err := store.Open(cfg.CheckpointFile, store.Options{
		SchemaVersion:   schema.Version,
		CheckpointEvery: cfg.CheckpointEvery,
		Recorder:        metrics,
	})
	if err != nil {
		if errors.Is(err, store.ErrCorruptCheckpoint) {
			slog.Error("checkpoint is corrupt; fix or remove it before resuming",
				slog.String("path", cfg.CheckpointFile), slog.Any("error", err))
		} else {
			slog.Error("opening checkpoint", slog.Any("error", err))
		}
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("closing store", slog.Any("error", err))
		}
	}()

	assembler, err := parser.NewAssembler(schema)
	if err != nil {
		slog.Error("building assembler", slog.Any("error", err))
		return 1
	}
	expander, err := pagination.NewExpander(opener, schema.Listing, pagination.Options{
		MaxExpansions: cfg.MaxExpansions,
		MaxFailures:   cfg.MaxExpansionFailures,
		Wait:          cfg.ExpansionWait,
	}, metrics, logger)
	if err != nil {
		slog.Error("building expander", slog.Any("error", err))
		return 1
	}
	sched, err := scheduler.New(fetcher, assembler, scheduler.Options{
		Workers:        cfg.Parallelism,
		BatchSize:      cfg.WorkBatchSize,
		Attempts:       cfg.FetchAttempts,
		AttemptTimeout: cfg.Timeout,
		Backoff:        cfg.RetryBackoff,
		BackoffMax:     cfg.RetryBackoffMax,
	}, metrics, logger)
	if err != nil {
		slog.Error("building scheduler", slog.Any("error", err))
		return 1
	}
	c, err := crawler.New(sources, expander, st, sched, crawler.Options{
		ListingParallelism: cfg.ListingParallelism,
		ListingTimeout:     cfg.ListingTimeout,
		Rediscover:         cfg.Rediscover,
	}, logger)
	if err != nil {
		slog.Error("building crawler", slog.Any("error", err))
		return 1
	}

	summary, runErr := c.Run(ctx)
	if runErr != nil {
		slog.Error("crawl ended early", slog.Any("error", runErr))
	}

	records := st.Records()
	outMetrics, err := writeRecords(cfg, schema, records, logger)
	if err != nil {
		slog.Error("writing output", slog.Any("error", err))
		return 1
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(summary, cfg.OutputFile, outMetrics)
	if runErr != nil {
		return 1
	}
	return 0
}

// newRenderer picks the listing opener and the detail fetcher. The browser
// serves both; the HTTP renderer follows next-page links on static listings.
func newRenderer(ctx context.Context, cfg *config.Config, controlURL string, listing models.ListingSpec, metrics *scraper.Metrics) (pagination.Opener, scheduler.Fetcher, func(), error) {
	if cfg.Renderer == "browser" {
		b, err := scraper.NewBrowser(ctx, scraper.BrowserOptions{
			Headless:        cfg.Headless,
			ControlURL:      controlURL,
			Parallelism:     cfg.Parallelism,
			UserAgent:       cfg.UserAgent,
			RandomUserAgent: cfg.RandomUserAgent,
			Delay:           cfg.Delay,
		}, listing, metrics, slog.Default())
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := b.Close(); err != nil {
				slog.Error("closing browser", slog.Any("error", err))
			}
		}
		return b, b, closeFn, nil
	}

	f, err := scraper.NewHTTPFetcher(cfg, metrics, slog.Default())
	if err != nil {
		return nil, nil, nil, err
	}
	return f.Listings(listing), f, func() {}, nil
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

// writeRecords pushes the store's records through the output pipeline. It
// runs on a fresh context so an interrupted crawl still writes what it has.
func writeRecords(cfg *config.Config, schema models.Schema, records []models.Record, logger *slog.Logger) (map[string]interface{}, error) {
	writer, err := pipeline.NewWriter(cfg.OutputFormat, cfg.OutputFile, schema.FieldNames())
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	p := pipeline.NewPipeline(context.Background(), writer, cfg, pipeline.WithSchema(schema), pipeline.WithLogger(logger))
	p.Start(1)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	var errs []error
	for i := range records {
		if err := p.Process(&records[i]); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := p.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
	}
	if len(errs) == 0 {
		if err := writer.Validate(); errors.Is(err, pipeline.ErrNoRows) {
			logger.Warn("no records to write", slog.String("output", cfg.OutputFile))
		} else if err != nil {
			errs = append(errs, fmt.Errorf("output validation: %w", err))
		}
	}
	if err := writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return p.GetMetrics(), errors.Join(errs...)
}

func printSummary(summary *models.RunSummary, outputFile string, metrics map[string]interface{}) {
	if summary == nil {
		return
	}
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")

	fmt.Printf("  Listings:      %d exhausted, %d aborted, %d skipped\n",
		summary.ListingsExhausted, summary.ListingsAborted, summary.ListingsSkipped)
	for _, l := range summary.AbortedListings {
		fmt.Printf("    aborted:     %s\n", l)
	}
	fmt.Printf("  Discovered:    %d (%d new)\n", summary.Discovered, summary.NewReferences)
	fmt.Printf("  Successes:     %d\n", summary.Successes)
	fmt.Printf("  Anomalies:     %d\n", len(summary.Anomalies))
	fmt.Printf("  Released:      %d\n", len(summary.Released))
	fmt.Printf("  Pending:       %d\n", summary.State.Pending)
	fmt.Printf("  Attempts:      %d (%d retries)\n", summary.Attempts, summary.Retries)
	if len(summary.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", summary.ErrorsByType)
	}
	if processed, ok := metrics["processed_records"].(int64); ok {
		fmt.Printf("  Rows written:  %d\n", processed)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Rejected:      %v\n", valErrors)
	}
	if flagged, ok := metrics["flagged"].(map[string]int); ok && len(flagged) > 0 {
		fmt.Printf("  Flagged:       %v\n", flagged)
	}
	if summary.CheckpointError != "" {
		fmt.Printf("  Checkpoint:    FAILED (%s)\n", summary.CheckpointError)
	}
	fmt.Printf("  Duration:      %v\n", summary.EndTime.Sub(summary.StartTime).Round(time.Millisecond))
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
