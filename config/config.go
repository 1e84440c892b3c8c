package config

import (
	"fmt"
	"time"
)

// Config holds crawler configuration.
type Config struct {
	SourcesFile    string
	SchemaFile     string // file path or bundled schema name; empty means clarity
	CheckpointFile string

	Renderer string // http or browser
	Headless bool

	Parallelism        int // fetch workers
	ListingParallelism int
	WorkBatchSize      int // references handed to a worker per NextBatch call

	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration // per fetch attempt
	FetchAttempts   int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	MaxExpansions        int
	MaxExpansionFailures int
	ExpansionWait        time.Duration
	ListingTimeout       time.Duration

	CheckpointEvery int
	Rediscover      bool

	OutputFile         string
	OutputFormat       string // csv, json, or dual
	PipelineBufferSize int
	BatchSize          int // output write batch
	DedupeMaxSize      int

	UserAgent        string
	RandomUserAgent  bool
	RespectRobotsTxt bool
	Verbose          bool
	MetricsAddr      string
}

// DefaultConfig returns the clarity defaults: 60 load-more clicks,
// 3 consecutive failures, 20s waits and 5s fetch timeouts.
func DefaultConfig() *Config {
	return &Config{
		SourcesFile:          "sources.csv",
		CheckpointFile:       "output/checkpoint.json",
		Renderer:             "http",
		Headless:             true,
		Parallelism:          5,
		ListingParallelism:   2,
		WorkBatchSize:        1,
		Delay:                0,
		RandomDelay:          0,
		Timeout:              5 * time.Second,
		FetchAttempts:        3,
		RetryBackoff:         200 * time.Millisecond,
		RetryBackoffMax:      2 * time.Second,
		MaxExpansions:        60,
		MaxExpansionFailures: 3,
		ExpansionWait:        20 * time.Second,
		ListingTimeout:       30 * time.Minute,
		CheckpointEvery:      20,
		OutputFile:           "output/profiles.csv",
		OutputFormat:         "csv",
		PipelineBufferSize:   512,
		BatchSize:            64,
		DedupeMaxSize:        100000,
		UserAgent:            "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:              false,
		RespectRobotsTxt:     false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.SourcesFile == "" {
		return fmt.Errorf("sources file cannot be empty")
	}
	if c.CheckpointFile == "" {
		return fmt.Errorf("checkpoint file cannot be empty")
	}
	if c.Renderer != "http" && c.Renderer != "browser" {
		return fmt.Errorf("renderer must be http or browser")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.ListingParallelism <= 0 {
		return fmt.Errorf("listing parallelism must be positive")
	}
	if c.WorkBatchSize <= 0 {
		return fmt.Errorf("work batch size must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.FetchAttempts <= 0 {
		return fmt.Errorf("fetch attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MaxExpansions <= 0 {
		return fmt.Errorf("max expansions must be positive")
	}
	if c.MaxExpansionFailures <= 0 {
		return fmt.Errorf("max expansion failures must be positive")
	}
	if c.MaxExpansionFailures >= c.MaxExpansions {
		return fmt.Errorf("max expansion failures (%d) must be smaller than max expansions (%d)", c.MaxExpansionFailures, c.MaxExpansions)
	}
	if c.ExpansionWait <= 0 {
		return fmt.Errorf("expansion wait must be positive")
	}
	if c.ListingTimeout < 0 {
		return fmt.Errorf("listing timeout cannot be negative")
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint cadence must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" && !c.RandomUserAgent {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
