package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer. ok is false when the variable is unset.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides defaults from SCRAPER_* variables. Flags parsed later
// still win.
func (c *Config) ApplyEnv() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_PARALLEL", &c.Parallelism},
		{"SCRAPER_LISTING_PARALLEL", &c.ListingParallelism},
		{"SCRAPER_FETCH_ATTEMPTS", &c.FetchAttempts},
		{"SCRAPER_MAX_EXPANSIONS", &c.MaxExpansions},
		{"SCRAPER_MAX_EXPANSION_FAILURES", &c.MaxExpansionFailures},
		{"SCRAPER_CHECKPOINT_EVERY", &c.CheckpointEvery},
	}
	for _, entry := range ints {
		value, ok, err := EnvInt(entry.key)
		if err != nil {
			return err
		}
		if ok {
			*entry.dst = value
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"SCRAPER_SOURCES", &c.SourcesFile},
		{"SCRAPER_SCHEMA", &c.SchemaFile},
		{"SCRAPER_CHECKPOINT", &c.CheckpointFile},
		{"SCRAPER_OUTPUT", &c.OutputFile},
		{"SCRAPER_RENDERER", &c.Renderer},
		{"SCRAPER_METRICS_ADDR", &c.MetricsAddr},
	}
	for _, entry := range strs {
		if value, ok := EnvString(entry.key); ok {
			*entry.dst = value
		}
	}

	if value, ok, err := EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		return err
	} else if ok {
		c.Timeout = value
	}
	return nil
}
