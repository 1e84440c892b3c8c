package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/parser"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "unknown renderer",
			mutate: func(cfg *Config) {
				cfg.Renderer = "selenium"
			},
			wantErr: "renderer",
		},
		{
			name: "zero fetch attempts",
			mutate: func(cfg *Config) {
				cfg.FetchAttempts = 0
			},
			wantErr: "fetch attempts",
		},
		{
			name: "failure budget not smaller than expansion ceiling",
			mutate: func(cfg *Config) {
				cfg.MaxExpansions = 3
				cfg.MaxExpansionFailures = 3
			},
			wantErr: "must be smaller",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = 5 * time.Second
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "bad output format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xml"
			},
			wantErr: "output format",
		},
		{
			name: "zero checkpoint cadence",
			mutate: func(cfg *Config) {
				cfg.CheckpointEvery = 0
			},
			wantErr: "checkpoint cadence",
		},
		{
			name: "empty user agent without rotation",
			mutate: func(cfg *Config) {
				cfg.UserAgent = ""
			},
			wantErr: "user agent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCRAPER_PARALLEL", "9")
	t.Setenv("SCRAPER_RENDERER", "browser")
	t.Setenv("SCRAPER_TIMEOUT", "750ms")
	t.Setenv("SCRAPER_OUTPUT", "  ")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Parallelism != 9 {
		t.Fatalf("parallelism = %d, want 9", cfg.Parallelism)
	}
	if cfg.Renderer != "browser" {
		t.Fatalf("renderer = %q, want browser", cfg.Renderer)
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Fatalf("timeout = %v, want 750ms", cfg.Timeout)
	}
	if cfg.OutputFile != DefaultConfig().OutputFile {
		t.Fatalf("blank env value should not override output, got %q", cfg.OutputFile)
	}
}

func TestApplyEnvInvalidInt(t *testing.T) {
	t.Setenv("SCRAPER_PARALLEL", "many")

	if err := DefaultConfig().ApplyEnv(); err == nil || !strings.Contains(err.Error(), "SCRAPER_PARALLEL") {
		t.Fatalf("expected SCRAPER_PARALLEL error, got %v", err)
	}
}

func TestLoadDefaultSchema(t *testing.T) {
	schema, err := LoadSchema("")
	if err != nil {
		t.Fatalf("load embedded schema: %v", err)
	}
	if schema.Version != "clarity-v2" {
		t.Fatalf("version = %q", schema.Version)
	}
	names := schema.FieldNames()
	want := []string{"name", "location", "price", "linkedin", "twitter", "rating", "reviews"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("fields = %v, want %v", names, want)
	}
	if schema.Listing.LoadMoreSelector == "" || schema.Listing.ItemAttribute != "href" {
		t.Fatalf("unexpected listing spec: %+v", schema.Listing)
	}
}

func TestLoadBundledMentorcruiseSchema(t *testing.T) {
	if got := BundledSchemas(); !slices.Contains(got, "clarity") || !slices.Contains(got, "mentorcruise") {
		t.Fatalf("bundled schemas = %v", got)
	}

	schema, err := LoadSchema("mentorcruise")
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	if schema.Version != "mentorcruise-v1" {
		t.Fatalf("version = %q", schema.Version)
	}

	doc, err := parser.NewDocumentFromString("https://mentorcruise.com/mentor/ada/", `<html><body>
<div class="w-full lg:w-1/2 xl:w-2/3 relative py-4 px-4 sm:px-8">
  <h1 class="text-slate-900 font-bold text-2xl mb-1"> Ada Lovelace </h1>
  <div class="mt-5 font-normal text-slate-600">
    <span class="block mb-2"><a href="/mentor/browse/?country=uk"><span>United Kingdom</span></a></span>
    <span class="block mb-2"><span>4.9 (123 reviews)</span></span>
  </div>
  <div><h2>Skills</h2><div class="mt-6"><a href="#">Go</a><a href="#">Distributed Systems</a></div></div>
</div>
</body></html>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	assembler, err := parser.NewAssembler(schema)
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	rec := assembler.Assemble(doc, "https://mentorcruise.com/mentor/ada/", "mentors")

	want := map[string]string{
		"name":    "Ada Lovelace",
		"country": "United Kingdom",
		"rating":  "4.9",
		"reviews": "123",
		"skills":  "Go; Distributed Systems",
	}
	for name, value := range want {
		if got := rec.Get(name); !got.Present || got.Text != value {
			t.Fatalf("%s = %+v, want %q", name, got, value)
		}
	}
}

func TestLoadSchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
version: mentors-v1
listing:
  item_selector: div.mentor a
fields:
  - name: name
    strategy: text
    selector: h1
  - name: skills
    strategy: list
    selector: div.mt-6 a
    optional: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	schema, err := LoadSchema(path)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	if schema.Version != "mentors-v1" || len(schema.Fields) != 2 {
		t.Fatalf("unexpected schema: %+v", schema)
	}
	if schema.Listing.ItemAttribute != "href" {
		t.Fatalf("item attribute should default to href, got %q", schema.Listing.ItemAttribute)
	}
}

func TestParseSchemaRejectsInvalid(t *testing.T) {
	_, err := ParseSchema([]byte(`
version: broken
listing:
  item_selector: a
fields:
  - name: price
    strategy: pattern
    pattern: '(['
`))
	if err == nil || !strings.Contains(err.Error(), "invalid schema") {
		t.Fatalf("expected invalid schema error, got %v", err)
	}
}

func TestParseSources(t *testing.T) {
	input := `# topics
https://clarity.fm/browse/growth-strategy-42
marketing, https://clarity.fm/browse/marketing

https://clarity.fm/browse/sales/
`
	sources, err := ParseSources(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse sources: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(sources))
	}
	want := []string{"growth-strategy", "marketing", "sales"}
	for i, src := range sources {
		if src.Category != want[i] {
			t.Fatalf("sources[%d].Category = %q, want %q", i, src.Category, want[i])
		}
	}
}

func TestParseSourcesErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty", input: "# nothing\n", wantErr: "no listing sources"},
		{name: "bad url", input: "growth,not-a-url\n", wantErr: "invalid listing url"},
		{name: "duplicate category", input: "a,https://x.test/1\na,https://x.test/2\n", wantErr: "already defined"},
		{name: "too many columns", input: "a,b,https://x.test/1\n", wantErr: "columns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSources(strings.NewReader(tt.input)); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCategoryFromURL(t *testing.T) {
	tests := map[string]string{
		"https://clarity.fm/browse/business-12":      "business",
		"https://clarity.fm/browse/growth-hacking-7": "growth-hacking",
		"https://clarity.fm/browse/finance":          "finance",
		"https://clarity.fm":                         "https://clarity.fm",
	}
	for input, want := range tests {
		if got := CategoryFromURL(input); got != want {
			t.Errorf("CategoryFromURL(%q) = %q, want %q", input, got, want)
		}
	}
}
