// Package models defines data structures shared by the crawler components.
package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Reference is the canonical URL of one detail page. It is the dedup and
// resume key, so it must be stable across runs.
type Reference string

// ListingSource is a category plus the listing page enumerating its items.
type ListingSource struct {
	Category string `json:"category" yaml:"category"`
	URL      string `json:"url" yaml:"url"`
}

// Assignment is a reference handed out to a worker together with the
// category it was discovered under.
type Assignment struct {
	Reference Reference
	Category  string
}

// Field extraction strategies.
const (
	StrategyText    = "text"
	StrategyAttr    = "attr"
	StrategyPattern = "pattern"
	StrategyCount   = "count"
	StrategyList    = "list"
)

// WholeMatch selects the entire pattern match instead of a capture group.
const WholeMatch = -1

// FieldSpec describes how one field is pulled out of a detail page.
//
// Group picks the capture group of a pattern field. Zero takes the first
// capture group when the pattern has one and the whole match otherwise;
// WholeMatch always takes the whole match.
type FieldSpec struct {
	Name       string   `yaml:"name"`
	Strategy   string   `yaml:"strategy"`
	Selector   string   `yaml:"selector"`
	Attribute  string   `yaml:"attribute,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty"`
	Group      int      `yaml:"group,omitempty"`
	Indicator  string   `yaml:"indicator,omitempty"`
	EmptyClass string   `yaml:"empty_class,omitempty"`
	Separator  string   `yaml:"separator,omitempty"`
	Transforms []string `yaml:"transforms,omitempty"`
	Optional   bool     `yaml:"optional,omitempty"`
}

// ListingSpec locates the load-more affordance and the item links on a
// listing page.
type ListingSpec struct {
	LoadMoreSelector string `yaml:"load_more_selector"`
	ItemSelector     string `yaml:"item_selector"`
	ItemAttribute    string `yaml:"item_attribute"`
}

// Schema is a versioned, read-only set of field specs.
type Schema struct {
	Version string      `yaml:"version"`
	Listing ListingSpec `yaml:"listing"`
	Fields  []FieldSpec `yaml:"fields"`
}

// FieldNames returns the field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Value is an extracted field value or the absent marker.
type Value struct {
	Text    string
	Present bool
}

// Absent returns the marker for a field that could not be extracted.
func Absent() Value {
	return Value{}
}

// Present wraps an extracted value.
func Present(text string) Value {
	return Value{Text: text, Present: true}
}

// String returns the text, or an empty string when absent.
func (v Value) String() string {
	return v.Text
}

// MarshalJSON encodes absent values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Present {
		return []byte("null"), nil
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON decodes null as absent.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Absent()
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	*v = Present(text)
	return nil
}

// Record is one assembled profile.
type Record struct {
	Reference Reference        `json:"reference"`
	Category  string           `json:"category"`
	Fields    map[string]Value `json:"fields"`
	Absent    []string         `json:"absent,omitempty"`
	ScrapedAt time.Time        `json:"scraped_at"`
}

// Get returns the value for a field, absent when unknown.
func (r Record) Get(name string) Value {
	if r.Fields == nil {
		return Absent()
	}
	return r.Fields[name]
}

// AllAbsent reports whether no field was extracted at all. Such a record
// usually means the fetch returned an error or interstitial page.
func (r Record) AllAbsent() bool {
	for _, v := range r.Fields {
		if v.Present {
			return false
		}
	}
	return true
}

// MissingRequired lists non-optional schema fields that came back absent.
func (r Record) MissingRequired(schema Schema) []string {
	var missing []string
	for _, f := range schema.Fields {
		if f.Optional {
			continue
		}
		if !r.Get(f.Name).Present {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// WithCategory returns a copy of the record filed under another category.
func (r Record) WithCategory(category string) Record {
	out := r
	out.Category = category
	out.Fields = make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	out.Absent = append([]string(nil), r.Absent...)
	return out
}

// CrawlState summarises the resumable store.
type CrawlState struct {
	Discovered int
	InProgress int
	Done       int
	Pending    int
	Categories map[string]int
}

// RunSummary is reported to the operator at the end of a run.
type RunSummary struct {
	StartTime         time.Time
	EndTime           time.Time
	ListingsExhausted int
	ListingsAborted   int
	ListingsSkipped   int
	AbortedListings   []string
	Discovered        int
	NewReferences     int
	Successes         int
	Anomalies         []Reference
	Released          []Reference
	Attempts          int
	Retries           int
	ErrorsByType      map[string]int
	State             CrawlState
	CheckpointError   string // last failed checkpoint write, empty when the final one succeeded
}
