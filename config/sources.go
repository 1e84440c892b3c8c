package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

// categorySlug matches topic paths such as /browse/growth-strategy-42.
var categorySlug = regexp.MustCompile(`/([^/]+)-\d+/?$`)

// LoadSources reads listing sources from a CSV file. Each row is either
// "url" or "category,url"; blank lines and lines starting with # are skipped.
func LoadSources(path string) ([]models.ListingSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources: %w", err)
	}
	defer f.Close()
	return ParseSources(f)
}

// ParseSources decodes listing sources, rejecting duplicate categories so
// two listings never race to own the same category in the store.
func ParseSources(r io.Reader) ([]models.ListingSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	var sources []models.ListingSource
	seen := make(map[string]int)
	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sources: %w", err)
		}
		line++
		src, ok, err := sourceFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("sources row %d: %w", line, err)
		}
		if !ok {
			continue
		}
		if prev, dup := seen[src.Category]; dup {
			return nil, fmt.Errorf("sources row %d: category %q already defined on row %d", line, src.Category, prev)
		}
		seen[src.Category] = line
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no listing sources found")
	}
	return sources, nil
}

func sourceFromRow(row []string) (models.ListingSource, bool, error) {
	var fields []string
	for _, f := range row {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}

	var src models.ListingSource
	switch len(fields) {
	case 0:
		return src, false, nil
	case 1:
		src.URL = fields[0]
		src.Category = CategoryFromURL(fields[0])
	case 2:
		src.Category, src.URL = fields[0], fields[1]
	default:
		return src, false, fmt.Errorf("expected 1 or 2 columns, got %d", len(fields))
	}

	u, err := url.Parse(src.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return src, false, fmt.Errorf("invalid listing url %q", src.URL)
	}
	return src, true, nil
}

// CategoryFromURL derives a category from a topic URL: the slug before a
// trailing numeric id, else the last path segment, else the URL itself.
func CategoryFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if m := categorySlug.FindStringSubmatch(u.Path); m != nil {
		return m[1]
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return raw
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1]
}
