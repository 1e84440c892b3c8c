package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/andybalholm/cascadia"
)

var patternCache sync.Map // pattern string -> *regexp.Regexp, nil when invalid

// Extract pulls one field out of doc. It never fails: a missing node, a
// pattern mismatch or a failing transform all produce models.Absent().
func Extract(doc Document, spec models.FieldSpec) models.Value {
	if doc == nil {
		return models.Absent()
	}

	raw, ok := extractRaw(doc, spec)
	if !ok {
		return models.Absent()
	}
	value, ok := ApplyTransforms(raw, spec.Transforms)
	if !ok {
		return models.Absent()
	}
	return models.Present(value)
}

func extractRaw(doc Document, spec models.FieldSpec) (string, bool) {
	switch spec.Strategy {
	case models.StrategyText, "":
		node, ok := doc.Query(spec.Selector)
		if !ok {
			return "", false
		}
		return node.Text(), true

	case models.StrategyAttr:
		node, ok := doc.Query(spec.Selector)
		if !ok {
			return "", false
		}
		return node.Attr(spec.Attribute)

	case models.StrategyPattern:
		re := compiledPattern(spec.Pattern)
		if re == nil {
			return "", false
		}
		source := doc.HTML()
		if spec.Selector != "" {
			node, ok := doc.Query(spec.Selector)
			if !ok {
				return "", false
			}
			source = node.Text()
		}
		match := re.FindStringSubmatch(source)
		if match == nil {
			return "", false
		}
		switch group := spec.Group; {
		case group == models.WholeMatch:
			return match[0], true
		case group == 0 && len(match) > 1:
			return match[1], true
		case group < 0 || group >= len(match):
			return "", false
		default:
			return match[group], true
		}

	case models.StrategyCount:
		container, ok := doc.Query(spec.Selector)
		if !ok {
			return "", false
		}
		indicators := container.Find(spec.Indicator)
		empty := 0
		for _, ind := range indicators {
			if spec.EmptyClass != "" && ind.HasClass(spec.EmptyClass) {
				empty++
			}
		}
		return RatingFromIndicators(len(indicators), empty)

	case models.StrategyList:
		nodes := doc.QueryAll(spec.Selector)
		items := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if text := strings.TrimSpace(n.Text()); text != "" {
				items = append(items, text)
			}
		}
		if len(items) == 0 {
			return "", false
		}
		sep := spec.Separator
		if sep == "" {
			sep = "; "
		}
		return strings.Join(items, sep), true
	}

	return "", false
}

func compiledPattern(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	if cached, ok := patternCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

// ValidateSchema checks selectors, patterns and transforms up front so a
// broken schema fails at startup rather than silently producing absent
// fields for every record.
func ValidateSchema(schema models.Schema) error {
	if strings.TrimSpace(schema.Version) == "" {
		return fmt.Errorf("schema version cannot be empty")
	}
	if len(schema.Fields) == 0 {
		return fmt.Errorf("schema %s has no fields", schema.Version)
	}
	if schema.Listing.ItemSelector == "" {
		return fmt.Errorf("schema %s: listing item selector cannot be empty", schema.Version)
	}
	if err := validSelector(schema.Listing.ItemSelector); err != nil {
		return fmt.Errorf("schema %s: listing item selector: %w", schema.Version, err)
	}
	if schema.Listing.LoadMoreSelector != "" {
		if err := validSelector(schema.Listing.LoadMoreSelector); err != nil {
			return fmt.Errorf("schema %s: load more selector: %w", schema.Version, err)
		}
	}

	seen := make(map[string]struct{}, len(schema.Fields))
	var errs []error
	for _, f := range schema.Fields {
		if f.Name == "" {
			errs = append(errs, errors.New("field with empty name"))
			continue
		}
		if f.Name == "reference" || f.Name == "category" {
			errs = append(errs, fmt.Errorf("field %q collides with a reserved column", f.Name))
		}
		if _, dup := seen[f.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate field %q", f.Name))
		}
		seen[f.Name] = struct{}{}
		if err := validateField(f); err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", describeSpec(f.Name, f.Strategy), err))
		}
	}
	return errors.Join(errs...)
}

func validateField(f models.FieldSpec) error {
	switch f.Strategy {
	case models.StrategyText, models.StrategyAttr, models.StrategyCount, models.StrategyList, "":
		if f.Selector == "" {
			return errors.New("selector required")
		}
	case models.StrategyPattern:
		if _, err := regexp.Compile(f.Pattern); err != nil || f.Pattern == "" {
			return fmt.Errorf("invalid pattern %q", f.Pattern)
		}
	default:
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	if f.Selector != "" {
		if err := validSelector(f.Selector); err != nil {
			return err
		}
	}
	if f.Strategy == models.StrategyAttr && f.Attribute == "" {
		return errors.New("attribute required")
	}
	if f.Strategy == models.StrategyCount {
		if f.Indicator == "" {
			return errors.New("indicator selector required")
		}
		if err := validSelector(f.Indicator); err != nil {
			return err
		}
	}
	for _, t := range f.Transforms {
		if !ValidTransform(t) {
			return fmt.Errorf("unknown transform %q", t)
		}
	}
	if f.Group < models.WholeMatch {
		return fmt.Errorf("group must be %d (whole match) or a capture group index: %d", models.WholeMatch, f.Group)
	}
	if f.Strategy == models.StrategyPattern && f.Group > 0 {
		if re := compiledPattern(f.Pattern); re != nil && f.Group > re.NumSubexp() {
			return fmt.Errorf("group %d out of range, pattern has %d", f.Group, re.NumSubexp())
		}
	}
	return nil
}

func validSelector(selector string) error {
	if _, err := cascadia.Compile(selector); err != nil {
		return fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return nil
}
