// Package parser extracts profile fields from parsed detail pages.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Transform names accepted in field specs.
const (
	TransformTrim    = "trim"
	TransformASCII   = "ascii"
	TransformDecimal = "decimal"
	TransformInteger = "integer"
	TransformUnwrap  = "unwrap"
	TransformLower   = "lower"
)

type transformFunc func(string) (string, bool)

var transforms = map[string]transformFunc{
	TransformTrim:    trimTransform,
	TransformASCII:   asciiTransform,
	TransformDecimal: decimalTransform,
	TransformInteger: integerTransform,
	TransformUnwrap:  unwrapTransform,
	TransformLower:   lowerTransform,
}

// ValidTransform reports whether name is a known transform.
func ValidTransform(name string) bool {
	_, ok := transforms[name]
	return ok
}

// ApplyTransforms runs the named transforms in order. Any failure, unknown
// name, or empty intermediate result reports false.
func ApplyTransforms(value string, names []string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	for _, name := range names {
		fn, ok := transforms[name]
		if !ok {
			return "", false
		}
		value, ok = fn(value)
		if !ok || value == "" {
			return "", false
		}
	}
	return value, true
}

func trimTransform(s string) (string, bool) {
	return strings.TrimSpace(s), true
}

// asciiTransform drops emoji and other non-ASCII characters profile owners
// put in names and locations.
func asciiTransform(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String()), true
}

// NormalizePrice keeps digits, the decimal point and a leading minus sign.
// Currency symbols and thousands separators are dropped.
func NormalizePrice(price string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(price) {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func decimalTransform(s string) (string, bool) {
	cleaned := NormalizePrice(s)
	if cleaned == "" {
		return "", false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func integerTransform(s string) (string, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}

// unwrapTransform turns "(7)" into "7".
func unwrapTransform(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return strings.TrimSpace(s), true
}

func lowerTransform(s string) (string, bool) {
	return strings.ToLower(s), true
}

// RatingFromIndicators converts filled/empty indicator counts into a rating.
// Zero indicators means the markup changed, which is not a zero rating.
func RatingFromIndicators(total, empty int) (string, bool) {
	if total <= 0 || empty < 0 || empty > total {
		return "", false
	}
	return strconv.Itoa(total - empty), true
}

func describeSpec(name, strategy string) string {
	return fmt.Sprintf("%s (%s)", name, strategy)
}
