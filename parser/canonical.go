package parser

import (
	"net/url"
	"strings"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

// Canonicalize resolves href against base and strips the fragment so the
// same profile always maps to the same reference.
func Canonicalize(base, href string) (models.Reference, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != "" {
		b, err := url.Parse(base)
		if err == nil {
			ref = b.ResolveReference(ref)
		}
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	if ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	ref.Host = strings.ToLower(ref.Host)
	return models.Reference(ref.String()), true
}
