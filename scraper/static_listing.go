package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/pagination"
	"github.com/aluiziolira/go-scrape-profiles/parser"
)

// ErrNoNextLink is returned when a static listing shows its load-more
// control but the control is not a link, so only a browser can drive it.
var ErrNoNextLink = errors.New("scraper: load more control has no link; use the browser renderer")

// StaticListings opens listings over plain HTTP. The load-more control is
// followed as a next-page link and pages accumulate until it disappears.
type StaticListings struct {
	fetcher *HTTPFetcher
	listing models.ListingSpec
}

// Listings returns a listing opener that fetches through f.
func (f *HTTPFetcher) Listings(listing models.ListingSpec) *StaticListings {
	return &StaticListings{fetcher: f, listing: listing}
}

// OpenListing fetches the first page of a listing.
func (o *StaticListings) OpenListing(ctx context.Context, rawURL string) (pagination.ListingPage, error) {
	doc, err := o.fetcher.Fetch(ctx, rawURL, 0)
	if err != nil {
		return nil, err
	}
	l := &staticListing{
		fetcher: o.fetcher,
		listing: o.listing,
		visited: make(map[models.Reference]struct{}),
		seen:    make(map[models.Reference]struct{}),
	}
	l.markVisited(rawURL, doc.URL())
	l.accept(doc)
	return l, nil
}

type staticListing struct {
	fetcher *HTTPFetcher
	listing models.ListingSpec
	pages   parser.Pages
	visited map[models.Reference]struct{}
	seen    map[models.Reference]struct{}

	// page fetched by the last activation, checked by WaitForChange
	next    parser.Document
	nextURL string
}

type nextPageLink struct {
	listing *staticListing
	url     string
	timeout time.Duration
}

func (a nextPageLink) Activate(ctx context.Context) error {
	doc, err := a.listing.fetcher.Fetch(ctx, a.url, a.timeout)
	if err != nil {
		return err
	}
	a.listing.next, a.listing.nextURL = doc, a.url
	return nil
}

// FindAffordance looks for the control on the most recent page. A control
// that is present but cannot be followed is a failure, not the end of the
// list.
func (l *staticListing) FindAffordance(ctx context.Context, timeout time.Duration) (pagination.Affordance, error) {
	if l.listing.LoadMoreSelector == "" {
		return nil, pagination.ErrAffordanceAbsent
	}
	last := l.pages[len(l.pages)-1]
	node, ok := last.Query(l.listing.LoadMoreSelector)
	if !ok {
		return nil, pagination.ErrAffordanceAbsent
	}

	href, ok := node.Attr("href")
	if !ok {
		if links := node.Find("a[href]"); len(links) > 0 {
			href, ok = links[0].Attr("href")
		}
	}
	if !ok {
		return nil, ErrNoNextLink
	}
	next, ok := parser.Canonicalize(last.URL(), href)
	if !ok {
		return nil, fmt.Errorf("%w: unusable href %q", ErrNoNextLink, href)
	}
	if _, done := l.visited[next]; done {
		return nil, fmt.Errorf("next page %s was already read", next)
	}
	return nextPageLink{listing: l, url: string(next), timeout: timeout}, nil
}

// WaitForChange accepts the page fetched by the last activation when it
// lists at least one item not seen on earlier pages.
func (l *staticListing) WaitForChange(ctx context.Context, timeout time.Duration) error {
	doc, url := l.next, l.nextURL
	l.next, l.nextURL = nil, ""
	if doc == nil {
		return pagination.ErrNoNewContent
	}
	l.markVisited(url, doc.URL())
	if !l.accept(doc) {
		return pagination.ErrNoNewContent
	}
	return nil
}

// accept appends doc when it adds unseen items and reports whether it did.
// The first page is always kept.
func (l *staticListing) accept(doc parser.Document) bool {
	fresh := 0
	for _, ref := range parser.ExtractReferences(doc, l.listing) {
		if _, ok := l.seen[ref]; ok {
			continue
		}
		l.seen[ref] = struct{}{}
		fresh++
	}
	if fresh == 0 && len(l.pages) > 0 {
		return false
	}
	l.pages = append(l.pages, doc)
	return true
}

func (l *staticListing) markVisited(urls ...string) {
	for _, u := range urls {
		if ref, ok := parser.Canonicalize("", u); ok {
			l.visited[ref] = struct{}{}
		}
	}
}

func (l *staticListing) Document(ctx context.Context) (parser.Document, error) {
	return l.pages, nil
}

func (l *staticListing) Close() error {
	return nil
}
