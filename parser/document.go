package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Node is a single element of a parsed document.
type Node interface {
	Text() string
	Attr(name string) (string, bool)
	HasClass(class string) bool
	Find(selector string) []Node
	HTML() string
}

// Document is a parsed page that can be queried with CSS selectors.
type Document interface {
	URL() string
	Query(selector string) (Node, bool)
	QueryAll(selector string) []Node
	HTML() string
}

// HTMLDocument is the goquery-backed Document.
type HTMLDocument struct {
	url string
	doc *goquery.Document
}

// NewDocument parses HTML read from r.
func NewDocument(url string, r io.Reader) (*HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", url, err)
	}
	return &HTMLDocument{url: url, doc: doc}, nil
}

// NewDocumentFromBytes parses an HTML body.
func NewDocumentFromBytes(url string, body []byte) (*HTMLDocument, error) {
	return NewDocument(url, bytes.NewReader(body))
}

// NewDocumentFromString parses an HTML string.
func NewDocumentFromString(url, html string) (*HTMLDocument, error) {
	return NewDocument(url, strings.NewReader(html))
}

func (d *HTMLDocument) URL() string {
	return d.url
}

func (d *HTMLDocument) Query(selector string) (Node, bool) {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, false
	}
	return selectionNode{sel: sel}, true
}

func (d *HTMLDocument) QueryAll(selector string) []Node {
	return wrapSelection(d.doc.Find(selector))
}

func (d *HTMLDocument) HTML() string {
	html, err := d.doc.Html()
	if err != nil {
		return ""
	}
	return html
}

type selectionNode struct {
	sel *goquery.Selection
}

func (n selectionNode) Text() string {
	return n.sel.Text()
}

func (n selectionNode) Attr(name string) (string, bool) {
	return n.sel.Attr(name)
}

func (n selectionNode) HasClass(class string) bool {
	return n.sel.HasClass(class)
}

func (n selectionNode) Find(selector string) []Node {
	return wrapSelection(n.sel.Find(selector))
}

func (n selectionNode) HTML() string {
	html, err := goquery.OuterHtml(n.sel)
	if err != nil {
		return ""
	}
	return html
}

func wrapSelection(sel *goquery.Selection) []Node {
	nodes := make([]Node, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, selectionNode{sel: s})
	})
	return nodes
}

// Pages is a listing read one page at a time. Queries run over every page in
// order and links resolve against the first page's URL.
type Pages []Document

func (p Pages) URL() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].URL()
}

func (p Pages) Query(selector string) (Node, bool) {
	for _, doc := range p {
		if node, ok := doc.Query(selector); ok {
			return node, true
		}
	}
	return nil, false
}

func (p Pages) QueryAll(selector string) []Node {
	var nodes []Node
	for _, doc := range p {
		nodes = append(nodes, doc.QueryAll(selector)...)
	}
	return nodes
}

func (p Pages) HTML() string {
	var b strings.Builder
	for _, doc := range p {
		b.WriteString(doc.HTML())
	}
	return b.String()
}
