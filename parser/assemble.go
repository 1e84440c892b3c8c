package parser

import (
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

// Assembler builds records for one schema.
type Assembler struct {
	schema models.Schema
	now    func() time.Time
}

// NewAssembler validates schema and returns an assembler for it.
func NewAssembler(schema models.Schema) (*Assembler, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	return &Assembler{schema: schema, now: time.Now}, nil
}

// Schema returns the schema the assembler extracts.
func (a *Assembler) Schema() models.Schema {
	return a.schema
}

// Assemble extracts every schema field from doc. Fields fail independently;
// a record comes back even when all of them are absent.
func (a *Assembler) Assemble(doc Document, ref models.Reference, category string) models.Record {
	rec := models.Record{
		Reference: ref,
		Category:  category,
		Fields:    make(map[string]models.Value, len(a.schema.Fields)),
		ScrapedAt: a.now().UTC(),
	}
	for _, spec := range a.schema.Fields {
		v := Extract(doc, spec)
		rec.Fields[spec.Name] = v
		if !v.Present {
			rec.Absent = append(rec.Absent, spec.Name)
		}
	}
	return rec
}

// ExtractReferences collects item links from a listing document, resolved
// against the document URL and deduplicated in first-seen order.
func ExtractReferences(doc Document, listing models.ListingSpec) []models.Reference {
	if doc == nil {
		return nil
	}
	attr := listing.ItemAttribute
	if attr == "" {
		attr = "href"
	}

	seen := make(map[models.Reference]struct{})
	var refs []models.Reference
	for _, node := range doc.QueryAll(listing.ItemSelector) {
		raw, ok := node.Attr(attr)
		if !ok {
			continue
		}
		ref, ok := Canonicalize(doc.URL(), raw)
		if !ok {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	return refs
}
