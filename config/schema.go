package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/aluiziolira/go-scrape-profiles/models"
	"github.com/aluiziolira/go-scrape-profiles/parser"
	"gopkg.in/yaml.v3"
)

// DefaultSchema names the bundled schema used when none is given.
const DefaultSchema = "clarity"

//go:embed schemas/*.yaml
var bundled embed.FS

// BundledSchemas lists the schema names shipped with the binary.
func BundledSchemas() []string {
	entries, err := fs.ReadDir(bundled, "schemas")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names
}

// LoadSchema reads a schema file and validates it. An empty path loads the
// default bundled schema, and a bare name such as "mentorcruise" loads the
// bundled schema of that name.
func LoadSchema(path string) (models.Schema, error) {
	if path == "" {
		path = DefaultSchema
	}
	if slices.Contains(BundledSchemas(), path) {
		data, err := bundled.ReadFile("schemas/" + path + ".yaml")
		if err != nil {
			return models.Schema{}, fmt.Errorf("read bundled schema %s: %w", path, err)
		}
		return ParseSchema(data)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Schema{}, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema.
func ParseSchema(data []byte) (models.Schema, error) {
	var schema models.Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return models.Schema{}, fmt.Errorf("decode schema: %w", err)
	}
	if schema.Listing.ItemAttribute == "" {
		schema.Listing.ItemAttribute = "href"
	}
	if err := parser.ValidateSchema(schema); err != nil {
		return models.Schema{}, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}
