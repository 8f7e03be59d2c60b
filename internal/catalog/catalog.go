// Package catalog lists the formatting styles and language variants offered
// to clients.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Entry struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

type Catalog struct {
	Styles   []Entry `yaml:"styles" json:"styles"`
	Variants []Entry `yaml:"variants" json:"variants"`
}

// Load reads the catalog at path, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Styles) == 0 || len(c.Variants) == 0 {
		return nil, fmt.Errorf("catalog needs at least one style and one variant")
	}
	for _, group := range [][]Entry{c.Styles, c.Variants} {
		seen := make(map[string]bool, len(group))
		for _, e := range group {
			key := strings.ToLower(e.ID)
			if e.ID == "" || seen[key] {
				return nil, fmt.Errorf("catalog entry %q is empty or duplicated", e.ID)
			}
			seen[key] = true
		}
	}
	return &c, nil
}

// HasStyle reports whether id names a listed style, ignoring case.
func (c *Catalog) HasStyle(id string) bool { return has(c.Styles, id) }

// HasVariant reports whether id names a listed variant, ignoring case.
func (c *Catalog) HasVariant(id string) bool { return has(c.Variants, id) }

func has(entries []Entry, id string) bool {
	for _, e := range entries {
		if strings.EqualFold(e.ID, id) {
			return true
		}
	}
	return false
}
