package main

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Built-in instrument list; used when no catalog file is configured.
var defaultInstruments = []string{
	"Vocals", "Guitar", "Piano", "Drums",
	"Bass", "Violin", "Saxophone", "Production",
}

// TagCatalog is the set of capability tags users may offer or seek.
// Toggle events against tags outside the catalog are validation errors.
type TagCatalog struct {
	tags []string
	set  map[string]struct{}
}

func NewTagCatalog(tags []string) *TagCatalog {
	c := &TagCatalog{set: make(map[string]struct{}, len(tags))}
	for _, t := range tags {
		if _, dup := c.set[t]; dup {
			continue
		}
		c.set[t] = struct{}{}
		c.tags = append(c.tags, t)
	}
	return c
}

// LoadTagCatalog reads the YAML file named by TAG_CATALOG_FILE, falling
// back to the built-in instrument list when the variable is unset.
func LoadTagCatalog() (*TagCatalog, error) {
	path := os.Getenv("TAG_CATALOG_FILE")
	if path == "" {
		return NewTagCatalog(defaultInstruments), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tag catalog: %w", err)
	}
	var doc struct {
		Instruments []string `yaml:"instruments"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing tag catalog: %w", err)
	}
	if len(doc.Instruments) == 0 {
		return nil, fmt.Errorf("tag catalog %s lists no instruments", path)
	}
	log.Printf("Loaded %d instrument tags from %s", len(doc.Instruments), path)
	return NewTagCatalog(doc.Instruments), nil
}

// Valid reports whether tag belongs to the catalog.
func (c *TagCatalog) Valid(tag string) bool {
	_, ok := c.set[tag]
	return ok
}

// Check wraps Valid in the error the session layer matches on.
func (c *TagCatalog) Check(tag string) error {
	if !c.Valid(tag) {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return nil
}

// Tags returns the catalog in declaration order.
func (c *TagCatalog) Tags() []string {
	return append([]string(nil), c.tags...)
}
