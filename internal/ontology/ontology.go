// Package ontology stores the vault-wide tag vocabulary and merges
// concurrent writers by tag ID.
package ontology

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// TagDefinition describes one tag of the shared vocabulary.
type TagDefinition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Color       string `yaml:"color,omitempty" json:"color,omitempty"`
	Parent      string `yaml:"parent,omitempty" json:"parent,omitempty"`
}

// Document is the shared tag vocabulary. Version is an opaque token that
// changes on every write; it detects concurrent writers and carries no
// ordering.
type Document struct {
	Definitions  map[string]TagDefinition `yaml:"definitions" json:"definitions"`
	Synonyms     map[string]string        `yaml:"synonyms" json:"synonyms"`
	Version      string                   `yaml:"version" json:"version"`
	LastModified time.Time                `yaml:"last_modified" json:"last_modified"`
}

// NewDocument returns an empty, never-written document.
func NewDocument() *Document {
	return &Document{
		Definitions: make(map[string]TagDefinition),
		Synonyms:    make(map[string]string),
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := NewDocument()
	for k, v := range d.Definitions {
		out.Definitions[k] = v
	}
	for k, v := range d.Synonyms {
		out.Synonyms[k] = v
	}
	out.Version = d.Version
	out.LastModified = d.LastModified
	return out
}

// Resolve maps a tag name, ID or synonym to its definition. Names are not
// unique across devices; when several definitions share one, the lowest ID
// wins.
func (d *Document) Resolve(name string) (TagDefinition, bool) {
	if def, ok := d.Definitions[name]; ok {
		return def, true
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if id, ok := d.Synonyms[key]; ok {
		def, ok := d.Definitions[id]
		return def, ok
	}
	for _, id := range slices.Sorted(maps.Keys(d.Definitions)) {
		if def := d.Definitions[id]; strings.EqualFold(def.Name, key) {
			return def, true
		}
	}
	return TagDefinition{}, false
}

// Merge combines the freshly read document with the caller's copy after a
// concurrent write. Definitions and synonyms only present in fresh are
// added; on shared keys the caller's copy wins. The result carries fresh's
// version until it is written.
func Merge(fresh, mine *Document) *Document {
	out := mine.Clone()
	for id, def := range fresh.Definitions {
		if _, ok := out.Definitions[id]; !ok {
			out.Definitions[id] = def
		}
	}
	for alias, id := range fresh.Synonyms {
		if _, ok := out.Synonyms[alias]; !ok {
			out.Synonyms[alias] = id
		}
	}
	out.Version = fresh.Version
	return out
}
