package ontology

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/storage"
)

// FilePath is the vault-relative location of the ontology document.
var FilePath = path.Join(storage.StateDir, "ontology.yaml")

// Store loads and saves the ontology document with optimistic concurrency.
type Store struct {
	store  storage.Provider
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex // serializes read-compare-write
	cached      *Document
	cachedMtime int64
}

// NewStore creates a Store writing through store.
func NewStore(store storage.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger, now: time.Now}
}

// Load returns a private copy of the current document. The parsed document
// is reused while the file's mtime is unchanged.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

func (s *Store) loadLocked() (*Document, error) {
	mtime, err := s.store.ModTime(FilePath)
	if errors.Is(err, os.ErrNotExist) {
		s.cached, s.cachedMtime = NewDocument(), 0
		return s.cached, nil
	}
	if err != nil {
		return nil, apperr.Transient("ontology: stat", err)
	}
	if s.cached != nil && s.cachedMtime == mtime {
		return s.cached, nil
	}
	data, err := s.store.Read(FilePath)
	if err != nil {
		return nil, apperr.Transient("ontology: read", err)
	}
	doc := NewDocument()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("ontology: decode: %w", err)
	}
	if doc.Definitions == nil {
		doc.Definitions = make(map[string]TagDefinition)
	}
	if doc.Synonyms == nil {
		doc.Synonyms = make(map[string]string)
	}
	s.cached, s.cachedMtime = doc, mtime
	return doc, nil
}

// SaveWithConflictDetection writes doc if the stored version still equals
// expectedVersion. Otherwise it merges the stored document into doc first.
// A fresh version token is stamped either way. It returns the document as
// written and whether a concurrent writer was merged.
func (s *Store) SaveWithConflictDetection(doc *Document, expectedVersion string) (*Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Always compare against the file itself, never a cached parse.
	s.cached = nil
	fresh, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}

	out := doc.Clone()
	conflicted := fresh.Version != expectedVersion
	if conflicted {
		out = Merge(fresh, doc)
		s.logger.Info("ontology: merged concurrent write",
			slog.String("expected_version", expectedVersion),
			slog.String("disk_version", fresh.Version),
			slog.Int("definitions", len(out.Definitions)))
	}
	out.Version = uuid.NewString()
	out.LastModified = s.now().UTC()

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, false, fmt.Errorf("ontology: encode: %w", err)
	}
	if err := s.store.Write(FilePath, data); err != nil {
		return nil, false, apperr.Transient("ontology: write", err)
	}
	if mtime, err := s.store.ModTime(FilePath); err == nil {
		s.cached, s.cachedMtime = out.Clone(), mtime
	}
	return out, conflicted, nil
}

// Update loads the document, applies fn and saves the result with conflict
// detection against the version that was loaded.
func (s *Store) Update(fn func(*Document) error) (*Document, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	expected := doc.Version
	if err := fn(doc); err != nil {
		return nil, err
	}
	saved, _, err := s.SaveWithConflictDetection(doc, expected)
	return saved, err
}

// UpsertTag creates or replaces a tag definition, assigning an ID when
// missing.
func (s *Store) UpsertTag(def TagDefinition) (TagDefinition, error) {
	if strings.TrimSpace(def.Name) == "" {
		return TagDefinition{}, errors.New("ontology: tag name is required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	_, err := s.Update(func(d *Document) error {
		d.Definitions[def.ID] = def
		return nil
	})
	if err != nil {
		return TagDefinition{}, err
	}
	return def, nil
}

// RemoveTag deletes a definition and the synonyms pointing at it. A
// concurrent writer that still has the tag can bring it back.
func (s *Store) RemoveTag(id string) error {
	_, err := s.Update(func(d *Document) error {
		if _, ok := d.Definitions[id]; !ok {
			return fmt.Errorf("ontology: tag %s: %w", id, apperr.ErrNotFound)
		}
		delete(d.Definitions, id)
		for alias, target := range d.Synonyms {
			if target == id {
				delete(d.Synonyms, alias)
			}
		}
		return nil
	})
	return err
}

// AddSynonym maps alias onto an existing tag.
func (s *Store) AddSynonym(alias, tagID string) error {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return errors.New("ontology: synonym is required")
	}
	_, err := s.Update(func(d *Document) error {
		if _, ok := d.Definitions[tagID]; !ok {
			return fmt.Errorf("ontology: tag %s: %w", tagID, apperr.ErrNotFound)
		}
		d.Synonyms[alias] = tagID
		return nil
	})
	return err
}

// Resolve maps a tag name, ID or synonym to its definition using the
// current document.
func (s *Store) Resolve(name string) (TagDefinition, bool, error) {
	doc, err := s.Load()
	if err != nil {
		return TagDefinition{}, false, err
	}
	def, ok := doc.Resolve(name)
	return def, ok, nil
}
