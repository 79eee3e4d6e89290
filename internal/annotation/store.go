package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/storage"
)

type sideFile struct {
	Annotations []Annotation `json:"annotations"`
}

// Store reads and writes annotation side-files.
type Store struct {
	store  storage.Provider
	logger *slog.Logger
	mu     sync.Mutex // serializes check-merge-write cycles in this process
}

// NewStore creates a Store writing through store.
func NewStore(store storage.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

// SidePath returns the vault-relative side-file path for a note.
func SidePath(notePath string) string {
	return path.Join(storage.StateDir, "annotations", notePath+".json")
}

// Load returns the annotations stored for notePath and the side-file mtime.
// A missing side-file yields an empty list and mtime 0.
func (s *Store) Load(notePath string) ([]Annotation, int64, error) {
	side := SidePath(notePath)
	mtime, err := s.store.ModTime(side)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, apperr.Transient("annotation: stat "+side, err)
	}
	list, err := s.read(side)
	if err != nil {
		return nil, 0, err
	}
	return list, mtime, nil
}

func (s *Store) read(side string) ([]Annotation, error) {
	data, err := s.store.Read(side)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("annotation: read "+side, err)
	}
	var f sideFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("annotation: decode %s: %w", side, err)
	}
	return f.Annotations, nil
}

// Save writes local for notePath. When the side-file changed since
// knownMtime (and knownMtime is known), the disk copy is merged in first.
// It returns what was actually written and the new side-file mtime.
func (s *Store) Save(notePath string, local []Annotation, knownMtime int64) ([]Annotation, int64, error) {
	merged, _, mtime, err := s.save(notePath, local, knownMtime, nil)
	return merged, mtime, err
}

// SavePruned is Save followed by Prune against body on the merged list, so
// an orphan that another device still had is not written back. It returns
// the written list, everything dropped as orphaned and the new mtime.
func (s *Store) SavePruned(notePath string, local []Annotation, knownMtime int64, body string) ([]Annotation, []Annotation, int64, error) {
	return s.save(notePath, local, knownMtime, &body)
}

func (s *Store) save(notePath string, local []Annotation, knownMtime int64, body *string) ([]Annotation, []Annotation, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	side := SidePath(notePath)
	merged := local
	current, err := s.store.ModTime(side)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, nil, 0, apperr.Transient("annotation: stat "+side, err)
	case knownMtime > 0 && current > knownMtime:
		disk, err := s.read(side)
		if err != nil {
			return nil, nil, 0, err
		}
		merged = Merge(local, disk)
		s.logger.Info("annotation: merged concurrent edit",
			slog.String("path", notePath),
			slog.Int("local", len(local)),
			slog.Int("disk", len(disk)),
			slog.Int("merged", len(merged)))
	}

	var pruned []Annotation
	if body != nil {
		merged, pruned = Prune(merged, *body)
	}
	if merged == nil {
		merged = []Annotation{}
	}
	data, err := json.MarshalIndent(sideFile{Annotations: merged}, "", "  ")
	if err != nil {
		return nil, nil, 0, fmt.Errorf("annotation: encode: %w", err)
	}
	if err := s.store.Write(side, data); err != nil {
		return nil, nil, 0, apperr.Transient("annotation: write "+side, err)
	}
	mtime, err := s.store.ModTime(side)
	if err != nil {
		return nil, nil, 0, apperr.Transient("annotation: stat "+side, err)
	}
	return merged, pruned, mtime, nil
}
