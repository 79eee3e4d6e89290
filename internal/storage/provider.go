// Package storage defines the vault file-system abstraction. It is the
// timestamp oracle the rest of the core consults: every read, write and
// modification-time query goes through a Provider.
package storage

import "github.com/starford/vaultkeep/internal/models"

// StateDir is the vault-relative directory holding side-files (annotations,
// ontology, lock records). It is skipped by List and by the file watcher.
const StateDir = ".vaultkeep"

// Provider is the interface for vault file operations. All paths are
// relative to the vault root.
type Provider interface {
	// List returns metadata for every .md file under dir.
	List(dir string) ([]models.NoteMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the content of path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// ModTime returns the modification time of path in epoch milliseconds.
	ModTime(path string) (int64, error)
	// Exists reports whether a file is present at path.
	Exists(path string) bool
}
