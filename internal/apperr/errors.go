// Package apperr holds the error taxonomy shared by the vault core.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrNoConflict    = errors.New("no conflict to resolve")
	ErrClosed        = errors.New("session closed")
	ErrTransientIO   = errors.New("transient io failure")
)

// StaleWriteError reports a write that was refused because the file on disk
// changed after the writer's baseline was taken.
type StaleWriteError struct {
	Path      string
	Baseline  int64
	DiskMtime int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for %s: disk mtime %d is newer than baseline %d", e.Path, e.DiskMtime, e.Baseline)
}

func (e *StaleWriteError) Is(target error) bool {
	return target == ErrConflict
}

// Transient wraps err as a TransientIOFailure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}
