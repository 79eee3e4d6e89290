package session

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/starford/vaultkeep/internal/apperr"
)

// Resolution names one of the three ways out of a conflict.
type Resolution string

const (
	ResolutionAcceptExternal Resolution = "accept_external"
	ResolutionKeepMine       Resolution = "keep_mine"
	ResolutionKeepBoth       Resolution = "keep_both"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAcceptExternal, ResolutionKeepMine, ResolutionKeepBoth:
		return true
	}
	return false
}

// maxCopyAttempts bounds the search for a free conflict-copy name.
const maxCopyAttempts = 100

// Resolve dispatches to the resolution action r. For keep-both it returns
// the path of the copy; otherwise the session's path.
func (s *Session) Resolve(ctx context.Context, r Resolution) (string, error) {
	switch r {
	case ResolutionAcceptExternal:
		return s.Path(), s.AcceptExternal(ctx)
	case ResolutionKeepMine:
		return s.Path(), s.KeepMine(ctx)
	case ResolutionKeepBoth:
		return s.KeepBoth(ctx)
	default:
		return "", fmt.Errorf("session: unknown resolution %q", r)
	}
}

// AcceptExternal discards the local version and reloads the file from disk.
func (s *Session) AcceptExternal(ctx context.Context) error {
	s.io.Lock()
	defer s.io.Unlock()

	p, err := s.conflictPath()
	if err != nil {
		return err
	}
	s.cache.Invalidate(p)
	content, err := s.cache.Get(ctx, p)
	if err != nil {
		return fmt.Errorf("session: accept external %s: %w", p, err)
	}

	s.mu.Lock()
	s.cancelSaveLocked()
	s.frontmatter = content.Frontmatter
	s.body = content.Body
	s.baseline = content.Mtime
	s.conflict = nil
	s.state = StateClean
	s.editSeq++
	s.mu.Unlock()

	s.logger.Info("session: conflict resolved", slog.String("path", p), slog.String("resolution", string(ResolutionAcceptExternal)))
	s.emit(Event{Kind: EventResolved, Path: p, Mtime: content.Mtime, Detail: string(ResolutionAcceptExternal)})
	return nil
}

// KeepMine overwrites the file with the local version. The write is an
// explicit user decision, so the current disk mtime replaces the stale
// baseline; a change landing between that read and the write still
// re-raises the conflict with a StaleWriteError.
func (s *Session) KeepMine(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.io.Lock()
	defer s.io.Unlock()

	p, err := s.conflictPath()
	if err != nil {
		return err
	}
	s.mu.Lock()
	fm, body := s.conflict.MyFrontmatter, s.conflict.MyBody
	s.mu.Unlock()

	disk, err := s.diskMtime(p)
	if err != nil {
		return err
	}
	mtime, stale, err := s.commit(p, fm, body, disk)
	if err != nil {
		return err
	}
	if stale > 0 {
		s.raiseConflict(stale)
		return &apperr.StaleWriteError{Path: p, Baseline: disk, DiskMtime: stale}
	}

	s.mu.Lock()
	s.frontmatter = fm
	s.body = body
	s.baseline = mtime
	s.conflict = nil
	s.state = StateClean
	s.editSeq++
	s.mu.Unlock()

	s.logger.Info("session: conflict resolved", slog.String("path", p), slog.String("resolution", string(ResolutionKeepMine)))
	s.emit(Event{Kind: EventResolved, Path: p, Mtime: mtime, Detail: string(ResolutionKeepMine)})
	return nil
}

// KeepBoth writes the local version to a sibling conflict copy and leaves
// the original untouched. From then on the session represents the copy.
// It returns the copy's path.
func (s *Session) KeepBoth(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.io.Lock()
	defer s.io.Unlock()

	p, err := s.conflictPath()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	fm, body := s.conflict.MyFrontmatter, s.conflict.MyBody
	s.mu.Unlock()

	now := s.opts.Now()
	for n := 1; n <= maxCopyAttempts; n++ {
		copyPath := ConflictCopyPath(p, now, n)
		if s.store.Exists(copyPath) {
			continue
		}
		mtime, stale, err := s.commit(copyPath, fm, body, 0)
		if err != nil {
			return "", err
		}
		if stale > 0 {
			// Someone created this name between Exists and commit.
			continue
		}
		s.cache.Invalidate(p)

		s.mu.Lock()
		s.path = copyPath
		s.frontmatter = fm
		s.body = body
		s.baseline = mtime
		s.conflict = nil
		s.state = StateClean
		s.editSeq++
		s.mu.Unlock()

		s.logger.Info("session: conflict resolved",
			slog.String("path", p),
			slog.String("resolution", string(ResolutionKeepBoth)),
			slog.String("copy", copyPath))
		s.emit(Event{Kind: EventResolved, Path: p, Mtime: mtime, Detail: copyPath})
		return copyPath, nil
	}
	return "", fmt.Errorf("session: keep both %s: no free copy name after %d attempts", p, maxCopyAttempts)
}

// conflictPath returns the session path if a conflict is pending.
func (s *Session) conflictPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return "", apperr.ErrClosed
	}
	if s.state != StateConflict {
		return "", apperr.ErrNoConflict
	}
	return s.path, nil
}

// ConflictCopyPath derives the sibling path for a keep-both copy:
// "dir/name (my changes 2024-01-02).md". n > 1 adds a counter inside the
// parentheses for repeated copies on the same day.
func ConflictCopyPath(p string, t time.Time, n int) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	stamp := t.Format(time.DateOnly)
	if n > 1 {
		stamp += " " + strconv.Itoa(n)
	}
	return dir + name + " (my changes " + stamp + ")" + ext
}
