// Package watch turns filesystem notifications under the vault root into
// coalesced per-path change callbacks.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/vaultkeep/internal/storage"
)

// Coalesce is how long the watcher waits for a burst of events to settle
// before reporting the affected paths.
const Coalesce = 200 * time.Millisecond

// Callback receives one coalesced change. kind is one of "created",
// "updated", "deleted"; path is vault-relative with forward slashes.
type Callback func(kind string, path string)

// Watch starts an fsnotify watcher on the vault root and reports changes to
// notes and side-files until ctx is cancelled. New directories created at
// runtime are added to the watch list. Temp files from atomic writes and
// lock records are ignored.
func Watch(ctx context.Context, vaultRoot string, logger *slog.Logger, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	pending := make(map[string]string)
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	record := func(rel, kind string) {
		prev, ok := pending[rel]
		switch {
		case !ok:
			pending[rel] = kind
		case kind == "deleted":
			pending[rel] = kind
		case prev == "deleted":
			// Deleted then recreated, as an atomic replace does.
			pending[rel] = "updated"
		case prev == "created":
		default:
			pending[rel] = kind
		}
		if flushTimer == nil {
			flushTimer = time.NewTimer(Coalesce)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(Coalesce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if flushTimer != nil {
				flushTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-flushCh:
			flush(pending, logger, cb)
			pending = make(map[string]string)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New directories: watch them and report notes already inside.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", absPath))
					}
					walkNewDir(vaultRoot, absPath, func(rel string) { record(rel, "created") })
					continue
				}
			}

			rel, relErr := filepath.Rel(vaultRoot, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !Relevant(rel) {
				continue
			}

			switch {
			case ev.Op&fsnotify.Create != 0:
				record(rel, "created")
			case ev.Op&fsnotify.Write != 0:
				record(rel, "updated")
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Rename fires on the old path only; the new path arrives as
				// its own Create.
				record(rel, "deleted")
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// Relevant reports whether a vault-relative path is worth reporting: notes
// and annotation or ontology side-files, but not temp files or lock records.
func Relevant(rel string) bool {
	if storage.IsTemp(path.Base(rel)) {
		return false
	}
	if strings.HasPrefix(rel, storage.StateDir+"/") {
		if strings.HasPrefix(rel, storage.StateDir+"/locks/") {
			return false
		}
		return strings.HasSuffix(rel, ".json") || strings.HasSuffix(rel, ".yaml")
	}
	return strings.HasSuffix(rel, ".md")
}

func flush(pending map[string]string, logger *slog.Logger, cb Callback) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		logger.Debug("watcher: change", slog.String("path", p), slog.String("op", pending[p]))
		if cb != nil {
			cb(pending[p], p)
		}
	}
}

// walkNewDir reports every relevant file found in a newly created directory.
func walkNewDir(vaultRoot, dirPath string, fn func(rel string)) {
	_ = filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, p)
		if relErr != nil {
			return nil
		}
		if rel = filepath.ToSlash(rel); Relevant(rel) {
			fn(rel)
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
