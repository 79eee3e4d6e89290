// Package workspace ties the vault core together: it opens editing windows
// onto notes, routes external change signals to every session viewing a
// path, and keeps lock, cache and window state consistent across close,
// restore and conflict resolution.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starford/vaultkeep/internal/annotation"
	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/contentcache"
	"github.com/starford/vaultkeep/internal/lock"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/ontology"
	"github.com/starford/vaultkeep/internal/session"
	"github.com/starford/vaultkeep/internal/storage"
	"github.com/starford/vaultkeep/internal/window"
)

// Event is a status notification for UI clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Options configures a Workspace.
type Options struct {
	SaveDebounce time.Duration
	MaxCached    int
	MaxCachedAge time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
	Publish      func(Event)
}

// WindowView is the externally visible state of one window.
type WindowView struct {
	ID              string             `json:"id"`
	Path            string             `json:"path"`
	State           window.State       `json:"state"`
	CachedAt        time.Time          `json:"cached_at,omitzero"`
	Session         session.View       `json:"session"`
	SavePending     bool               `json:"save_pending"`
	EditedElsewhere bool               `json:"edited_elsewhere"`
	LockHolder      *models.LockRecord `json:"lock_holder,omitempty"`
}

// Status describes one note across cache, lock and windows.
type Status struct {
	Path       string             `json:"path"`
	Exists     bool               `json:"exists"`
	Cached     bool               `json:"cached"`
	Mtime      int64              `json:"mtime,omitempty"`
	HeldByMe   bool               `json:"held_by_me"`
	LockHolder *models.LockRecord `json:"lock_holder,omitempty"`
	Windows    []WindowView       `json:"windows"`
}

// Workspace is the vault core for one device.
type Workspace struct {
	store       storage.Provider
	cache       *contentcache.Cache
	locks       *lock.Manager
	windows     *window.Manager
	annotations *annotation.Store
	ontology    *ontology.Store
	opts        Options
	logger      *slog.Logger

	bg sync.WaitGroup

	mu     sync.Mutex
	held   map[string]string // window id -> locked path
	docs   map[string]*annotation.Doc
	closed bool
}

// New creates a Workspace over store. locks may be shared with other
// components but its lifetime ends with Shutdown.
func New(store storage.Provider, locks *lock.Manager, opts Options) *Workspace {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Workspace{
		store:       store,
		cache:       contentcache.New(store, opts.Logger),
		locks:       locks,
		annotations: annotation.NewStore(store, opts.Logger),
		ontology:    ontology.NewStore(store, opts.Logger),
		opts:        opts,
		logger:      opts.Logger,
		held:        make(map[string]string),
		docs:        make(map[string]*annotation.Doc),
	}
	w.windows = window.NewManager(window.Options{
		MaxCached:    opts.MaxCached,
		MaxCachedAge: opts.MaxCachedAge,
		Now:          opts.Now,
		Logger:       opts.Logger,
		OnEvict:      w.evicted,
	})
	return w
}

// Cache exposes the content cache, mainly for preloading.
func (w *Workspace) Cache() *contentcache.Cache { return w.cache }

// Locks exposes the lock manager.
func (w *Workspace) Locks() *lock.Manager { return w.locks }

// Ontology returns the shared tag vocabulary store.
func (w *Workspace) Ontology() *ontology.Store { return w.ontology }

// Open returns a window onto path. A soft-closed window on path is restored
// without touching disk; otherwise a new session is loaded through the
// content cache and the note's lock is requested.
func (w *Workspace) Open(ctx context.Context, path string) (WindowView, error) {
	if err := w.checkOpen(); err != nil {
		return WindowView{}, err
	}
	if win, ok := w.windows.Restore(path); ok {
		w.logger.Debug("workspace: restored window", slog.String("id", win.ID), slog.String("path", path))
		w.publish("window.restored", map[string]string{"id": win.ID, "path": path})
		return w.view(win), nil
	}

	sess, err := session.Open(ctx, path, w.store, w.cache, session.Options{
		Debounce: w.opts.SaveDebounce,
		Logger:   w.logger,
		Now:      w.opts.Now,
		OnEvent:  w.sessionEvent,
	})
	if err != nil {
		return WindowView{}, err
	}
	if !w.locks.Acquire(ctx, path) {
		w.logger.Info("workspace: note locked elsewhere", slog.String("path", path))
	}

	win := w.windows.Create(path, sess)
	w.mu.Lock()
	w.held[win.ID] = path
	w.mu.Unlock()

	w.logger.Info("workspace: opened window", slog.String("id", win.ID), slog.String("path", path))
	w.publish("window.opened", map[string]string{"id": win.ID, "path": path})
	return w.view(win), nil
}

// Window returns the view of window id.
func (w *Workspace) Window(id string) (WindowView, error) {
	win, err := w.windows.Get(id)
	if err != nil {
		return WindowView{}, err
	}
	return w.view(win), nil
}

// Windows lists every window, cached ones included.
func (w *Workspace) Windows() []WindowView {
	wins := w.windows.List()
	out := make([]WindowView, 0, len(wins))
	for _, win := range wins {
		out = append(out, w.view(win))
	}
	return out
}

// Edit replaces the buffer of window id.
func (w *Workspace) Edit(id string, fm map[string]any, body string) error {
	win, err := w.windows.Get(id)
	if err != nil {
		return err
	}
	return win.Session.Edit(fm, body)
}

// Save saves window id now. Other windows on the same path are told about
// the write so they run their own conflict check.
func (w *Workspace) Save(ctx context.Context, id string) (session.Outcome, error) {
	win, err := w.windows.Get(id)
	if err != nil {
		return session.OutcomeNoop, err
	}
	out, err := win.Session.Save(ctx)
	if err != nil || out != session.OutcomeSaved {
		return out, err
	}
	path := win.Session.Path()
	w.notifyOthers(ctx, id, path)
	return out, nil
}

// Resolve applies r to the conflict shown in window id.
func (w *Workspace) Resolve(ctx context.Context, id string, r session.Resolution) (WindowView, error) {
	if !r.Valid() {
		return WindowView{}, fmt.Errorf("workspace: unknown resolution %q", r)
	}
	win, err := w.windows.Get(id)
	if err != nil {
		return WindowView{}, err
	}
	orig := win.Session.Path()
	target, err := win.Session.Resolve(ctx, r)
	if err != nil {
		return WindowView{}, err
	}
	switch r {
	case session.ResolutionKeepBoth:
		w.movedToCopy(ctx, id, orig, target)
	case session.ResolutionKeepMine:
		w.notifyOthers(ctx, id, orig)
	}
	return w.Window(id)
}

// Minimize hides window id.
func (w *Workspace) Minimize(id string) error {
	return w.windows.Minimize(id)
}

// Activate shows window id again.
func (w *Workspace) Activate(id string) error {
	return w.windows.Activate(id)
}

// Close soft-closes window id. A displayed conflict is settled by keeping
// both versions. Unsaved edits are saved in the background, after the lock
// grace delay when another device is editing the note.
func (w *Workspace) Close(ctx context.Context, id string) error {
	win, err := w.windows.Get(id)
	if err != nil {
		return err
	}
	if err := w.windows.BeginTransition(id); err != nil {
		return err
	}
	if err := w.windows.SoftClose(id); err != nil {
		_ = w.windows.EndTransition(id)
		return err
	}
	w.publish("window.closed", map[string]string{"id": id, "path": win.Path})

	sess := win.Session
	switch sess.State() {
	case session.StateConflict:
		defer w.windows.EndTransition(id)
		orig := sess.Path()
		copyPath, err := sess.KeepBoth(ctx)
		if err != nil {
			return err
		}
		w.movedToCopy(ctx, id, orig, copyPath)
		return nil

	case session.StateDirty:
		grace := w.locks.GraceDelay(win.Path)
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			defer w.windows.EndTransition(id)
			w.flush(id, sess, grace)
		}()
		return nil
	}
	return w.windows.EndTransition(id)
}

func (w *Workspace) flush(id string, sess *session.Session, grace time.Duration) {
	if grace > 0 {
		time.Sleep(grace)
	}
	ctx := context.Background()
	orig := sess.Path()
	out, err := sess.Save(ctx)
	switch {
	case err != nil:
		w.logger.Warn("workspace: background save failed", slog.String("path", orig), slog.String("error", err.Error()))
	case out == session.OutcomeSaved:
		w.notifyOthers(ctx, id, orig)
	case out == session.OutcomeConflict:
		copyPath, err := sess.KeepBoth(ctx)
		if err != nil {
			w.logger.Error("workspace: keep both on close failed", slog.String("path", orig), slog.String("error", err.Error()))
			return
		}
		w.movedToCopy(ctx, id, orig, copyPath)
	}
}

// Destroy hard-closes window id and tears down its session.
func (w *Workspace) Destroy(ctx context.Context, id string) (session.CloseReport, error) {
	win, err := w.windows.Remove(id)
	if err != nil {
		return session.CloseReport{}, err
	}
	return w.teardown(ctx, win)
}

func (w *Workspace) evicted(win window.Window) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if _, err := w.teardown(context.Background(), win); err != nil {
			w.logger.Warn("workspace: evict failed", slog.String("id", win.ID), slog.String("error", err.Error()))
		}
	}()
}

func (w *Workspace) teardown(ctx context.Context, win window.Window) (session.CloseReport, error) {
	orig := win.Session.Path()
	report, err := win.Session.Close(ctx)

	w.mu.Lock()
	locked, ok := w.held[win.ID]
	delete(w.held, win.ID)
	w.mu.Unlock()
	if ok {
		w.locks.Release(ctx, locked)
	}

	if report.Saved || report.CopyPath != "" {
		w.notifyOthers(ctx, win.ID, orig)
	}
	w.publish("window.destroyed", map[string]any{"id": win.ID, "path": orig, "saved": report.Saved, "copy": report.CopyPath})
	return report, err
}

// NotifyChanged reports an external change of a vault file. Note changes
// invalidate the content cache and reach every session on the path;
// annotation side-file changes are merged into the loaded list.
func (w *Workspace) NotifyChanged(ctx context.Context, path string) {
	if note, ok := annotationNote(path); ok {
		w.mu.Lock()
		doc := w.docs[note]
		w.mu.Unlock()
		if doc != nil {
			if err := doc.Refresh(); err != nil {
				w.logger.Warn("workspace: refresh annotations", slog.String("path", note), slog.String("error", err.Error()))
			}
			w.publish("annotations.changed", map[string]string{"path": note})
		}
		return
	}
	if strings.HasPrefix(path, storage.StateDir+"/") {
		return
	}
	w.cache.Invalidate(path)
	w.notifyOthers(ctx, "", path)
}

func annotationNote(path string) (string, bool) {
	prefix := storage.StateDir + "/annotations/"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, ".json") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), ".json"), true
}

// notifyOthers runs the reload protocol on every session viewing path
// except the one in window skip.
func (w *Workspace) notifyOthers(ctx context.Context, skip, path string) {
	for _, win := range w.windows.ForPath(path) {
		if win.ID == skip {
			continue
		}
		if err := win.Session.HandleExternalChange(ctx); err != nil {
			w.logger.Warn("workspace: reload failed",
				slog.String("id", win.ID),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
}

// movedToCopy follows a keep-both resolution: the window now shows the
// copy, its lock moves with it and other windows on the original reload.
func (w *Workspace) movedToCopy(ctx context.Context, id, orig, copyPath string) {
	if err := w.windows.Rename(id, copyPath); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		w.logger.Warn("workspace: rename window", slog.String("id", id), slog.String("error", err.Error()))
	}

	w.mu.Lock()
	locked, ok := w.held[id]
	if ok {
		w.held[id] = copyPath
	}
	w.mu.Unlock()
	if ok {
		w.locks.Release(ctx, locked)
		w.locks.Acquire(ctx, copyPath)
	}

	w.notifyOthers(ctx, id, orig)
	w.publish("window.moved", map[string]string{"id": id, "from": orig, "to": copyPath})
}

// Status reports cache, lock and window state for path.
func (w *Workspace) Status(ctx context.Context, path string) (Status, error) {
	st := Status{Path: path, Exists: w.store.Exists(path), HeldByMe: w.locks.Held(path)}
	if c := w.cache.GetSync(path); c != nil {
		st.Cached = true
		st.Mtime = c.Mtime
	}
	holder, err := w.locks.Check(ctx, path)
	if err != nil {
		w.logger.Warn("workspace: lock check failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	st.LockHolder = holder
	for _, win := range w.windows.ForPath(path) {
		st.Windows = append(st.Windows, w.view(win))
	}
	return st, nil
}

// Annotations returns the annotation list of path, loading it on first use.
func (w *Workspace) Annotations(path string) (*annotation.Doc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if doc, ok := w.docs[path]; ok {
		return doc, nil
	}
	doc, err := annotation.OpenDoc(w.annotations, path)
	if err != nil {
		return nil, err
	}
	w.docs[path] = doc
	return doc, nil
}

// OpenCount is the number of visible or minimized windows.
func (w *Workspace) OpenCount() int { return w.windows.OpenCount() }

// Shutdown waits for background saves, hard-closes every window and
// releases all locks.
func (w *Workspace) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, win := range w.windows.List() {
		if _, err := w.Destroy(ctx, win.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.locks.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *Workspace) checkOpen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return apperr.ErrClosed
	}
	return nil
}

func (w *Workspace) view(win window.Window) WindowView {
	v := WindowView{
		ID:       win.ID,
		Path:     win.Path,
		State:    win.State,
		CachedAt: win.CachedAt,
	}
	if win.Session != nil {
		v.Session = win.Session.Snapshot()
		v.SavePending = win.Session.SavePending()
	}
	if holder := w.locks.RemoteHolder(win.Path); holder != nil {
		v.EditedElsewhere = true
		v.LockHolder = holder
	}
	return v
}

// sessionEvent fans a session transition out to UI clients. Every path
// that changes the body on disk or in a session (explicit or debounced
// save, reload, resolution) prunes the note's orphaned annotations.
func (w *Workspace) sessionEvent(ev session.Event) {
	w.publish("session."+string(ev.Kind), ev)
	switch ev.Kind {
	case session.EventSaved, session.EventReloaded, session.EventResolved:
		w.reconcileAnnotations(ev.Path)
	}
}

func (w *Workspace) reconcileAnnotations(path string) {
	w.mu.Lock()
	doc := w.docs[path]
	w.mu.Unlock()
	if doc == nil {
		if !w.store.Exists(annotation.SidePath(path)) {
			return
		}
		var err error
		if doc, err = w.Annotations(path); err != nil {
			w.logger.Warn("workspace: load annotations", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
	}
	content, err := w.cache.Get(context.Background(), path)
	if err != nil {
		w.logger.Warn("workspace: read for annotations", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	pruned, err := doc.Reconcile(content.Body)
	if err != nil {
		w.logger.Warn("workspace: prune annotations", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if len(pruned) > 0 {
		w.logger.Info("workspace: pruned orphaned annotations", slog.String("path", path), slog.Int("count", len(pruned)))
		w.publish("annotations.changed", map[string]string{"path": path})
	}
}

func (w *Workspace) publish(kind string, data any) {
	if w.opts.Publish != nil {
		w.opts.Publish(Event{Type: kind, Data: data})
	}
}
