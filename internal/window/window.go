// Package window tracks the editing windows open on this device and the
// soft-closed ones kept warm for instant restoration.
package window

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/session"
)

// State is the lifecycle stage of a window.
type State string

const (
	StateActive    State = "active"
	StateMinimized State = "minimized"
	StateCached    State = "cached"
)

// ErrInvalidTransition is returned for a lifecycle change the window's
// current state does not allow.
var ErrInvalidTransition = errors.New("invalid window transition")

// Window is one editing window onto a note. Every window owns its session;
// two windows on the same path never share one.
type Window struct {
	ID            string           `json:"id"`
	Path          string           `json:"path"`
	State         State            `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	CachedAt      time.Time        `json:"cached_at,omitzero"`
	Transitioning bool             `json:"transitioning"`
	Session       *session.Session `json:"-"`
}

// Options configures a Manager.
type Options struct {
	MaxCached    int
	MaxCachedAge time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	// OnEvict receives windows dropped from the cache. It runs outside the
	// manager's lock.
	OnEvict func(Window)
}

// Manager owns the window table.
type Manager struct {
	opts Options

	mu      sync.Mutex
	windows map[string]*Window
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxCached <= 0 {
		opts.MaxCached = 10
	}
	if opts.MaxCachedAge <= 0 {
		opts.MaxCachedAge = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, windows: make(map[string]*Window)}
}

// Create opens a new active window on path after evicting stale cached
// windows.
func (m *Manager) Create(path string, sess *session.Session) Window {
	m.Evict()

	w := &Window{
		ID:        uuid.NewString(),
		Path:      path,
		State:     StateActive,
		CreatedAt: m.opts.Now(),
		Session:   sess,
	}
	m.mu.Lock()
	m.windows[w.ID] = w
	m.mu.Unlock()
	return *w
}

// Get returns a snapshot of window id.
func (m *Manager) Get(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, fmt.Errorf("window %s: %w", id, apperr.ErrNotFound)
	}
	return *w, nil
}

// List returns snapshots of every window, oldest first.
func (m *Manager) List() []Window {
	m.mu.Lock()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, *w)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForPath returns every window, cached ones included, whose session views
// path.
func (m *Manager) ForPath(path string) []Window {
	var out []Window
	for _, w := range m.List() {
		if w.Path == path {
			out = append(out, w)
		}
	}
	return out
}

// Minimize hides an active window.
func (m *Manager) Minimize(id string) error {
	return m.transition(id, func(w *Window) bool {
		if w.State != StateActive {
			return false
		}
		w.State = StateMinimized
		return true
	})
}

// Activate shows a minimized or cached window.
func (m *Manager) Activate(id string) error {
	return m.transition(id, func(w *Window) bool {
		w.State = StateActive
		w.CachedAt = time.Time{}
		return true
	})
}

// SoftClose moves an open window into the cache.
func (m *Manager) SoftClose(id string) error {
	now := m.opts.Now()
	return m.transition(id, func(w *Window) bool {
		if w.State == StateCached {
			return false
		}
		w.State = StateCached
		w.CachedAt = now
		return true
	})
}

// Restore reactivates the most recently cached window on path. It performs
// no I/O.
func (m *Manager) Restore(path string) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Window
	for _, w := range m.windows {
		if w.Path != path || w.State != StateCached {
			continue
		}
		if best == nil || w.CachedAt.After(best.CachedAt) {
			best = w
		}
	}
	if best == nil {
		return Window{}, false
	}
	best.State = StateActive
	best.CachedAt = time.Time{}
	return *best, true
}

// Rename repoints window id at a new path, as after a keep-both resolution
// moved its session onto the copy.
func (m *Manager) Rename(id, path string) error {
	return m.transition(id, func(w *Window) bool {
		w.Path = path
		return true
	})
}

// BeginTransition marks a window as mid-animation; eviction skips it until
// EndTransition.
func (m *Manager) BeginTransition(id string) error {
	return m.transition(id, func(w *Window) bool {
		w.Transitioning = true
		return true
	})
}

// EndTransition clears the mid-animation marker.
func (m *Manager) EndTransition(id string) error {
	return m.transition(id, func(w *Window) bool {
		w.Transitioning = false
		return true
	})
}

// Remove drops window id from the table without calling OnEvict. The caller
// owns tearing down its session.
func (m *Manager) Remove(id string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return Window{}, fmt.Errorf("window %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.windows, id)
	return *w, nil
}

// Evict drops cached windows older than the age bound, then the oldest
// cached windows beyond the count bound. Transitioning windows are never
// evicted. Evicted windows are handed to OnEvict and returned.
func (m *Manager) Evict() []Window {
	now := m.opts.Now()

	m.mu.Lock()
	var cached []*Window
	var victims []Window
	for id, w := range m.windows {
		if w.State != StateCached {
			continue
		}
		if !w.Transitioning && now.Sub(w.CachedAt) >= m.opts.MaxCachedAge {
			victims = append(victims, *w)
			delete(m.windows, id)
			continue
		}
		cached = append(cached, w)
	}
	if excess := len(cached) - m.opts.MaxCached; excess > 0 {
		sort.Slice(cached, func(i, j int) bool { return cached[i].CachedAt.Before(cached[j].CachedAt) })
		for _, w := range cached {
			if excess == 0 {
				break
			}
			if w.Transitioning {
				continue
			}
			victims = append(victims, *w)
			delete(m.windows, w.ID)
			excess--
		}
	}
	m.mu.Unlock()

	for _, w := range victims {
		m.opts.Logger.Debug("window: evicted", slog.String("id", w.ID), slog.String("path", w.Path))
		if m.opts.OnEvict != nil {
			m.opts.OnEvict(w)
		}
	}
	return victims
}

// OpenCount is the number of active or minimized windows.
func (m *Manager) OpenCount() int {
	return m.count(func(s State) bool { return s != StateCached })
}

// CachedCount is the number of soft-closed windows.
func (m *Manager) CachedCount() int {
	return m.count(func(s State) bool { return s == StateCached })
}

func (m *Manager) count(match func(State) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.windows {
		if match(w.State) {
			n++
		}
	}
	return n
}

func (m *Manager) transition(id string, apply func(*Window) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return fmt.Errorf("window %s: %w", id, apperr.ErrNotFound)
	}
	from := w.State
	if !apply(w) {
		return fmt.Errorf("window %s from %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}
