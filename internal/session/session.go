// Package session implements the per-document editing session: a state
// machine over one open note that tracks local edits against the mtime
// baseline of the last load or save, refuses stale writes, and exposes the
// resolution actions for the resulting conflicts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/contentcache"
	"github.com/starford/vaultkeep/internal/storage"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateLoading State = iota
	StateClean
	StateDirty
	StateConflict
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateConflict:
		return "conflict"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateLoading; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Outcome reports what a save attempt did.
type Outcome int

const (
	// OutcomeNoop means there was nothing to write.
	OutcomeNoop Outcome = iota
	// OutcomeSaved means the buffer was written and the baseline advanced.
	OutcomeSaved
	// OutcomeConflict means the write was refused because the file changed
	// on disk; the session is now in StateConflict.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeConflict:
		return "conflict"
	default:
		return "noop"
	}
}

// Conflict holds the local edits that lost the race against an external
// change. It lives until one of the resolution actions runs.
type Conflict struct {
	MyBody        string         `json:"my_body"`
	MyFrontmatter map[string]any `json:"my_frontmatter,omitempty"`
	ExternalMtime int64          `json:"external_mtime"`
	DetectedAt    time.Time      `json:"detected_at"`
}

// EventKind names a status change worth surfacing to the UI.
type EventKind string

const (
	EventConflict   EventKind = "conflict"
	EventSaved      EventKind = "saved"
	EventReloaded   EventKind = "reloaded"
	EventResolved   EventKind = "resolved"
	EventSaveFailed EventKind = "save_failed"
)

// Event is emitted through Options.OnEvent after a state transition.
type Event struct {
	Kind   EventKind `json:"kind"`
	Path   string    `json:"path"`
	Mtime  int64     `json:"mtime,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Options configures a Session.
type Options struct {
	// Debounce delays automatic saves after an edit. Zero disables them.
	Debounce time.Duration
	Logger   *slog.Logger
	OnEvent  func(Event)
	Now      func() time.Time
}

// View is a point-in-time copy of a session's state.
type View struct {
	Path        string         `json:"path"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Body        string         `json:"body"`
	State       State          `json:"state"`
	Baseline    int64          `json:"mtime_baseline"`
	Conflict    *Conflict      `json:"conflict,omitempty"`
	Trigger     uint64         `json:"reload_trigger"`
}

// Session is one open document.
//
// Two locks guard it: io serialises disk work (save, reload, resolution) so
// an mtime check is always immediately followed by its write, and mu guards
// the in-memory fields. mu is never held across I/O.
type Session struct {
	store  storage.Provider
	cache  *contentcache.Cache
	opts   Options
	logger *slog.Logger

	io sync.Mutex

	mu          sync.Mutex
	path        string
	frontmatter map[string]any
	body        string
	state       State
	baseline    int64
	conflict    *Conflict
	editSeq     uint64
	trigger     uint64
	handled     uint64
	timer       *time.Timer
	timerSeq    uint64
}

// New creates a session for path in StateLoading. Call Load before editing.
func New(path string, store storage.Provider, cache *contentcache.Cache, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: opts.Logger,
		path:   path,
		state:  StateLoading,
	}
}

// Open creates and loads a session in one step.
func Open(ctx context.Context, path string, store storage.Provider, cache *contentcache.Cache, opts Options) (*Session, error) {
	s := New(path, store, cache, opts)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Load fills the session from the content cache (a hit costs no I/O) and
// sets the mtime baseline.
func (s *Session) Load(ctx context.Context) error {
	s.io.Lock()
	defer s.io.Unlock()

	path := s.Path()
	content, err := s.cache.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("session: load %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return apperr.ErrClosed
	}
	s.frontmatter = content.Frontmatter
	s.body = content.Body
	s.baseline = content.Mtime
	s.state = StateClean
	return nil
}

// Path returns the file the session currently represents. It changes when a
// conflict is resolved by keeping both versions.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Path:        s.path,
		Frontmatter: maps.Clone(s.frontmatter),
		Body:        s.body,
		State:       s.state,
		Baseline:    s.baseline,
		Trigger:     s.trigger,
	}
	if s.conflict != nil {
		c := *s.conflict
		c.MyFrontmatter = maps.Clone(c.MyFrontmatter)
		v.Conflict = &c
	}
	return v
}

// Edit replaces the in-memory buffer. In Clean or Dirty it marks the session
// dirty and schedules a debounced save. While a conflict is displayed the
// preserved local version follows the edit but nothing is scheduled.
func (s *Session) Edit(fm map[string]any, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateLoading:
		return fmt.Errorf("session: edit %s: not loaded", s.path)
	case StateClosed:
		return apperr.ErrClosed
	case StateConflict:
		s.frontmatter = fm
		s.body = body
		s.conflict.MyFrontmatter = maps.Clone(fm)
		s.conflict.MyBody = body
		return nil
	}

	s.frontmatter = fm
	s.body = body
	s.editSeq++
	s.state = StateDirty
	s.scheduleSaveLocked()
	return nil
}

// Save writes the buffer if the session is dirty. The disk mtime is read
// right before the write; if it moved past the baseline the write is
// abandoned and the session enters StateConflict (OutcomeConflict, nil).
func (s *Session) Save(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeNoop, err
	}
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateDirty:
	case StateConflict:
		s.mu.Unlock()
		return OutcomeConflict, nil
	case StateClosed:
		s.mu.Unlock()
		return OutcomeNoop, apperr.ErrClosed
	default:
		s.mu.Unlock()
		return OutcomeNoop, nil
	}
	s.cancelSaveLocked()
	path, fm, body, baseline, seq := s.path, s.frontmatter, s.body, s.baseline, s.editSeq
	s.mu.Unlock()

	mtime, stale, err := s.commit(path, fm, body, baseline)
	if err != nil {
		s.logger.Warn("session: save failed", slog.String("path", path), slog.String("error", err.Error()))
		s.mu.Lock()
		if s.state == StateDirty {
			s.scheduleSaveLocked()
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventSaveFailed, Path: path, Detail: err.Error()})
		return OutcomeNoop, err
	}
	if stale > 0 {
		s.raiseConflict(stale)
		return OutcomeConflict, nil
	}

	s.mu.Lock()
	s.baseline = mtime
	if s.state == StateDirty {
		if s.editSeq == seq {
			s.state = StateClean
		} else {
			s.scheduleSaveLocked()
		}
	}
	s.mu.Unlock()

	s.logger.Debug("session: saved", slog.String("path", path), slog.Int64("mtime", mtime))
	s.emit(Event{Kind: EventSaved, Path: path, Mtime: mtime})
	return OutcomeSaved, nil
}

// NotifyChanged bumps the reload trigger and returns its new value. The
// file-watch layer calls it for every external change to the session's path.
func (s *Session) NotifyChanged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger++
	return s.trigger
}

// HandleExternalChange is NotifyChanged followed by Reload.
func (s *Session) HandleExternalChange(ctx context.Context) error {
	s.NotifyChanged()
	return s.Reload(ctx)
}

// Reload reacts to the latest reload trigger. A clean session reloads from
// disk unconditionally; a dirty one enters StateConflict if the disk mtime
// moved past its baseline, keeping the edit buffer verbatim. Triggers that an
// earlier Reload already covered are skipped.
func (s *Session) Reload(ctx context.Context) error {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.Lock()
	target := s.trigger
	if target > 0 && target == s.handled {
		s.mu.Unlock()
		return nil
	}
	s.handled = target
	state, path, baseline := s.state, s.path, s.baseline
	s.mu.Unlock()

	switch state {
	case StateClean:
		s.cache.Invalidate(path)
		content, err := s.cache.Get(ctx, path)
		if err != nil {
			s.logger.Warn("session: reload failed", slog.String("path", path), slog.String("error", err.Error()))
			return fmt.Errorf("session: reload %s: %w", path, err)
		}
		s.mu.Lock()
		switch {
		case s.state == StateClean:
			s.frontmatter = content.Frontmatter
			s.body = content.Body
			s.baseline = content.Mtime
			s.mu.Unlock()
			s.emit(Event{Kind: EventReloaded, Path: path, Mtime: content.Mtime})
		case s.state == StateDirty && content.Mtime > s.baseline:
			// Edited while the read was in flight.
			s.mu.Unlock()
			s.raiseConflict(content.Mtime)
		default:
			s.mu.Unlock()
		}
		return nil

	case StateDirty:
		disk, err := s.diskMtime(path)
		if err != nil {
			return err
		}
		if disk > baseline {
			s.raiseConflict(disk)
		}
		return nil

	case StateConflict:
		disk, err := s.diskMtime(path)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.conflict != nil && disk > s.conflict.ExternalMtime {
			s.conflict.ExternalMtime = disk
		}
		s.mu.Unlock()
		return nil
	}
	return nil
}

// CloseReport describes what closing a session persisted.
type CloseReport struct {
	Saved    bool
	CopyPath string
}

// Close hard-closes the session. Pending edits are flushed; a displayed
// conflict is resolved by keeping both versions so nothing is discarded.
func (s *Session) Close(ctx context.Context) (CloseReport, error) {
	s.mu.Lock()
	s.cancelSaveLocked()
	state := s.state
	s.mu.Unlock()

	var report CloseReport
	var err error
	switch state {
	case StateConflict:
		report.CopyPath, err = s.KeepBoth(ctx)
	case StateDirty:
		var out Outcome
		out, err = s.Save(ctx)
		switch out {
		case OutcomeSaved:
			report.Saved = true
		case OutcomeConflict:
			report.CopyPath, err = s.KeepBoth(ctx)
		}
	}

	s.mu.Lock()
	s.cancelSaveLocked()
	if err == nil || (s.state != StateDirty && s.state != StateConflict) {
		s.state = StateClosed
	}
	s.mu.Unlock()
	return report, err
}

// commit writes fm/body to path unless the disk mtime advanced past
// baseline, in which case it returns the observed mtime as stale and writes
// nothing. On success it returns the post-write mtime and refreshes the
// content cache. Callers hold s.io.
func (s *Session) commit(path string, fm map[string]any, body string, baseline int64) (mtime, stale int64, err error) {
	disk, err := s.diskMtime(path)
	if err != nil {
		return 0, 0, err
	}
	if disk > baseline {
		return 0, disk, nil
	}
	if err := storage.WriteNote(s.store, path, fm, body); err != nil {
		return 0, 0, apperr.Transient("session: write "+path, err)
	}
	mtime, err = s.store.ModTime(path)
	if err != nil {
		return 0, 0, apperr.Transient("session: stat after write "+path, err)
	}
	if err := s.cache.UpdateContent(path, fm, body, mtime); err != nil {
		s.logger.Warn("session: cache update failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	return mtime, 0, nil
}

// diskMtime returns the current mtime of path; a missing file reads as 0.
func (s *Session) diskMtime(path string) (int64, error) {
	m, err := s.store.ModTime(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Transient("session: stat "+path, err)
	}
	return m, nil
}

func (s *Session) raiseConflict(external int64) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.cancelSaveLocked()
	if s.state == StateConflict {
		if external > s.conflict.ExternalMtime {
			s.conflict.ExternalMtime = external
		}
		s.mu.Unlock()
		return
	}
	s.state = StateConflict
	s.conflict = &Conflict{
		MyBody:        s.body,
		MyFrontmatter: maps.Clone(s.frontmatter),
		ExternalMtime: external,
		DetectedAt:    s.opts.Now(),
	}
	path, baseline := s.path, s.baseline
	s.mu.Unlock()

	s.logger.Info("session: external change conflicts with local edits",
		slog.String("path", path),
		slog.Int64("baseline", baseline),
		slog.Int64("disk_mtime", external))
	s.emit(Event{Kind: EventConflict, Path: path, Mtime: external})
}

// scheduleSaveLocked (re)arms the debounce timer. Callers hold s.mu.
func (s *Session) scheduleSaveLocked() {
	if s.opts.Debounce <= 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.opts.Debounce, func() { s.fireSave(seq) })
}

// cancelSaveLocked disarms the debounce timer. A callback that already fired
// sees a stale sequence number and does nothing. Callers hold s.mu.
func (s *Session) cancelSaveLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

// SavePending reports whether a debounced save is armed.
func (s *Session) SavePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Session) fireSave(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || s.state != StateDirty {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if _, err := s.Save(context.Background()); err != nil {
		s.logger.Debug("session: debounced save failed", slog.String("path", s.Path()), slog.String("error", err.Error()))
	}
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}
