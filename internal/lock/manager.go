package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/starford/vaultkeep/internal/models"
)

// Options configures a Manager.
type Options struct {
	Vault             string
	DeviceID          string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	StaleMultiplier   int
	GraceDelay        time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
	// OnStatus is called when the remote holder of a path changes. holder
	// is nil when no other device is editing it anymore.
	OnStatus func(path string, holder *models.LockRecord)
}

// StaleAfter is the heartbeat age past which another device's lock is
// ignored.
func (o Options) StaleAfter() time.Duration {
	return o.HeartbeatInterval * time.Duration(o.StaleMultiplier)
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.StaleMultiplier <= 0 {
		o.StaleMultiplier = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager tracks this device's locks and what it believes about other
// devices' locks. Every store failure is logged and degrades to "no lock";
// editing is never blocked on lock state.
type Manager struct {
	store Store
	opts  Options
	sched gocron.Scheduler
	stop  sync.Once

	mu     sync.Mutex
	refs   map[string]int                // sessions interested in path
	ours   map[string]bool               // whether this device holds path
	remote map[string]*models.LockRecord // live foreign holders
}

// NewManager creates a Manager. Heartbeat and poll jobs only run after Start.
func NewManager(store Store, opts Options) (*Manager, error) {
	opts.defaults()
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:  store,
		opts:   opts,
		sched:  sched,
		refs:   make(map[string]int),
		ours:   make(map[string]bool),
		remote: make(map[string]*models.LockRecord),
	}, nil
}

// Start begins running heartbeat and poll jobs.
func (m *Manager) Start() {
	m.sched.Start()
}

// Shutdown stops all jobs and releases every lock this device holds. Calls
// after the first are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stop.Do(func() {
		err = m.sched.Shutdown()

		m.mu.Lock()
		paths := make([]string, 0, len(m.refs))
		for p := range m.refs {
			paths = append(paths, p)
		}
		m.mu.Unlock()
		for _, p := range paths {
			m.releaseNow(ctx, p)
		}
	})
	return err
}

// DeviceID returns the identity this manager claims locks under.
func (m *Manager) DeviceID() string {
	return m.opts.DeviceID
}

// Acquire registers interest in path and tries to claim it. It reports
// whether this device now holds the lock; false means another device holds
// it or the store was unavailable.
func (m *Manager) Acquire(ctx context.Context, path string) bool {
	m.mu.Lock()
	m.refs[path]++
	first := m.refs[path] == 1
	m.mu.Unlock()

	held := m.claim(ctx, path)
	if first {
		m.schedule(path)
	}
	return held
}

func (m *Manager) claim(ctx context.Context, path string) bool {
	rec, err := m.store.Acquire(ctx, m.opts.Vault, path, m.opts.DeviceID, m.opts.Now(), m.opts.StaleAfter())
	if err != nil {
		m.opts.Logger.Warn("lock: acquire failed", slog.String("path", path), slog.String("error", err.Error()))
		m.setOurs(path, false)
		return false
	}
	held := rec != nil && rec.DeviceID == m.opts.DeviceID
	m.setOurs(path, held)
	if held {
		m.setRemote(path, nil)
	} else {
		m.setRemote(path, rec)
	}
	return held
}

func (m *Manager) schedule(path string) {
	singleton := gocron.WithSingletonMode(gocron.LimitModeReschedule)
	tags := gocron.WithTags(path)
	if _, err := m.sched.NewJob(
		gocron.DurationJob(m.opts.HeartbeatInterval),
		gocron.NewTask(func() { m.Heartbeat(context.Background(), path) }),
		gocron.WithName("heartbeat "+path), tags, singleton,
	); err != nil {
		m.opts.Logger.Warn("lock: schedule heartbeat", slog.String("path", path), slog.String("error", err.Error()))
	}
	if _, err := m.sched.NewJob(
		gocron.DurationJob(m.opts.PollInterval),
		gocron.NewTask(func() { m.poll(path) }),
		gocron.WithName("poll "+path), tags, singleton,
	); err != nil {
		m.opts.Logger.Warn("lock: schedule poll", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Heartbeat renews this device's lock on path, re-acquiring it when it was
// lost. It reports whether the device holds the lock afterwards.
func (m *Manager) Heartbeat(ctx context.Context, path string) bool {
	if !m.tracked(path) {
		return false
	}
	rec, err := m.store.Heartbeat(ctx, m.opts.Vault, path, m.opts.DeviceID, m.opts.Now())
	if err != nil {
		m.opts.Logger.Warn("lock: heartbeat failed", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	if rec == nil {
		return m.claim(ctx, path)
	}
	m.setOurs(path, true)
	return true
}

// Release drops one unit of interest in path. The lock itself is released
// once no session is interested anymore.
func (m *Manager) Release(ctx context.Context, path string) {
	m.mu.Lock()
	n, ok := m.refs[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	if n > 1 {
		m.refs[path] = n - 1
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sched.RemoveByTags(path)
	m.releaseNow(ctx, path)
}

func (m *Manager) releaseNow(ctx context.Context, path string) {
	m.mu.Lock()
	held := m.ours[path]
	delete(m.refs, path)
	delete(m.ours, path)
	delete(m.remote, path)
	m.mu.Unlock()
	if !held {
		return
	}
	if err := m.store.Release(ctx, m.opts.Vault, path, m.opts.DeviceID); err != nil {
		m.opts.Logger.Warn("lock: release failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Check returns the live lock another device holds on path, or nil when the
// note is free, held by this device, or held by a device whose heartbeat
// went stale.
func (m *Manager) Check(ctx context.Context, path string) (*models.LockRecord, error) {
	rec, err := m.store.Check(ctx, m.opts.Vault, path)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.DeviceID == m.opts.DeviceID || rec.StaleAt(m.opts.Now(), m.opts.StaleAfter()) {
		rec = nil
	}
	if m.tracked(path) {
		m.setRemote(path, rec)
	}
	return rec, nil
}

func (m *Manager) poll(path string) {
	if _, err := m.Check(context.Background(), path); err != nil {
		m.opts.Logger.Warn("lock: poll failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Held reports whether this device currently holds the lock on path.
func (m *Manager) Held(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ours[path]
}

// EditedElsewhere reports whether another device was last seen holding a
// live lock on path.
func (m *Manager) EditedElsewhere(path string) bool {
	return m.RemoteHolder(path) != nil
}

// RemoteHolder returns the last-seen foreign lock on path, or nil.
func (m *Manager) RemoteHolder(path string) *models.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.remote[path]; rec != nil {
		cp := *rec
		return &cp
	}
	return nil
}

// GraceDelay returns how long a final save of path should wait so another
// device's pending sync can land first.
func (m *Manager) GraceDelay(path string) time.Duration {
	if m.EditedElsewhere(path) {
		return m.opts.GraceDelay
	}
	return 0
}

func (m *Manager) tracked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[path]
	return ok
}

func (m *Manager) setOurs(path string, held bool) {
	m.mu.Lock()
	if _, ok := m.refs[path]; ok {
		m.ours[path] = held
	}
	m.mu.Unlock()
}

func (m *Manager) setRemote(path string, rec *models.LockRecord) {
	m.mu.Lock()
	if _, ok := m.refs[path]; !ok {
		m.mu.Unlock()
		return
	}
	prev := m.remote[path]
	if rec == nil {
		delete(m.remote, path)
	} else {
		m.remote[path] = rec
	}
	changed := (prev == nil) != (rec == nil) || (prev != nil && rec != nil && prev.DeviceID != rec.DeviceID)
	m.mu.Unlock()

	if changed && m.opts.OnStatus != nil {
		m.opts.OnStatus(path, rec)
	}
}
