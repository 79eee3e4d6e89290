package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/vaultkeep/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(kind, path string) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+path)
	r.mu.Unlock()
}

func (r *recorder) count(want string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == want {
			n++
		}
	}
	return n
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatch(t *testing.T) (string, *recorder) {
	t.Helper()
	vaultDir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	go Watch(ctx, vaultDir, logger, rec.add)
	time.Sleep(100 * time.Millisecond)
	return vaultDir, rec
}

func TestWatch_NewFileReported(t *testing.T) {
	vaultDir, rec := startWatch(t)

	_ = os.WriteFile(filepath.Join(vaultDir, "new.md"), []byte("# New"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("created:new.md") == 1
	}, "expected created:new.md callback")
}

func TestWatch_BurstCoalesced(t *testing.T) {
	vaultDir, rec := startWatch(t)
	p := filepath.Join(vaultDir, "busy.md")
	_ = os.WriteFile(p, []byte("v0"), 0o644)
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("created:busy.md") == 1
	}, "initial create not reported")

	for i := 0; i < 5; i++ {
		_ = os.WriteFile(p, []byte("v"+string(rune('1'+i))), 0o644)
		time.Sleep(10 * time.Millisecond)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("updated:busy.md") >= 1
	}, "update not reported")
	time.Sleep(2 * Coalesce)
	if n := rec.count("updated:busy.md"); n != 1 {
		t.Errorf("updates = %d, want 1 (coalesced); events %v", n, rec.all())
	}
}

func TestWatch_NewDirWatched(t *testing.T) {
	vaultDir, rec := startWatch(t)

	subDir := filepath.Join(vaultDir, "subdir")
	_ = os.MkdirAll(subDir, 0o755)
	time.Sleep(100 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(subDir, "deep.md"), []byte("# Deep"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("created:subdir/deep.md") == 1
	}, "file in new subdir not reported")
}

func TestWatch_DeleteReported(t *testing.T) {
	vaultDir := t.TempDir()
	_ = os.WriteFile(filepath.Join(vaultDir, "del.md"), []byte("# Delete Me"), 0o644)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go Watch(ctx, vaultDir, logger, rec.add)
	time.Sleep(100 * time.Millisecond)

	_ = os.Remove(filepath.Join(vaultDir, "del.md"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("deleted:del.md") == 1
	}, "delete not reported")
}

func TestWatch_AtomicWriteReportsTargetOnly(t *testing.T) {
	vaultDir, rec := startWatch(t)
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Write("atomic.md", []byte("# Atomic")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(".vaultkeep/locks/abc.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(".vaultkeep/annotations/atomic.md.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.count("created:atomic.md") >= 1 && rec.count("created:.vaultkeep/annotations/atomic.md.json") >= 1
	}, "atomic writes not reported")
	time.Sleep(2 * Coalesce)
	for _, e := range rec.all() {
		switch e {
		case "created:atomic.md", "created:.vaultkeep/annotations/atomic.md.json":
		default:
			t.Errorf("unexpected event %q", e)
		}
	}
}

func TestRelevant(t *testing.T) {
	cases := map[string]bool{
		"a.md":                          true,
		"dir/b.md":                      true,
		"image.png":                     false,
		".vaultkeep-tmp-123":            false,
		"dir/.vaultkeep-tmp-9.md":       false,
		".vaultkeep/locks/x.json":       false,
		".vaultkeep/annotations/a.json": true,
		".vaultkeep/ontology.yaml":      true,
	}
	for p, want := range cases {
		if got := Relevant(p); got != want {
			t.Errorf("Relevant(%q) = %v, want %v", p, got, want)
		}
	}
}
