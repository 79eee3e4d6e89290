package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/contentcache"
	"github.com/starford/vaultkeep/internal/testutil"
)

var fixedNow = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func openAt(t *testing.T, vault *testutil.MemVault, path string, debounce time.Duration) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := Open(context.Background(), path, vault, contentcache.New(vault, nil), Options{
		Debounce: debounce,
		OnEvent:  rec.add,
		Now:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return s, rec
}

func TestOpen_SetsBaseline(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", map[string]any{"title": "P"}, "A", 100)

	s, _ := openAt(t, vault, "p.md", 0)
	v := s.Snapshot()
	assert.Equal(t, StateClean, v.State)
	assert.Equal(t, int64(100), v.Baseline)
	assert.Equal(t, "A", v.Body)
	assert.Equal(t, "P", v.Frontmatter["title"])
}

func TestOpen_Missing(t *testing.T) {
	vault := testutil.NewMemVault()
	_, err := Open(context.Background(), "nope.md", vault, contentcache.New(vault, nil), Options{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEdit_BeforeLoad(t *testing.T) {
	vault := testutil.NewMemVault()
	s := New("x.md", vault, contentcache.New(vault, nil), Options{})
	require.Error(t, s.Edit(nil, "x"))
	assert.Equal(t, StateLoading, s.State())
}

func TestSave_CleanToDirtyToClean(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, rec := openAt(t, vault, "p.md", 0)

	require.NoError(t, s.Edit(nil, "B"))
	assert.Equal(t, StateDirty, s.State())

	out, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, out)
	assert.Equal(t, StateClean, s.State())
	assert.Equal(t, "B", vault.Body("p.md"))
	assert.Equal(t, vault.Mtime("p.md"), s.Snapshot().Baseline)
	assert.Equal(t, []EventKind{EventSaved}, rec.kinds())

	out, err = s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, 1, vault.WriteCount("p.md"))
}

func TestSave_ExternalChangeRaisesConflict(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, rec := openAt(t, vault, "p.md", 0)

	require.NoError(t, s.Edit(nil, "B"))
	vault.Touch("p.md", 200)

	out, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out)
	assert.Equal(t, 0, vault.WriteCount("p.md"))

	v := s.Snapshot()
	require.Equal(t, StateConflict, v.State)
	require.NotNil(t, v.Conflict)
	assert.Equal(t, int64(200), v.Conflict.ExternalMtime)
	assert.Equal(t, "B", v.Conflict.MyBody)
	assert.Equal(t, fixedNow, v.Conflict.DetectedAt)
	assert.Equal(t, []EventKind{EventConflict}, rec.kinds())

	// Further saves keep refusing until the user resolves.
	out, err = s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out)
	assert.Equal(t, 0, vault.WriteCount("p.md"))
}

func TestSave_TransientFailureKeepsDirty(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, rec := openAt(t, vault, "p.md", 0)
	require.NoError(t, s.Edit(nil, "B"))

	vault.WriteErr = errors.New("EIO")
	_, err := s.Save(context.Background())
	require.ErrorIs(t, err, apperr.ErrTransientIO)
	assert.Equal(t, StateDirty, s.State())
	assert.Equal(t, "B", s.Snapshot().Body)
	assert.Equal(t, []EventKind{EventSaveFailed}, rec.kinds())

	vault.WriteErr = nil
	out, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, out)
}

func TestSave_MissingFileIsRecreated(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 0)
	require.NoError(t, vault.Delete("p.md"))

	require.NoError(t, s.Edit(nil, "B"))
	out, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, out)
	assert.Equal(t, "B", vault.Body("p.md"))
}

func TestExternalChange_CleanReloads(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, rec := openAt(t, vault, "p.md", 0)

	vault.PutNote("p.md", nil, "remote", 200)
	require.NoError(t, s.HandleExternalChange(context.Background()))

	v := s.Snapshot()
	assert.Equal(t, StateClean, v.State)
	assert.Equal(t, "remote", v.Body)
	assert.Equal(t, int64(200), v.Baseline)
	assert.Equal(t, uint64(1), v.Trigger)
	assert.Equal(t, []EventKind{EventReloaded}, rec.kinds())
}

func TestExternalChange_DirtyRaisesConflictAndKeepsBuffer(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 0)

	require.NoError(t, s.Edit(map[string]any{"k": "v"}, "my edit\n"))
	vault.PutNote("p.md", nil, "remote", 200)
	require.NoError(t, s.HandleExternalChange(context.Background()))

	v := s.Snapshot()
	require.Equal(t, StateConflict, v.State)
	assert.Equal(t, "my edit\n", v.Conflict.MyBody)
	assert.Equal(t, "v", v.Conflict.MyFrontmatter["k"])
	assert.Equal(t, "my edit\n", v.Body)
}

func TestExternalChange_DirtyOwnEchoIgnored(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 0)

	require.NoError(t, s.Edit(nil, "B"))
	require.NoError(t, s.HandleExternalChange(context.Background()))
	assert.Equal(t, StateDirty, s.State())
}

func TestReload_CoalescesTriggers(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 0)

	vault.PutNote("p.md", nil, "B", 200)
	s.NotifyChanged()
	s.NotifyChanged()
	require.NoError(t, s.Reload(context.Background()))
	require.NoError(t, s.Reload(context.Background()))
	// One initial load plus one reload.
	assert.Equal(t, 2, vault.ReadCount("p.md"))
}

func TestDebouncedSave_Fires(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 20*time.Millisecond)

	require.NoError(t, s.Edit(nil, "B"))
	require.NoError(t, s.Edit(nil, "BC"))
	assert.True(t, s.SavePending())

	require.Eventually(t, func() bool { return s.State() == StateClean }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "BC", vault.Body("p.md"))
	assert.Equal(t, 1, vault.WriteCount("p.md"))
}

func TestConflict_CancelsPendingSave(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 50*time.Millisecond)

	require.NoError(t, s.Edit(nil, "B"))
	require.True(t, s.SavePending())
	vault.PutNote("p.md", nil, "remote", 200)
	require.NoError(t, s.HandleExternalChange(context.Background()))

	assert.False(t, s.SavePending())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateConflict, s.State())
	assert.Equal(t, "remote", vault.Body("p.md"))
	assert.Equal(t, 0, vault.WriteCount("p.md"))
}

func TestEdit_DuringConflictUpdatesMine(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "A", 100)
	s, _ := openAt(t, vault, "p.md", 10*time.Millisecond)

	require.NoError(t, s.Edit(nil, "B"))
	vault.Touch("p.md", 200)
	_, _ = s.Save(context.Background())

	require.NoError(t, s.Edit(nil, "B2"))
	assert.False(t, s.SavePending())
	assert.Equal(t, "B2", s.Snapshot().Conflict.MyBody)
}

// No silent overwrite: whatever the interleaving of edits, saves and
// external writes, a save never lands when the disk moved past the baseline.
func TestNoSilentOverwrite_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		t.Run(fmt.Sprintf("run%d", run), func(t *testing.T) {
			vault := testutil.NewMemVault()
			vault.PutNote("p.md", nil, "A", 100)
			s, _ := openAt(t, vault, "p.md", 0)

			for step := 0; step < 20; step++ {
				switch rng.Intn(3) {
				case 0:
					_ = s.Edit(nil, fmt.Sprintf("local %d", step))
				case 1:
					external := vault.Mtime("p.md") + 10
					vault.PutNote("p.md", nil, fmt.Sprintf("remote %d", step), external)
				case 2:
					before := s.Snapshot()
					diskBefore := vault.Mtime("p.md")
					writes := vault.WriteCount("p.md")
					out, err := s.Save(context.Background())
					require.NoError(t, err)
					if before.State == StateDirty && diskBefore > before.Baseline {
						assert.Equal(t, OutcomeConflict, out)
						assert.Equal(t, writes, vault.WriteCount("p.md"))
						assert.Equal(t, StateConflict, s.State())
					}
				}
				if s.State() == StateConflict {
					_, err := s.Resolve(context.Background(), ResolutionAcceptExternal)
					require.NoError(t, err)
				}
			}
		})
	}
}
