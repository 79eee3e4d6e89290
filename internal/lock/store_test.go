package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/vaultkeep/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const ttl = 90 * time.Second

func stores(t *testing.T) map[string]Store {
	t.Helper()
	_, fs := testutil.TestVault(t)
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"file":   NewFileStore(fs),
		"memory": NewFileStore(testutil.NewMemVault()),
		"sqlite": db,
	}
}

func TestStore_AcquireFreeAndRenew(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := s.Acquire(ctx, "v", "a.md", "dev-a", t0, ttl)
			require.NoError(t, err)
			assert.Equal(t, "dev-a", rec.DeviceID)
			assert.True(t, rec.AcquiredAt.Equal(t0))

			later := t0.Add(10 * time.Second)
			rec, err = s.Acquire(ctx, "v", "a.md", "dev-a", later, ttl)
			require.NoError(t, err)
			assert.True(t, rec.AcquiredAt.Equal(t0), "re-acquire keeps original acquisition time")
			assert.True(t, rec.LastHeartbeatAt.Equal(later))
		})
	}
}

func TestStore_LiveForeignLockWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Acquire(ctx, "v", "a.md", "dev-a", t0, ttl)
			require.NoError(t, err)

			rec, err := s.Acquire(ctx, "v", "a.md", "dev-b", t0.Add(30*time.Second), ttl)
			require.NoError(t, err)
			assert.Equal(t, "dev-a", rec.DeviceID)

			got, err := s.Check(ctx, "v", "a.md")
			require.NoError(t, err)
			assert.Equal(t, "dev-a", got.DeviceID)
		})
	}
}

func TestStore_StaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Acquire(ctx, "v", "a.md", "dev-a", t0, ttl)
			require.NoError(t, err)

			late := t0.Add(ttl + time.Second)
			rec, err := s.Acquire(ctx, "v", "a.md", "dev-b", late, ttl)
			require.NoError(t, err)
			assert.Equal(t, "dev-b", rec.DeviceID)
			assert.True(t, rec.AcquiredAt.Equal(late))

			hb, err := s.Heartbeat(ctx, "v", "a.md", "dev-a", late)
			require.NoError(t, err)
			assert.Nil(t, hb, "former holder lost the lock")
		})
	}
}

func TestStore_HeartbeatAndRelease(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Acquire(ctx, "v", "a.md", "dev-a", t0, ttl)
			require.NoError(t, err)

			hb, err := s.Heartbeat(ctx, "v", "a.md", "dev-a", t0.Add(time.Minute))
			require.NoError(t, err)
			require.NotNil(t, hb)
			assert.True(t, hb.LastHeartbeatAt.Equal(t0.Add(time.Minute)))

			require.NoError(t, s.Release(ctx, "v", "a.md", "dev-b"))
			got, err := s.Check(ctx, "v", "a.md")
			require.NoError(t, err)
			require.NotNil(t, got, "release by another device is ignored")

			require.NoError(t, s.Release(ctx, "v", "a.md", "dev-a"))
			got, err = s.Check(ctx, "v", "a.md")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestFileStore_TornRecordIsAbsent(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.Put(recordPath("a.md"), []byte("{not json"), 1)
	s := NewFileStore(vault)

	got, err := s.Check(context.Background(), "v", "a.md")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec, err := s.Acquire(context.Background(), "v", "a.md", "dev-a", t0, ttl)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", rec.DeviceID)
}

func TestLoadDeviceID_Persists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "device-id")
	id, err := LoadDeviceID(file)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := LoadDeviceID(file)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
