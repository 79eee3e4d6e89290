package contentcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/testutil"
)

func TestGet_MissThenHit(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("a.md", map[string]any{"title": "A"}, "body a", 100)
	c := New(vault, nil)

	require.Nil(t, c.GetSync("a.md"))

	got, err := c.Get(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "body a", got.Body)
	assert.Equal(t, "A", got.Title)
	assert.Equal(t, int64(100), got.Mtime)

	again, err := c.Get(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Same(t, got, again)
	assert.Equal(t, 1, vault.ReadCount("a.md"))
	assert.Same(t, got, c.GetSync("a.md"))
}

func TestGet_NotFound(t *testing.T) {
	c := New(testutil.NewMemVault(), nil)
	_, err := c.Get(context.Background(), "missing.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestGet_TransientFailure(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("a.md", nil, "x", 1)
	vault.ReadErr = errors.New("disk on fire")
	c := New(vault, nil)

	_, err := c.Get(context.Background(), "a.md")
	require.ErrorIs(t, err, apperr.ErrTransientIO)
	assert.Nil(t, c.GetSync("a.md"))
}

func TestInvalidate_ForcesReread(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("a.md", nil, "v1", 100)
	c := New(vault, nil)

	_, err := c.Get(context.Background(), "a.md")
	require.NoError(t, err)

	vault.PutNote("a.md", nil, "v2", 200)
	c.Invalidate("a.md")
	require.Nil(t, c.GetSync("a.md"))

	got, err := c.Get(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)
	assert.Equal(t, int64(200), got.Mtime)
	assert.Equal(t, 2, vault.ReadCount("a.md"))
}

func TestGetFresh_RereadsWhenMtimeMoved(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("a.md", nil, "v1", 100)
	c := New(vault, nil)
	ctx := context.Background()

	first, err := c.GetFresh(ctx, "a.md")
	require.NoError(t, err)
	again, err := c.GetFresh(ctx, "a.md")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, vault.ReadCount("a.md"))

	// Changed on disk with nobody calling Invalidate.
	vault.PutNote("a.md", nil, "v2", 200)
	stale, err := c.Get(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "v1", stale.Body)

	got, err := c.GetFresh(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)
	assert.Equal(t, int64(200), got.Mtime)
	assert.Equal(t, "v2", c.GetSync("a.md").Body)
}

func TestGetFresh_DeletedNote(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("a.md", nil, "v1", 100)
	c := New(vault, nil)
	ctx := context.Background()

	_, err := c.GetFresh(ctx, "a.md")
	require.NoError(t, err)
	require.NoError(t, vault.Delete("a.md"))

	_, err = c.GetFresh(ctx, "a.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Nil(t, c.GetSync("a.md"))
}

func TestPreload_DeduplicatesWithGet(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("p.md", nil, "preloaded", 10)
	c := New(vault, nil)

	c.Preload("p.md")
	got, err := c.Get(context.Background(), "p.md")
	require.NoError(t, err)
	assert.Equal(t, "preloaded", got.Body)

	require.Eventually(t, func() bool { return c.GetSync("p.md") != nil }, time.Second, 5*time.Millisecond)
	c.Preload("p.md")
	assert.Equal(t, 1, vault.ReadCount("p.md"))
}

func TestUpdateContent_ReadsFreshMtime(t *testing.T) {
	vault := testutil.NewMemVault()
	vault.PutNote("u.md", nil, "old", 100)
	c := New(vault, nil)

	vault.Touch("u.md", 150)
	require.NoError(t, c.UpdateContent("u.md", map[string]any{"title": "U"}, "new", 0))

	got := c.GetSync("u.md")
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Body)
	assert.Equal(t, int64(150), got.Mtime)
	assert.Equal(t, "U", got.Title)
	assert.Equal(t, 0, vault.ReadCount("u.md"))
}

func TestUpdateContent_ExplicitMtime(t *testing.T) {
	vault := testutil.NewMemVault()
	c := New(vault, nil)
	require.NoError(t, c.UpdateContent("x.md", nil, "body", 77))
	assert.Equal(t, int64(77), c.GetSync("x.md").Mtime)
}

// shiftingVault moves the mtime of a file during the first read, like a sync
// client landing a write mid-read.
type shiftingVault struct {
	*testutil.MemVault
	shifted bool
}

func (s *shiftingVault) Read(path string) ([]byte, error) {
	data, err := s.MemVault.Read(path)
	if !s.shifted {
		s.shifted = true
		s.MemVault.PutNote(path, nil, "landed", 500)
	}
	return data, err
}

func TestReadConsistent_RetriesWhenMtimeMoves(t *testing.T) {
	vault := &shiftingVault{MemVault: testutil.NewMemVault()}
	vault.PutNote("s.md", nil, "original", 100)

	got, err := ReadConsistent(vault, "s.md")
	require.NoError(t, err)
	assert.Equal(t, "landed", got.Body)
	assert.Equal(t, int64(500), got.Mtime)
	assert.Equal(t, 2, vault.ReadCount("s.md"))
}
