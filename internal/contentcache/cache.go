// Package contentcache keeps the last-known parsed content of vault notes so
// that opening a document can be served without touching disk.
package contentcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/starford/vaultkeep/internal/apperr"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/parser"
	"github.com/starford/vaultkeep/internal/storage"
)

// maxReadAttempts bounds how often a read is retried when the file's mtime
// moves underneath it.
const maxReadAttempts = 3

// Cache maps a note path to its last-known CachedContent.
//
// Entries never expire; the cache is bounded by the number of notes in the
// vault. Concurrent misses for the same path share one disk read.
type Cache struct {
	store  storage.Provider
	items  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger

	mu  sync.Mutex
	gen map[string]uint64 // bumped by Invalidate/UpdateContent to fence in-flight reads
}

// New creates an empty cache reading through store.
func New(store storage.Provider, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		items:  gocache.New(gocache.NoExpiration, 0),
		logger: logger,
		gen:    make(map[string]uint64),
	}
}

// GetSync returns the cached content for path without any I/O, or nil.
func (c *Cache) GetSync(path string) *models.CachedContent {
	v, ok := c.items.Get(path)
	if !ok {
		return nil
	}
	return v.(*models.CachedContent)
}

// Get returns cached content for path, reading it from disk on a miss.
func (c *Cache) Get(ctx context.Context, path string) (*models.CachedContent, error) {
	if hit := c.GetSync(path); hit != nil {
		return hit, nil
	}
	ch := c.group.DoChan(path, func() (any, error) {
		return c.load(path)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CachedContent), nil
	}
}

// GetFresh is Get for callers outside the watcher's reach: a hit is only
// served while its mtime still matches the file's, otherwise the entry is
// dropped and re-read.
func (c *Cache) GetFresh(ctx context.Context, path string) (*models.CachedContent, error) {
	if hit := c.GetSync(path); hit != nil {
		mtime, err := c.store.ModTime(path)
		switch {
		case err == nil && mtime == hit.Mtime:
			return hit, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return nil, apperr.Transient("contentcache: stat "+path, err)
		}
		c.logger.Debug("contentcache: stale entry", slog.String("path", path), slog.Int64("cached", hit.Mtime), slog.Int64("disk", mtime))
		c.Invalidate(path)
	}
	return c.Get(ctx, path)
}

// Preload populates the cache for path in the background. It is a no-op on
// a hit and joins any read already in flight.
func (c *Cache) Preload(path string) {
	if c.GetSync(path) != nil {
		return
	}
	go func() {
		if _, err := c.Get(context.Background(), path); err != nil {
			c.logger.Debug("contentcache: preload failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()
}

// Invalidate drops the entry for path. A read already in flight will not
// repopulate it.
func (c *Cache) Invalidate(path string) {
	c.fence(path)
	c.items.Delete(path)
}

// UpdateContent stores freshly saved content for path without re-reading
// the file body. When mtime is not positive the current disk mtime is read
// first so the entry never carries a stale timestamp.
func (c *Cache) UpdateContent(path string, fm map[string]any, body string, mtime int64) error {
	if mtime <= 0 {
		m, err := c.store.ModTime(path)
		if err != nil {
			return apperr.Transient("contentcache: update "+path, err)
		}
		mtime = m
	}
	data, err := parser.Render(fm, body)
	if err != nil {
		return err
	}
	content, err := storage.DecodeNote(path, data, mtime)
	if err != nil {
		return err
	}
	c.fence(path)
	c.items.Set(path, content, gocache.NoExpiration)
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

func (c *Cache) fence(path string) {
	c.mu.Lock()
	c.gen[path]++
	c.mu.Unlock()
	c.group.Forget(path)
}

func (c *Cache) generation(path string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[path]
}

func (c *Cache) load(path string) (*models.CachedContent, error) {
	// A flight that started after another one filled the entry.
	if hit := c.GetSync(path); hit != nil {
		return hit, nil
	}
	gen := c.generation(path)
	content, err := ReadConsistent(c.store, path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[path] == gen {
		c.items.Set(path, content, gocache.NoExpiration)
	}
	c.mu.Unlock()

	c.logger.Debug("contentcache: loaded", slog.String("path", path), slog.Int64("mtime", content.Mtime))
	return content, nil
}

// ReadConsistent reads and parses path, taking the mtime before and after the
// read and retrying while they differ, so the returned content and mtime
// describe one disk state.
func ReadConsistent(store storage.Provider, path string) (*models.CachedContent, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		before, err := store.ModTime(path)
		if err != nil {
			return nil, readErr(path, err)
		}
		data, err := store.Read(path)
		if err != nil {
			return nil, readErr(path, err)
		}
		after, err := store.ModTime(path)
		if err != nil {
			return nil, readErr(path, err)
		}
		if before == after {
			return storage.DecodeNote(path, data, after)
		}
	}
	return nil, apperr.Transient("contentcache: read "+path, errors.New("file kept changing during read"))
}

func readErr(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("contentcache: read %s: %w", path, apperr.ErrNotFound)
	}
	return apperr.Transient("contentcache: read "+path, err)
}
