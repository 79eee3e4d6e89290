package testutil

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/vaultkeep/internal/checksum"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/parser"
	"github.com/starford/vaultkeep/internal/storage"
)

var _ storage.Provider = (*MemVault)(nil)

type memFile struct {
	data  []byte
	mtime int64
}

// MemVault is an in-memory storage.Provider with a logical clock: every
// write stamps the file with an mtime strictly greater than any mtime seen
// so far. Tests play the external sync client through Put and Touch.
type MemVault struct {
	mu     sync.Mutex
	files  map[string]memFile
	clock  int64
	reads  map[string]int
	writes map[string]int

	// Injected failures, returned when non-nil.
	ReadErr  error
	WriteErr error
	StatErr  error
}

// NewMemVault returns an empty vault.
func NewMemVault() *MemVault {
	return &MemVault{
		files:  make(map[string]memFile),
		reads:  make(map[string]int),
		writes: make(map[string]int),
	}
}

func (v *MemVault) tick(at int64) int64 {
	if at <= v.clock {
		at = v.clock + 1
	}
	v.clock = at
	return at
}

// Put stores data at path with an explicit mtime, as an external writer would.
func (v *MemVault) Put(path string, data []byte, mtime int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if mtime > v.clock {
		v.clock = mtime
	}
	v.files[path] = memFile{data: append([]byte(nil), data...), mtime: mtime}
}

// PutNote renders and stores a note with an explicit mtime.
func (v *MemVault) PutNote(path string, fm map[string]any, body string, mtime int64) {
	data, err := parser.Render(fm, body)
	if err != nil {
		panic(err)
	}
	v.Put(path, data, mtime)
}

// Touch changes the mtime of path without altering its content.
func (v *MemVault) Touch(path string, mtime int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f := v.files[path]
	f.mtime = mtime
	if mtime > v.clock {
		v.clock = mtime
	}
	v.files[path] = f
}

// Content returns the raw content of path, or "" when absent.
func (v *MemVault) Content(path string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return string(v.files[path].data)
}

// Body returns the parsed body of the note at path.
func (v *MemVault) Body(path string) string {
	res, _ := parser.Parse([]byte(v.Content(path)))
	return res.Body
}

// Mtime returns the mtime of path, or 0 when absent.
func (v *MemVault) Mtime(path string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.files[path].mtime
}

// ReadCount returns how many times Read was called for path.
func (v *MemVault) ReadCount(path string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reads[path]
}

// WriteCount returns how many times Write succeeded for path.
func (v *MemVault) WriteCount(path string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes[path]
}

// Paths returns every stored path, sorted.
func (v *MemVault) Paths() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.files))
	for p := range v.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (v *MemVault) List(dir string) ([]models.NoteMetadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.NoteMetadata
	for p, f := range v.files {
		if !strings.HasPrefix(p, dir) || !strings.HasSuffix(p, ".md") || strings.HasPrefix(p, storage.StateDir+"/") {
			continue
		}
		out = append(out, models.NoteMetadata{Path: p, Checksum: checksum.Sum(f.data), UpdatedAt: time.UnixMilli(f.mtime)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (v *MemVault) Read(path string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reads[path]++
	if v.ReadErr != nil {
		return nil, v.ReadErr
	}
	f, ok := v.files[path]
	if !ok {
		return nil, fmt.Errorf("memvault: read %s: %w", path, os.ErrNotExist)
	}
	return append([]byte(nil), f.data...), nil
}

func (v *MemVault) Write(path string, content []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.WriteErr != nil {
		return v.WriteErr
	}
	v.files[path] = memFile{data: append([]byte(nil), content...), mtime: v.tick(0)}
	v.writes[path]++
	return nil
}

func (v *MemVault) Delete(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.files[path]; !ok {
		return fmt.Errorf("memvault: delete %s: %w", path, os.ErrNotExist)
	}
	delete(v.files, path)
	return nil
}

func (v *MemVault) Move(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[oldPath]
	if !ok {
		return fmt.Errorf("memvault: move %s: %w", oldPath, os.ErrNotExist)
	}
	delete(v.files, oldPath)
	v.files[newPath] = f
	return nil
}

func (v *MemVault) ModTime(path string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.StatErr != nil {
		return 0, v.StatErr
	}
	f, ok := v.files[path]
	if !ok {
		return 0, fmt.Errorf("memvault: stat %s: %w", path, os.ErrNotExist)
	}
	return f.mtime, nil
}

func (v *MemVault) Exists(path string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.files[path]
	return ok
}
