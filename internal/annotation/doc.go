package annotation

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/vaultkeep/internal/apperr"
)

// Doc is the in-memory annotation list of one open note together with the
// side-file mtime it was last reconciled against. Every mutation goes
// through Store.Save, so the list always reflects what was persisted.
type Doc struct {
	store *Store
	path  string
	now   func() time.Time

	mu    sync.Mutex
	items []Annotation
	mtime int64
}

// OpenDoc loads the annotations of notePath.
func OpenDoc(store *Store, notePath string) (*Doc, error) {
	items, mtime, err := store.Load(notePath)
	if err != nil {
		return nil, err
	}
	return &Doc{store: store, path: notePath, now: time.Now, items: items, mtime: mtime}, nil
}

// Path returns the note path.
func (d *Doc) Path() string { return d.path }

// Items returns a copy of the current list.
func (d *Doc) Items() []Annotation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Annotation(nil), d.items...)
}

// Mtime returns the side-file mtime the list was last reconciled against.
func (d *Doc) Mtime() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtime
}

// Add appends a, assigning an ID and creation time when missing, and
// persists the list.
func (d *Doc) Add(a Annotation) (Annotation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedTime == "" {
		a.CreatedTime = Stamp(d.now())
	}
	if a.Kind == "" {
		a.Kind = KindComment
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cur := range d.items {
		if cur.ID == a.ID {
			return Annotation{}, fmt.Errorf("annotation: add %s: %w", a.ID, apperr.ErrAlreadyExists)
		}
	}
	return a, d.saveLocked(append(append([]Annotation(nil), d.items...), a))
}

// SetResolved marks annotation id resolved or open.
func (d *Doc) SetResolved(id string, resolved bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := append([]Annotation(nil), d.items...)
	for i := range next {
		if next[i].ID == id {
			next[i].Resolved = resolved
			return d.saveLocked(next)
		}
	}
	return fmt.Errorf("annotation: %s: %w", id, apperr.ErrNotFound)
}

// Reconcile drops annotations whose anchor no longer matches body and
// persists the pruned list through the merge path. Entries merged in from
// disk are checked against body as well. It returns the orphans.
func (d *Doc) Reconcile(body string) ([]Annotation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept, pruned := Prune(d.items, body)
	if len(pruned) == 0 {
		return nil, nil
	}
	written, late, mtime, err := d.store.SavePruned(d.path, kept, d.mtime, body)
	if err != nil {
		return nil, err
	}
	d.items = written
	d.mtime = mtime
	for _, a := range late {
		if !slices.ContainsFunc(pruned, func(p Annotation) bool { return p.ID == a.ID }) {
			pruned = append(pruned, a)
		}
	}
	return pruned, nil
}

// Refresh merges the side-file's current content into the in-memory list,
// used when another device's edit arrives.
func (d *Doc) Refresh() error {
	disk, mtime, err := d.store.Load(d.path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = Merge(d.items, disk)
	d.mtime = mtime
	return nil
}

func (d *Doc) saveLocked(next []Annotation) error {
	merged, mtime, err := d.store.Save(d.path, next, d.mtime)
	if err != nil {
		return err
	}
	d.items = merged
	d.mtime = mtime
	return nil
}
