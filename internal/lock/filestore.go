package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/starford/vaultkeep/internal/checksum"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/storage"
)

// FileStore keeps one JSON record per locked note under the vault's state
// directory, so the third-party sync tool carries lock claims to the other
// devices along with the notes themselves.
type FileStore struct {
	store storage.Provider
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore writing through store.
func NewFileStore(store storage.Provider) *FileStore {
	return &FileStore{store: store}
}

func recordPath(notePath string) string {
	return path.Join(storage.StateDir, "locks", checksum.String(notePath)+".json")
}

func (f *FileStore) read(notePath string) (*models.LockRecord, error) {
	data, err := f.store.Read(recordPath(notePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: read record %s: %w", notePath, err)
	}
	var rec models.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or foreign record is treated as absent.
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) write(rec *models.LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: encode record: %w", err)
	}
	if err := f.store.Write(recordPath(rec.Path), data); err != nil {
		return fmt.Errorf("lock: write record %s: %w", rec.Path, err)
	}
	return nil
}

func (f *FileStore) Acquire(_ context.Context, _, notePath, deviceID string, now time.Time, ttl time.Duration) (*models.LockRecord, error) {
	cur, err := f.read(notePath)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.DeviceID != deviceID && !cur.StaleAt(now, ttl) {
		return cur, nil
	}
	rec := &models.LockRecord{Path: notePath, DeviceID: deviceID, AcquiredAt: now, LastHeartbeatAt: now}
	if cur != nil && cur.DeviceID == deviceID {
		rec.AcquiredAt = cur.AcquiredAt
	}
	if err := f.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (f *FileStore) Heartbeat(_ context.Context, _, notePath, deviceID string, now time.Time) (*models.LockRecord, error) {
	cur, err := f.read(notePath)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.DeviceID != deviceID {
		return nil, nil
	}
	cur.LastHeartbeatAt = now
	if err := f.write(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func (f *FileStore) Release(_ context.Context, _, notePath, deviceID string) error {
	cur, err := f.read(notePath)
	if err != nil {
		return err
	}
	if cur == nil || cur.DeviceID != deviceID {
		return nil
	}
	if err := f.store.Delete(recordPath(notePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: release %s: %w", notePath, err)
	}
	return nil
}

func (f *FileStore) Check(_ context.Context, _, notePath string) (*models.LockRecord, error) {
	return f.read(notePath)
}
