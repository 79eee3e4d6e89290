// Package lock coordinates advisory per-note editing locks across devices.
// Locks never block editing; they only tell a session that another device
// is working on the same note so saves can give that device's sync client
// time to land its write.
package lock

import (
	"context"
	"time"

	"github.com/starford/vaultkeep/internal/models"
)

// Store persists lock records keyed by (vault, path).
type Store interface {
	// Acquire claims path for deviceID unless another device holds a record
	// whose heartbeat is younger than ttl. It returns the record in force
	// afterwards, which belongs to another device when the claim failed.
	Acquire(ctx context.Context, vault, path, deviceID string, now time.Time, ttl time.Duration) (*models.LockRecord, error)
	// Heartbeat renews deviceID's record. It returns nil when the device no
	// longer holds the lock.
	Heartbeat(ctx context.Context, vault, path, deviceID string, now time.Time) (*models.LockRecord, error)
	// Release drops deviceID's record if it still holds it.
	Release(ctx context.Context, vault, path, deviceID string) error
	// Check returns the current record for path, or nil.
	Check(ctx context.Context, vault, path string) (*models.LockRecord, error)
}
