// Package models defines the value types shared across the vault core.
package models

import "time"

// CachedContent is the last-known parsed state of a note file. Frontmatter,
// Body and Mtime always come from the same disk read. Values are immutable
// once stored; refreshes replace them wholesale.
type CachedContent struct {
	Path        string         `json:"path"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Body        string         `json:"body"`
	Title       string         `json:"title,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Checksum    string         `json:"checksum"`
	Mtime       int64          `json:"mtime"` // epoch millis
}

// NoteMetadata is a lightweight representation returned by list operations.
type NoteMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockRecord is an advisory editing claim on a note held by one device.
type LockRecord struct {
	Path            string    `json:"path"`
	DeviceID        string    `json:"device_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// StaleAt reports whether the record's last heartbeat is older than ttl at now.
func (r *LockRecord) StaleAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) > ttl
}
