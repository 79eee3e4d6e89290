package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/vaultkeep/internal/models"
)

const lockSchemaSQL = `
CREATE TABLE IF NOT EXISTS locks (
	vault        TEXT    NOT NULL,
	path         TEXT    NOT NULL,
	device_id    TEXT    NOT NULL,
	acquired_at  INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL,
	PRIMARY KEY (vault, path)
);
`

// SQLiteStore keeps lock records in a SQLite table shared by every process
// that opens the same database file.
type SQLiteStore struct {
	conn *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the lock database and applies the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("lock: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock: ping: %w", err)
	}
	if _, err := conn.Exec(lockSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock: apply schema: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Acquire(ctx context.Context, vault, path, deviceID string, now time.Time, ttl time.Duration) (*models.LockRecord, error) {
	ms := now.UnixMilli()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO locks (vault, path, device_id, acquired_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vault, path) DO UPDATE SET
			acquired_at  = CASE WHEN locks.device_id = excluded.device_id
			                    THEN locks.acquired_at ELSE excluded.acquired_at END,
			device_id    = excluded.device_id,
			heartbeat_at = excluded.heartbeat_at
		WHERE locks.device_id = excluded.device_id OR locks.heartbeat_at < ?
	`, vault, path, deviceID, ms, ms, now.Add(-ttl).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", path, err)
	}
	return s.Check(ctx, vault, path)
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, vault, path, deviceID string, now time.Time) (*models.LockRecord, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE locks SET heartbeat_at = ? WHERE vault = ? AND path = ? AND device_id = ?`,
		now.UnixMilli(), vault, path, deviceID)
	if err != nil {
		return nil, fmt.Errorf("lock: heartbeat %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Check(ctx, vault, path)
}

func (s *SQLiteStore) Release(ctx context.Context, vault, path, deviceID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM locks WHERE vault = ? AND path = ? AND device_id = ?`, vault, path, deviceID)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Check(ctx context.Context, vault, path string) (*models.LockRecord, error) {
	var rec models.LockRecord
	var acquired, heartbeat int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT path, device_id, acquired_at, heartbeat_at FROM locks WHERE vault = ? AND path = ?`,
		vault, path).Scan(&rec.Path, &rec.DeviceID, &acquired, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: check %s: %w", path, err)
	}
	rec.AcquiredAt = time.UnixMilli(acquired)
	rec.LastHeartbeatAt = time.UnixMilli(heartbeat)
	return &rec, nil
}
