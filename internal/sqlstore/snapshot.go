package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/google/uuid"
)

// SnapshotCache stores snapshots in the snapshot table.
type SnapshotCache struct {
	db *sql.DB
}

// SnapshotCache returns a snapshot cache on the store's database.
func (s *Store) SnapshotCache() *SnapshotCache {
	return &SnapshotCache{db: s.db}
}

// GetSnapshot returns (nil, nil) if no snapshot is stored under key.
func (c *SnapshotCache) GetSnapshot(ctx context.Context, key string) (*snapshot.Snapshot, error) {
	var (
		lastFact string
		data     []byte
	)
	snap := snapshot.Snapshot{Key: key}
	err := c.db.QueryRowContext(ctx, `
		SELECT last_fact, bytes, compressed FROM snapshot WHERE key = ?
	`, key).Scan(&lastFact, &data, &snap.Compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	if snap.LastFact, err = uuid.Parse(lastFact); err != nil {
		return nil, fmt.Errorf("invalid last fact of snapshot %s: %w", key, err)
	}
	snap.Bytes = data
	return &snap, nil
}

// SetSnapshot stores snap, replacing any snapshot under the same key.
func (c *SnapshotCache) SetSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key cannot be empty")
	}
	data := snap.Bytes
	if data == nil {
		data = []byte{}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO snapshot (key, last_fact, bytes, compressed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_fact = excluded.last_fact,
			bytes = excluded.bytes,
			compressed = excluded.compressed
	`, snap.Key, snap.LastFact.String(), data, snap.Compressed)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// ClearSnapshot deletes the snapshot stored under key. Missing keys are ignored.
func (c *SnapshotCache) ClearSnapshot(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshot WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}
