package factstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache stores snapshots as Redis hashes next to the fact log.
type SnapshotCache struct {
	rdb      *redis.Client
	instance string
	ttl      time.Duration
}

// SnapshotCache returns a snapshot cache sharing the client's connection.
// Snapshots expire after ttl; zero keeps them forever.
func (c *Client) SnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.rdb, instance: c.instance, ttl: ttl}
}

// GetSnapshot returns (nil, nil) if no snapshot is stored under key.
func (s *SnapshotCache) GetSnapshot(ctx context.Context, key string) (*snapshot.Snapshot, error) {
	hash, err := s.rdb.HGetAll(ctx, SnapshotKey(s.instance, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	return HashToSnapshot(key, hash)
}

// SetSnapshot stores snap as a hash and applies the cache TTL.
func (s *SnapshotCache) SetSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key cannot be empty")
	}

	key := SnapshotKey(s.instance, snap.Key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, SnapshotToHash(snap))
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot to Redis: %w", err)
	}
	return nil
}

// ClearSnapshot deletes the snapshot stored under key. Missing keys are ignored.
func (s *SnapshotCache) ClearSnapshot(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, SnapshotKey(s.instance, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
