package snapshot

import (
	"context"

	"github.com/google/uuid"
)

// Snapshot is the serialized state of a projection at some point of the fact log.
type Snapshot struct {
	Key        string    `json:"key"`        // Cache key, see KeyEngine
	LastFact   uuid.UUID `json:"last_fact"`  // ID of the last fact folded into the state
	Bytes      []byte    `json:"bytes"`      // Serialized state
	Compressed bool      `json:"compressed"` // Whether Bytes are compressed
}

// Cache is a key/value store of raw snapshots.
// GetSnapshot returns (nil, nil) when no snapshot is stored under key.
type Cache interface {
	GetSnapshot(ctx context.Context, key string) (*Snapshot, error)
	SetSnapshot(ctx context.Context, snap Snapshot) error
	ClearSnapshot(ctx context.Context, key string) error
}
