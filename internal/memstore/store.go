// Package memstore keeps facts, state tokens and snapshots in process memory.
// It implements the same contracts as the Redis and SQLite stores and is used by
// the CLI's memory backend and in tests.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/google/uuid"
)

type tokenState struct {
	serial   int64
	criteria fact.Criteria
}

// Store is an in-memory fact log. It is safe for concurrent use; one mutex
// serialises every write, which makes PublishIfUnchanged trivially atomic.
type Store struct {
	mu     sync.RWMutex
	facts  []fact.Fact // facts[i].Serial == i+1
	byID   map[uuid.UUID]int64
	tokens map[uuid.UUID]tokenState

	snapshots *SnapshotCache
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID:      map[uuid.UUID]int64{},
		tokens:    map[uuid.UUID]tokenState{},
		snapshots: NewSnapshotCache(),
	}
}

// Publish appends facts unconditionally.
func (s *Store) Publish(_ context.Context, facts []fact.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(facts)
}

// StateFor issues a token capturing the current head of the log for criteria.
func (s *Store) StateFor(_ context.Context, criteria fact.Criteria) (fact.StateToken, error) {
	if err := criteria.Validate(); err != nil {
		return fact.StateToken{}, fmt.Errorf("invalid criteria: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	token := fact.StateToken{UUID: uuid.New()}
	s.tokens[token.UUID] = tokenState{
		serial:   int64(len(s.facts)),
		criteria: append(fact.Criteria(nil), criteria...),
	}
	return token, nil
}

// PublishIfUnchanged appends facts if no fact matching the token's criteria was
// appended since the token was issued. An unknown token never publishes.
func (s *Store) PublishIfUnchanged(_ context.Context, facts []fact.Fact, token fact.StateToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tokens[token.UUID]
	if !ok {
		return false, nil
	}
	for _, f := range s.facts[state.serial:] {
		if state.criteria.Matches(f) {
			return false, nil
		}
	}
	if err := s.append(facts); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate releases token. Unknown tokens are ignored.
func (s *Store) Invalidate(_ context.Context, token fact.StateToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token.UUID)
	return nil
}

// Facts returns the facts matching criteria with a serial greater than afterSerial,
// in log order.
func (s *Store) Facts(_ context.Context, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []fact.Fact{}
	if afterSerial < 0 {
		afterSerial = 0
	}
	if afterSerial >= int64(len(s.facts)) {
		return result, nil
	}
	for _, f := range s.facts[afterSerial:] {
		if criteria.Matches(f) {
			result = append(result, f.Clone())
		}
	}
	return result, nil
}

// FetchByID returns the fact with the given ID or fact.ErrNotFound.
func (s *Store) FetchByID(_ context.Context, id uuid.UUID) (*fact.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	serial, ok := s.byID[id]
	if !ok {
		return nil, fact.ErrNotFound
	}
	f := s.facts[serial-1].Clone()
	return &f, nil
}

// Tokens returns the number of issued tokens not yet invalidated.
func (s *Store) Tokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// SnapshotCache returns the store's snapshot cache.
func (s *Store) SnapshotCache() *SnapshotCache {
	return s.snapshots
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close releases nothing; it exists to match the other stores.
func (s *Store) Close() error {
	return nil
}

// append validates all facts before writing any and stores private copies.
// Callers hold s.mu.
func (s *Store) append(facts []fact.Fact) error {
	valid := make([]fact.Fact, len(facts))
	seen := make(map[uuid.UUID]bool, len(facts))
	for i := range facts {
		f := facts[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid fact at index %d: %w", i, err)
		}
		if _, exists := s.byID[f.ID]; exists || seen[f.ID] {
			return fmt.Errorf("fact %s: %w", f.ID, fact.ErrDuplicateFact)
		}
		seen[f.ID] = true
		valid[i] = f.Clone()
	}

	for _, f := range valid {
		f.Serial = int64(len(s.facts)) + 1
		s.facts = append(s.facts, f)
		s.byID[f.ID] = f.Serial
	}
	return nil
}

// SnapshotCache is an in-memory snapshot.Cache.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]snapshot.Snapshot
}

// NewSnapshotCache creates an empty cache not tied to a store.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{entries: map[string]snapshot.Snapshot{}}
}

// GetSnapshot returns a copy of the snapshot stored under key, or (nil, nil).
func (c *SnapshotCache) GetSnapshot(_ context.Context, key string) (*snapshot.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	snap.Bytes = append([]byte(nil), snap.Bytes...)
	return &snap, nil
}

// SetSnapshot stores a copy of snap, replacing any snapshot under the same key.
func (c *SnapshotCache) SetSnapshot(_ context.Context, snap snapshot.Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap.Bytes = append([]byte(nil), snap.Bytes...)
	c.entries[snap.Key] = snap
	return nil
}

// ClearSnapshot removes the snapshot stored under key. Missing keys are ignored.
func (c *SnapshotCache) ClearSnapshot(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
