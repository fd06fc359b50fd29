package factstore

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/google/uuid"
)

// Serialization helpers for converting between Go structs and Redis values.
//
// Facts are stored as one JSON document per log entry. Tokens and snapshots are
// hashes; their structured fields are JSON-encoded into single hash fields.

// FactToJSON encodes a fact, including its serial, as a log entry.
func FactToJSON(f fact.Fact) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fact %s: %w", f.ID, err)
	}
	return string(b), nil
}

// JSONToFact decodes a log entry.
func JSONToFact(entry string) (fact.Fact, error) {
	var f fact.Fact
	if err := json.Unmarshal([]byte(entry), &f); err != nil {
		return fact.Fact{}, fmt.Errorf("failed to unmarshal fact: %w", err)
	}
	return f, nil
}

// TokenToHash converts a token's state to a Redis hash.
func TokenToHash(serial int64, criteria fact.Criteria) (map[string]interface{}, error) {
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal criteria: %w", err)
	}
	return map[string]interface{}{
		"serial":   serial,
		"criteria": string(criteriaJSON),
	}, nil
}

// HashToToken converts a Redis hash back to a token's serial and criteria.
func HashToToken(hash map[string]string) (int64, fact.Criteria, error) {
	serial, err := strconv.ParseInt(hash["serial"], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid serial field: %w", err)
	}
	var criteria fact.Criteria
	if err := json.Unmarshal([]byte(hash["criteria"]), &criteria); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal criteria: %w", err)
	}
	return serial, criteria, nil
}

// SnapshotToHash converts a snapshot to a Redis hash. The key is not stored; it is
// part of the Redis key.
func SnapshotToHash(s snapshot.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"last_fact":  s.LastFact.String(),
		"bytes":      s.Bytes,
		"compressed": strconv.FormatBool(s.Compressed),
	}
}

// HashToSnapshot converts a Redis hash back to the snapshot stored under key.
func HashToSnapshot(key string, hash map[string]string) (*snapshot.Snapshot, error) {
	lastFact, err := uuid.Parse(hash["last_fact"])
	if err != nil {
		return nil, fmt.Errorf("invalid last_fact field: %w", err)
	}
	compressed, err := strconv.ParseBool(hash["compressed"])
	if err != nil {
		return nil, fmt.Errorf("invalid compressed field: %w", err)
	}
	return &snapshot.Snapshot{
		Key:        key,
		LastFact:   lastFact,
		Bytes:      []byte(hash["bytes"]),
		Compressed: compressed,
	}, nil
}
