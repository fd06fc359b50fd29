package fact

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateFact is returned by stores when a fact ID has already been published.
	ErrDuplicateFact = errors.New("fact with this id already published")

	// ErrNotFound is returned by stores when a fact lookup has no result.
	ErrNotFound = errors.New("fact not found")
)

// Fact is an immutable, append-only event record.
type Fact struct {
	ID      uuid.UUID         `json:"id"`                // Unique identifier, chosen by the publisher
	NS      string            `json:"ns"`                // Namespace, required
	Type    string            `json:"type,omitempty"`    // Domain event type (e.g. "UserCreated")
	Version int               `json:"version,omitempty"` // Payload schema version, 0 = unversioned
	AggIDs  []uuid.UUID       `json:"aggIds,omitempty"`  // Aggregates this fact belongs to
	Meta    map[string]string `json:"meta,omitempty"`    // Free-form header entries
	Payload json.RawMessage   `json:"payload"`           // JSON document
	Serial  int64             `json:"ser,omitempty"`     // Log position, assigned by the store
}

// New builds a fact with a fresh random ID. The payload is marshalled with
// encoding/json; a nil payload becomes an empty object.
func New(ns, typ string, payload any, aggIDs ...uuid.UUID) (Fact, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Fact{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}

	f := Fact{
		ID:      uuid.New(),
		NS:      ns,
		Type:    typ,
		AggIDs:  aggIDs,
		Payload: raw,
	}
	if err := f.Validate(); err != nil {
		return Fact{}, err
	}
	return f, nil
}

// Validate checks if the Fact has valid field values.
// An empty payload is normalised to an empty JSON object.
func (f *Fact) Validate() error {
	if f.ID == uuid.Nil {
		return fmt.Errorf("invalid fact ID: must not be the nil UUID")
	}

	if f.NS == "" {
		return fmt.Errorf("fact namespace cannot be empty")
	}

	if f.Version < 0 {
		return fmt.Errorf("invalid version: must be >= 0, got %d", f.Version)
	}

	for i, id := range f.AggIDs {
		if id == uuid.Nil {
			return fmt.Errorf("invalid aggregate ID at index %d: must not be the nil UUID", i)
		}
	}

	if len(f.Payload) == 0 {
		f.Payload = json.RawMessage("{}")
	} else if !json.Valid(f.Payload) {
		return fmt.Errorf("fact payload is not valid JSON")
	}

	return nil
}

// Clone returns a deep copy of f that shares no slices or maps with it.
func (f Fact) Clone() Fact {
	f.AggIDs = slices.Clone(f.AggIDs)
	f.Meta = maps.Clone(f.Meta)
	f.Payload = slices.Clone(f.Payload)
	return f
}

// HasAggID reports whether id is one of the fact's aggregate IDs.
func (f Fact) HasAggID(id uuid.UUID) bool {
	for _, a := range f.AggIDs {
		if a == id {
			return true
		}
	}
	return false
}

// StateToken is an opaque, store-issued handle for "the facts currently matching
// some criteria". The zero value is not a valid token.
type StateToken struct {
	UUID uuid.UUID
}

// IsZero reports whether t was never issued by a store.
func (t StateToken) IsZero() bool {
	return t.UUID == uuid.Nil
}

// String returns the token's UUID.
func (t StateToken) String() string {
	return t.UUID.String()
}
