package fact

import (
	"fmt"

	"github.com/google/uuid"
)

// Spec selects facts. NS is required; every other field narrows the match only
// when set.
type Spec struct {
	NS      string            `json:"ns"`
	Type    string            `json:"type,omitempty"`
	Version int               `json:"version,omitempty"`
	AggID   *uuid.UUID        `json:"aggId,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// NS starts a Spec for the given namespace.
func NS(ns string) Spec {
	return Spec{NS: ns}
}

// WithType returns a copy of s restricted to the given fact type.
func (s Spec) WithType(typ string) Spec {
	s.Type = typ
	return s
}

// WithVersion returns a copy of s restricted to the given payload version.
func (s Spec) WithVersion(v int) Spec {
	s.Version = v
	return s
}

// WithAggID returns a copy of s restricted to facts carrying the aggregate ID.
func (s Spec) WithAggID(id uuid.UUID) Spec {
	s.AggID = &id
	return s
}

// WithMeta returns a copy of s additionally requiring the meta entry key=value.
func (s Spec) WithMeta(key, value string) Spec {
	meta := make(map[string]string, len(s.Meta)+1)
	for k, v := range s.Meta {
		meta[k] = v
	}
	meta[key] = value
	s.Meta = meta
	return s
}

// Matches reports whether f satisfies every constraint of s.
func (s Spec) Matches(f Fact) bool {
	if s.NS != f.NS {
		return false
	}
	if s.Type != "" && s.Type != f.Type {
		return false
	}
	if s.Version != 0 && s.Version != f.Version {
		return false
	}
	if s.AggID != nil && !f.HasAggID(*s.AggID) {
		return false
	}
	for k, v := range s.Meta {
		if got, ok := f.Meta[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (s Spec) String() string {
	str := "ns=" + s.NS
	if s.Type != "" {
		str += ",type=" + s.Type
	}
	if s.Version != 0 {
		str += fmt.Sprintf(",version=%d", s.Version)
	}
	if s.AggID != nil {
		str += ",aggId=" + s.AggID.String()
	}
	return str
}

// Criteria is an ordered list of specs. A fact matches if any spec matches it.
type Criteria []Spec

// Matches reports whether any spec in c matches f.
func (c Criteria) Matches(f Fact) bool {
	for _, s := range c {
		if s.Matches(f) {
			return true
		}
	}
	return false
}

// Validate rejects empty criteria and specs without a namespace.
func (c Criteria) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("criteria must contain at least one spec")
	}
	for i, s := range c {
		if s.NS == "" {
			return fmt.Errorf("invalid spec at index %d: namespace cannot be empty", i)
		}
	}
	return nil
}
