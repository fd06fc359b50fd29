package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer turns projection state into bytes and back.
//
// ID must be stable: it is part of every cache key, so changing it orphans every
// snapshot written with the old value. CalculateProjectionSerial must be
// deterministic for a given serializer version and type.
type Serializer interface {
	ID() string
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	CalculateProjectionSerial(t reflect.Type) (int64, error)
}

// SerializerSupplier returns the serializer for a projection. It is called on every
// key computation, since the serializer's ID is part of the key.
type SerializerSupplier func() Serializer

// Supply returns a supplier that always returns s.
func Supply(s Serializer) SerializerSupplier {
	return func() Serializer { return s }
}

// JSONSerializer stores snapshots as JSON.
type JSONSerializer struct{}

// ID returns "json".
func (JSONSerializer) ID() string { return "json" }

// Serialize encodes v as JSON.
func (JSONSerializer) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Deserialize decodes JSON data into v.
func (JSONSerializer) Deserialize(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CalculateProjectionSerial hashes the shape of t salted with the serializer ID.
func (s JSONSerializer) CalculateProjectionSerial(t reflect.Type) (int64, error) {
	return structuralSerial(s.ID(), t)
}

// MsgpackSerializer stores snapshots as MessagePack.
type MsgpackSerializer struct{}

// ID returns "msgpack".
func (MsgpackSerializer) ID() string { return "msgpack" }

// Serialize encodes v as MessagePack, honouring json struct tags.
func (MsgpackSerializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes MessagePack data into v.
func (MsgpackSerializer) Deserialize(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// CalculateProjectionSerial hashes the shape of t salted with the serializer ID.
func (s MsgpackSerializer) CalculateProjectionSerial(t reflect.Type) (int64, error) {
	return structuralSerial(s.ID(), t)
}

// CompressedSerializer zstd-compresses the output of another serializer.
type CompressedSerializer struct {
	inner Serializer
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Compressed wraps inner with zstd compression. The resulting ID is "zstd+" + inner.ID(),
// so compressed and uncompressed snapshots never share a key.
func Compressed(inner Serializer) (*CompressedSerializer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &CompressedSerializer{inner: inner, enc: enc, dec: dec}, nil
}

// ID returns the wrapped serializer's ID prefixed with "zstd+".
func (s *CompressedSerializer) ID() string { return "zstd+" + s.inner.ID() }

// Serialize compresses the wrapped serializer's output.
func (s *CompressedSerializer) Serialize(v any) ([]byte, error) {
	raw, err := s.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

// Deserialize decompresses data and hands it to the wrapped serializer.
func (s *CompressedSerializer) Deserialize(data []byte, v any) error {
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return s.inner.Deserialize(raw, v)
}

// CalculateProjectionSerial delegates to the wrapped serializer; compression does
// not change the shape of the state.
func (s *CompressedSerializer) CalculateProjectionSerial(t reflect.Type) (int64, error) {
	return s.inner.CalculateProjectionSerial(t)
}

// Compresses reports whether s compresses its output.
func Compresses(s Serializer) bool {
	_, ok := s.(*CompressedSerializer)
	return ok
}

// ByName returns the serializer registered under name ("json" or "msgpack"),
// optionally wrapped with compression.
func ByName(name string, compress bool) (Serializer, error) {
	var s Serializer
	switch name {
	case "", "json":
		s = JSONSerializer{}
	case "msgpack":
		s = MsgpackSerializer{}
	default:
		return nil, fmt.Errorf("unknown serializer %q (expected json or msgpack)", name)
	}
	if !compress {
		return s, nil
	}
	c, err := Compressed(s)
	if err != nil {
		return nil, err
	}
	return c, nil
}
