package snapshot

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// KeyDelimiter separates the components of a cache key.
const KeyDelimiter = ":"

// KeyEngine computes cache keys for projection snapshots.
//
// Both of its caches are keyed by projection name and serializer ID, filled lazily
// and never invalidated: a resolved serial is stable for the lifetime of the engine.
// Concurrent first use for the same projection may compute the value twice; both
// computations yield the same result.
//
// Every projection must have a non-empty Name and every supplier must be non-nil.
// KeyForType and KeyForAggregate panic otherwise; use CheckProjection to reject
// bad input up front.
type KeyEngine struct {
	prefix string
	logger hclog.Logger

	mu          sync.RWMutex
	serials     map[memoKey]int64  // resolved serial
	serializers map[memoKey]string // "serializerId:serial"

	now func() time.Time
}

type memoKey struct {
	projection string
	serializer string
}

// NewKeyEngine creates a key engine whose keys all start with prefix + KeyDelimiter.
// The prefix is the owning repository's identity, so repositories sharing one cache
// never collide.
func NewKeyEngine(prefix string, logger hclog.Logger) *KeyEngine {
	if logger == nil {
		logger = hclog.L().Named("snapshot")
	}
	return &KeyEngine{
		prefix:      prefix + KeyDelimiter,
		logger:      logger,
		serials:     map[memoKey]int64{},
		serializers: map[memoKey]string{},
		now:         time.Now,
	}
}

// CheckProjection reports whether p and supplier can be used to compute a key.
func CheckProjection(p ProjectionType, supplier SerializerSupplier) error {
	if p.Name == "" {
		return fmt.Errorf("projection name cannot be empty")
	}
	if supplier == nil {
		return fmt.Errorf("serializer supplier for %s cannot be nil", p.Name)
	}
	if supplier() == nil {
		return fmt.Errorf("serializer supplier for %s returned nil", p.Name)
	}
	return nil
}

// KeyForType returns the class-level key of projection p.
func (e *KeyEngine) KeyForType(p ProjectionType, supplier SerializerSupplier) string {
	if err := CheckProjection(p, supplier); err != nil {
		panic("snapshot: " + err.Error())
	}
	return e.prefix + p.Name + KeyDelimiter + e.serializerAndSerial(p, supplier())
}

// KeyForAggregate returns the key of one aggregate instance of projection p. It shares
// everything but its trailing component with KeyForType.
func (e *KeyEngine) KeyForAggregate(p ProjectionType, supplier SerializerSupplier, aggID uuid.UUID) string {
	return e.KeyForType(p, supplier) + KeyDelimiter + aggID.String()
}

// ResolveVersion returns the serial of p under the supplied serializer, resolving it
// on first use. ok is false if no serial could be determined or the input is invalid.
func (e *KeyEngine) ResolveVersion(p ProjectionType, supplier SerializerSupplier) (serial int64, ok bool) {
	if err := CheckProjection(p, supplier); err != nil {
		e.logger.Debug("no serial resolvable", "projection", p.Name, "error", err)
		return 0, false
	}
	return e.resolveVersion(p, supplier())
}

func (e *KeyEngine) resolveVersion(p ProjectionType, serializer Serializer) (int64, bool) {
	mk := memoKey{projection: p.Name, serializer: serializer.ID()}
	e.mu.RLock()
	serial, ok := e.serials[mk]
	e.mu.RUnlock()
	if ok {
		return serial, true
	}

	serial, err := resolveSerial(p, serializer)
	if err != nil {
		e.logger.Debug("no serial resolvable", "projection", p.Name, "serializer", mk.serializer, "error", err)
		return 0, false
	}

	e.mu.Lock()
	if existing, found := e.serials[mk]; found {
		serial = existing
	} else {
		e.serials[mk] = serial
	}
	e.mu.Unlock()
	return serial, true
}

func (e *KeyEngine) serializerAndSerial(p ProjectionType, serializer Serializer) string {
	mk := memoKey{projection: p.Name, serializer: serializer.ID()}
	e.mu.RLock()
	v, ok := e.serializers[mk]
	e.mu.RUnlock()
	if ok {
		return v
	}

	serial, ok := e.resolveVersion(p, serializer)
	if !ok {
		serial = e.now().UnixMilli()
		e.logger.Error("cannot determine serial for projection, falling back to the current time; "+
			"this will flood the snapshot cache with useless snapshots, please declare a serial",
			"projection", p.Name, "serializer", mk.serializer, "fallback", serial)
	}
	v = mk.serializer + KeyDelimiter + strconv.FormatInt(serial, 10)

	e.mu.Lock()
	if existing, found := e.serializers[mk]; found {
		v = existing
	} else {
		e.serializers[mk] = v
	}
	e.mu.Unlock()
	return v
}

// resolveSerial applies the resolution order: declared meta, legacy constant,
// structural hash.
func resolveSerial(p ProjectionType, serializer Serializer) (int64, error) {
	if p.Meta != nil {
		return p.Meta.Serial, nil
	}
	if p.SerialVersionUID != nil {
		return *p.SerialVersionUID, nil
	}
	return serializer.CalculateProjectionSerial(p.Type)
}
