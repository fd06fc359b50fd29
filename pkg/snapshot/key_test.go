package snapshot

import (
	"bytes"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSerializer counts how often a serial is calculated.
type countingSerializer struct {
	JSONSerializer
	calls atomic.Int32
	err   error
}

func (s *countingSerializer) CalculateProjectionSerial(t reflect.Type) (int64, error) {
	s.calls.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return s.JSONSerializer.CalculateProjectionSerial(t)
}

func newTestEngine(t *testing.T) (*KeyEngine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	return NewKeyEngine("TestRepository", logger), &buf
}

func TestKeyForType(t *testing.T) {
	t.Run("composes all components", func(t *testing.T) {
		e, _ := newTestEngine(t)
		p := TypeOf[userNames]().WithSerial(42)

		key := e.KeyForType(p, Supply(JSONSerializer{}))
		assert.Equal(t, "TestRepository:github.com/dyluth/factcask/pkg/snapshot.userNames:json:42", key)
	})

	t.Run("is stable within an engine", func(t *testing.T) {
		e, _ := newTestEngine(t)
		p := TypeOf[userNames]()

		assert.Equal(t, e.KeyForType(p, Supply(JSONSerializer{})), e.KeyForType(p, Supply(JSONSerializer{})))
	})

	t.Run("is stable across engines for computed serials", func(t *testing.T) {
		a, _ := newTestEngine(t)
		b, _ := newTestEngine(t)
		p := TypeOf[userNames]()

		assert.Equal(t, a.KeyForType(p, Supply(JSONSerializer{})), b.KeyForType(p, Supply(JSONSerializer{})))
	})

	t.Run("changes when the declared serial is bumped", func(t *testing.T) {
		a, _ := newTestEngine(t)
		b, _ := newTestEngine(t)

		v1 := a.KeyForType(TypeOf[userNames]().WithSerial(1), Supply(JSONSerializer{}))
		v2 := b.KeyForType(TypeOf[userNames]().WithSerial(2), Supply(JSONSerializer{}))
		assert.NotEqual(t, v1, v2)
	})

	t.Run("changes with the serializer", func(t *testing.T) {
		a, _ := newTestEngine(t)
		b, _ := newTestEngine(t)
		p := TypeOf[userNames]().WithSerial(1)

		assert.NotEqual(t, a.KeyForType(p, Supply(JSONSerializer{})), b.KeyForType(p, Supply(MsgpackSerializer{})))
	})

	t.Run("changes with the serializer within one engine", func(t *testing.T) {
		e, _ := newTestEngine(t)
		declared := TypeOf[userNames]().WithSerial(1)

		jsonKey := e.KeyForType(declared, Supply(JSONSerializer{}))
		msgpackKey := e.KeyForType(declared, Supply(MsgpackSerializer{}))
		assert.Equal(t, "TestRepository:github.com/dyluth/factcask/pkg/snapshot.userNames:json:1", jsonKey)
		assert.Equal(t, "TestRepository:github.com/dyluth/factcask/pkg/snapshot.userNames:msgpack:1", msgpackKey)
		assert.Equal(t, jsonKey, e.KeyForType(declared, Supply(JSONSerializer{})))
	})

	t.Run("hashed serial follows the serializer within one engine", func(t *testing.T) {
		e, _ := newTestEngine(t)
		p := TypeOf[userNames]()

		jsonSerial, ok := e.ResolveVersion(p, Supply(JSONSerializer{}))
		require.True(t, ok)
		msgpackSerial, ok := e.ResolveVersion(p, Supply(MsgpackSerializer{}))
		require.True(t, ok)

		expected, err := MsgpackSerializer{}.CalculateProjectionSerial(reflect.TypeOf(userNames{}))
		require.NoError(t, err)
		assert.Equal(t, expected, msgpackSerial)
		assert.NotEqual(t, jsonSerial, msgpackSerial)
		assert.True(t, strings.HasSuffix(e.KeyForType(p, Supply(MsgpackSerializer{})),
			":msgpack:"+strconv.FormatInt(msgpackSerial, 10)))
	})

	t.Run("prefixes keep repositories apart", func(t *testing.T) {
		a := NewKeyEngine("A", hclog.NewNullLogger())
		b := NewKeyEngine("B", hclog.NewNullLogger())
		p := TypeOf[userNames]().WithSerial(1)

		assert.NotEqual(t, a.KeyForType(p, Supply(JSONSerializer{})), b.KeyForType(p, Supply(JSONSerializer{})))
	})
}

func TestKeyForAggregate(t *testing.T) {
	e, _ := newTestEngine(t)
	p := TypeOf[userNames]().WithSerial(7)
	id1, id2 := uuid.New(), uuid.New()

	classKey := e.KeyForType(p, Supply(JSONSerializer{}))
	k1 := e.KeyForAggregate(p, Supply(JSONSerializer{}), id1)
	k2 := e.KeyForAggregate(p, Supply(JSONSerializer{}), id2)

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, classKey+KeyDelimiter+id1.String(), k1)
	assert.True(t, strings.HasPrefix(k2, classKey+KeyDelimiter))
	assert.Equal(t, strings.TrimSuffix(k1, id1.String()), strings.TrimSuffix(k2, id2.String()))
}

func TestKeyEngine_InvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Panics(t, func() { e.KeyForType(TypeOf[userNames](), nil) })
	assert.Panics(t, func() { e.KeyForType(Named(""), Supply(JSONSerializer{})) })
	assert.Panics(t, func() { e.KeyForType(ProjectionType{}.WithSerial(1), Supply(JSONSerializer{})) })
	assert.Panics(t, func() { e.KeyForType(TypeOf[userNames](), func() Serializer { return nil }) })

	_, ok := e.ResolveVersion(TypeOf[userNames]().WithSerial(1), nil)
	assert.False(t, ok)
	_, ok = e.ResolveVersion(Named("").WithSerial(1), Supply(JSONSerializer{}))
	assert.False(t, ok)
}

func TestCheckProjection(t *testing.T) {
	assert.NoError(t, CheckProjection(Named("n"), Supply(JSONSerializer{})))
	assert.Error(t, CheckProjection(Named(""), Supply(JSONSerializer{})))
	assert.Error(t, CheckProjection(Named("n"), nil))
	assert.Error(t, CheckProjection(Named("n"), func() Serializer { return nil }))
}

func TestResolveVersion(t *testing.T) {
	t.Run("declared serial wins", func(t *testing.T) {
		e, _ := newTestEngine(t)
		s := &countingSerializer{}
		p := TypeOf[userNames]().WithSerial(3).WithSerialVersionUID(99)

		serial, ok := e.ResolveVersion(p, Supply(s))
		require.True(t, ok)
		assert.Equal(t, int64(3), serial)
		assert.Equal(t, int32(0), s.calls.Load())
	})

	t.Run("legacy uid is second", func(t *testing.T) {
		e, _ := newTestEngine(t)
		s := &countingSerializer{}
		p := TypeOf[userNames]().WithSerialVersionUID(99)

		serial, ok := e.ResolveVersion(p, Supply(s))
		require.True(t, ok)
		assert.Equal(t, int64(99), serial)
		assert.Equal(t, int32(0), s.calls.Load())
	})

	t.Run("falls back to the structural hash", func(t *testing.T) {
		e, _ := newTestEngine(t)
		s := &countingSerializer{}
		p := TypeOf[userNames]()

		serial, ok := e.ResolveVersion(p, Supply(s))
		require.True(t, ok)
		expected, err := JSONSerializer{}.CalculateProjectionSerial(reflect.TypeOf(userNames{}))
		require.NoError(t, err)
		assert.Equal(t, expected, serial)
	})

	t.Run("is memoized per projection", func(t *testing.T) {
		e, _ := newTestEngine(t)
		s := &countingSerializer{}
		p := TypeOf[userNames]()

		for i := 0; i < 5; i++ {
			e.ResolveVersion(p, Supply(s))
			e.KeyForType(p, Supply(s))
		}
		assert.Equal(t, int32(1), s.calls.Load())
	})

	t.Run("reports failure", func(t *testing.T) {
		e, _ := newTestEngine(t)
		s := &countingSerializer{err: errors.New("unsupported")}

		_, ok := e.ResolveVersion(TypeOf[userNames](), Supply(s))
		assert.False(t, ok)
	})
}

func TestKeyForType_DegradedVersioning(t *testing.T) {
	t.Run("falls back to the clock and logs an error", func(t *testing.T) {
		e, logs := newTestEngine(t)
		e.now = func() time.Time { return time.UnixMilli(1700000000000) }

		key := e.KeyForType(Named("com.example.Unversioned"), Supply(JSONSerializer{}))

		assert.Equal(t, "TestRepository:com.example.Unversioned:json:1700000000000", key)
		assert.Contains(t, logs.String(), "[ERROR]")
		assert.Contains(t, logs.String(), "cannot determine serial")
	})

	t.Run("fallback is frozen within an engine", func(t *testing.T) {
		e, _ := newTestEngine(t)
		tick := int64(0)
		e.now = func() time.Time {
			tick++
			return time.UnixMilli(tick)
		}
		p := TypeOf[withCallback]()

		first := e.KeyForType(p, Supply(JSONSerializer{}))
		second := e.KeyForType(p, Supply(JSONSerializer{}))
		assert.Equal(t, first, second)
	})

	t.Run("fallback differs between engines", func(t *testing.T) {
		a, _ := newTestEngine(t)
		b, _ := newTestEngine(t)
		a.now = func() time.Time { return time.UnixMilli(1) }
		b.now = func() time.Time { return time.UnixMilli(2) }
		p := TypeOf[withCallback]()

		assert.NotEqual(t, a.KeyForType(p, Supply(JSONSerializer{})), b.KeyForType(p, Supply(JSONSerializer{})))
	})
}

func TestKeyEngine_ConcurrentFirstUse(t *testing.T) {
	e, _ := newTestEngine(t)
	p := TypeOf[userNames]()

	var wg sync.WaitGroup
	keys := make([]string, 32)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i] = e.KeyForType(p, Supply(JSONSerializer{}))
		}(i)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
}
