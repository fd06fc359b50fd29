package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/dyluth/factcask/pkg/lock"
	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FactStore is the contract shared by every fact store backend.
type FactStore interface {
	lock.Store
	Publish(ctx context.Context, facts []fact.Fact) error
	Facts(ctx context.Context, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error)
	FetchByID(ctx context.Context, id uuid.UUID) (*fact.Fact, error)
}

// NewFact builds a fact in ns with a compact JSON payload, failing the test on error.
func NewFact(t *testing.T, ns, typ string, payload any, aggIDs ...uuid.UUID) fact.Fact {
	t.Helper()
	f, err := fact.New(ns, typ, payload, aggIDs...)
	require.NoError(t, err)
	return f
}

func ids(facts []fact.Fact) []uuid.UUID {
	out := make([]uuid.UUID, len(facts))
	for i, f := range facts {
		out[i] = f.ID
	}
	return out
}

// RunStoreSuite runs the backend contract against stores created by newStore.
// Every subtest gets a fresh store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) FactStore) {
	ctx := context.Background()

	t.Run("publish assigns ascending serials", func(t *testing.T) {
		s := newStore(t)
		a, b := NewFact(t, "users", "Created", nil), NewFact(t, "users", "Renamed", map[string]string{"name": "ann"})
		require.NoError(t, s.Publish(ctx, []fact.Fact{a, b}))

		got, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, []uuid.UUID{a.ID, b.ID}, ids(got))
		assert.Equal(t, int64(1), got[0].Serial)
		assert.Equal(t, int64(2), got[1].Serial)
		assert.JSONEq(t, `{}`, string(got[0].Payload))
		assert.JSONEq(t, `{"name":"ann"}`, string(got[1].Payload))
	})

	t.Run("facts filters by criteria and serial", func(t *testing.T) {
		s := newStore(t)
		agg := uuid.New()
		a := NewFact(t, "users", "Created", nil, agg)
		b := NewFact(t, "orders", "Placed", nil)
		c := NewFact(t, "users", "Renamed", nil, agg)
		d := NewFact(t, "users", "Created", nil)
		require.NoError(t, s.Publish(ctx, []fact.Fact{a, b, c, d}))

		byAgg, err := s.Facts(ctx, fact.Criteria{fact.NS("users").WithAggID(agg)}, 0)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID, c.ID}, ids(byAgg))

		after, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 1)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{c.ID, d.ID}, ids(after))

		either, err := s.Facts(ctx, fact.Criteria{fact.NS("orders"), fact.NS("users").WithType("Renamed")}, 0)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{b.ID, c.ID}, ids(either))

		none, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("stored facts do not alias caller memory", func(t *testing.T) {
		s := newStore(t)
		agg := uuid.New()
		f := NewFact(t, "users", "Created", map[string]int{"n": 1}, agg)
		f.Meta = map[string]string{"source": "test"}
		require.NoError(t, s.Publish(ctx, []fact.Fact{f}))

		f.Meta["source"] = "publisher"
		f.AggIDs[0] = uuid.New()

		got, err := s.FetchByID(ctx, f.ID)
		require.NoError(t, err)
		got.Meta["source"] = "reader"
		got.AggIDs[0] = uuid.New()

		listed, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 0)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		listed[0].Meta["source"] = "lister"

		again, err := s.FetchByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "test", again.Meta["source"])
		assert.Equal(t, []uuid.UUID{agg}, again.AggIDs)
	})

	t.Run("fetch by id", func(t *testing.T) {
		s := newStore(t)
		agg := uuid.New()
		f := NewFact(t, "users", "Created", map[string]int{"n": 1}, agg)
		f.Version = 2
		f.Meta = map[string]string{"source": "test"}
		require.NoError(t, s.Publish(ctx, []fact.Fact{f}))

		got, err := s.FetchByID(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, f.ID, got.ID)
		assert.Equal(t, "users", got.NS)
		assert.Equal(t, "Created", got.Type)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, []uuid.UUID{agg}, got.AggIDs)
		assert.Equal(t, "test", got.Meta["source"])
		assert.Equal(t, int64(1), got.Serial)
		assert.JSONEq(t, `{"n":1}`, string(got.Payload))

		_, err = s.FetchByID(ctx, uuid.New())
		assert.ErrorIs(t, err, fact.ErrNotFound)
	})

	t.Run("duplicate ids are rejected without writing", func(t *testing.T) {
		s := newStore(t)
		a := NewFact(t, "users", "Created", nil)
		require.NoError(t, s.Publish(ctx, []fact.Fact{a}))

		b := NewFact(t, "users", "Created", nil)
		err := s.Publish(ctx, []fact.Fact{b, a})
		assert.ErrorIs(t, err, fact.ErrDuplicateFact)

		err = s.Publish(ctx, []fact.Fact{b, b})
		assert.ErrorIs(t, err, fact.ErrDuplicateFact)

		got, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 0)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, ids(got))
	})

	t.Run("invalid facts are rejected", func(t *testing.T) {
		s := newStore(t)
		bad := NewFact(t, "users", "Created", nil)
		bad.NS = ""
		assert.Error(t, s.Publish(ctx, []fact.Fact{bad}))
	})

	t.Run("state for rejects invalid criteria", func(t *testing.T) {
		s := newStore(t)
		_, err := s.StateFor(ctx, nil)
		assert.Error(t, err)
		_, err = s.StateFor(ctx, fact.Criteria{{Type: "Created"}})
		assert.Error(t, err)
	})

	t.Run("publish if unchanged without changes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Publish(ctx, []fact.Fact{NewFact(t, "users", "Created", nil)}))

		token, err := s.StateFor(ctx, fact.Criteria{fact.NS("users")})
		require.NoError(t, err)
		assert.False(t, token.IsZero())

		a, b := NewFact(t, "users", "Renamed", nil), NewFact(t, "users", "Renamed", nil)
		ok, err := s.PublishIfUnchanged(ctx, []fact.Fact{a, b}, token)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].Serial)
		assert.Equal(t, int64(3), got[1].Serial)
	})

	t.Run("matching change is a conflict", func(t *testing.T) {
		s := newStore(t)
		agg := uuid.New()
		criteria := fact.Criteria{fact.NS("users").WithAggID(agg)}
		token, err := s.StateFor(ctx, criteria)
		require.NoError(t, err)

		require.NoError(t, s.Publish(ctx, []fact.Fact{NewFact(t, "users", "Renamed", nil, agg)}))

		ok, err := s.PublishIfUnchanged(ctx, []fact.Fact{NewFact(t, "users", "Renamed", nil, agg)}, token)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Facts(ctx, criteria, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("unrelated change is not a conflict", func(t *testing.T) {
		s := newStore(t)
		agg := uuid.New()
		token, err := s.StateFor(ctx, fact.Criteria{fact.NS("users").WithAggID(agg)})
		require.NoError(t, err)

		require.NoError(t, s.Publish(ctx, []fact.Fact{
			NewFact(t, "users", "Renamed", nil, uuid.New()),
			NewFact(t, "orders", "Placed", nil, agg),
		}))

		ok, err := s.PublishIfUnchanged(ctx, []fact.Fact{NewFact(t, "users", "Renamed", nil, agg)}, token)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalidated and unknown tokens never publish", func(t *testing.T) {
		s := newStore(t)
		token, err := s.StateFor(ctx, fact.Criteria{fact.NS("users")})
		require.NoError(t, err)
		require.NoError(t, s.Invalidate(ctx, token))

		ok, err := s.PublishIfUnchanged(ctx, []fact.Fact{NewFact(t, "users", "Created", nil)}, token)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.PublishIfUnchanged(ctx, []fact.Fact{NewFact(t, "users", "Created", nil)}, fact.StateToken{UUID: uuid.New()})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Facts(ctx, fact.Criteria{fact.NS("users")}, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalidate is idempotent", func(t *testing.T) {
		s := newStore(t)
		token, err := s.StateFor(ctx, fact.Criteria{fact.NS("users")})
		require.NoError(t, err)
		assert.NoError(t, s.Invalidate(ctx, token))
		assert.NoError(t, s.Invalidate(ctx, token))
		assert.NoError(t, s.Invalidate(ctx, fact.StateToken{UUID: uuid.New()}))
	})

	t.Run("duplicate in conditional publish", func(t *testing.T) {
		s := newStore(t)
		a := NewFact(t, "users", "Created", nil)
		require.NoError(t, s.Publish(ctx, []fact.Fact{a}))
		token, err := s.StateFor(ctx, fact.Criteria{fact.NS("users")})
		require.NoError(t, err)

		_, err = s.PublishIfUnchanged(ctx, []fact.Fact{a}, token)
		assert.ErrorIs(t, err, fact.ErrDuplicateFact)
	})

	t.Run("concurrent lock attempts lose no update", func(t *testing.T) {
		RunConcurrentIncrements(t, newStore(t), 8)
	})
}

type counter struct {
	N int `json:"n"`
}

// RunConcurrentIncrements runs workers optimistic-lock attempts against s that each
// read the count of an aggregate's facts and publish the next number. Without lost
// updates the published numbers are exactly 1..workers.
func RunConcurrentIncrements(t *testing.T, s FactStore, workers int) {
	t.Helper()
	ctx := context.Background()
	agg := uuid.New()
	criteria := fact.Criteria{fact.NS("counter").WithAggID(agg)}

	l, err := lock.New(s, criteria, lock.WithRetry(workers*10), lock.WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Attempt(ctx, func(ctx context.Context) (*lock.IntermediatePublishResult, error) {
				current, err := s.Facts(ctx, criteria, 0)
				if err != nil {
					return nil, err
				}
				f, err := fact.New("counter", "Incremented", counter{N: len(current) + 1}, agg)
				if err != nil {
					return nil, err
				}
				return lock.Publish(f), nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Facts(ctx, criteria, 0)
	require.NoError(t, err)
	require.Len(t, got, workers)
	for i, f := range got {
		var c counter
		require.NoError(t, json.Unmarshal(f.Payload, &c))
		assert.Equal(t, i+1, c.N, "fact %d", i)
	}
}

// RunSnapshotCacheSuite runs the snapshot.Cache contract against cache.
func RunSnapshotCacheSuite(t *testing.T, cache snapshot.Cache) {
	ctx := context.Background()

	t.Run("missing snapshot", func(t *testing.T) {
		snap, err := cache.GetSnapshot(ctx, "missing:"+uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("set get and clear", func(t *testing.T) {
		key := "ProjectionSnapshotRepository:users:json:" + uuid.NewString()
		want := snapshot.Snapshot{Key: key, LastFact: uuid.New(), Bytes: []byte{0, 1, 2, 0xff}, Compressed: true}
		require.NoError(t, cache.SetSnapshot(ctx, want))

		got, err := cache.GetSnapshot(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)

		want.Bytes = []byte("second")
		want.Compressed = false
		require.NoError(t, cache.SetSnapshot(ctx, want))
		got, err = cache.GetSnapshot(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)

		require.NoError(t, cache.ClearSnapshot(ctx, key))
		got, err = cache.GetSnapshot(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("clear of missing snapshot", func(t *testing.T) {
		assert.NoError(t, cache.ClearSnapshot(ctx, "missing:"+uuid.NewString()))
	})

	t.Run("works through a repository", func(t *testing.T) {
		repo, err := snapshot.NewProjectionSnapshots(cache, snapshot.WithLogger(hclog.NewNullLogger()))
		require.NoError(t, err)
		p := snapshot.Named("suite.Counter").WithSerial(1)
		lastFact := uuid.New()

		require.NoError(t, repo.Save(ctx, p, snapshot.Supply(snapshot.JSONSerializer{}), counter{N: 4}, lastFact))
		var got counter
		gotLast, found, err := repo.Load(ctx, p, snapshot.Supply(snapshot.JSONSerializer{}), &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, lastFact, gotLast)
		assert.Equal(t, 4, got.N)
	})
}
