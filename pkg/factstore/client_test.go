package factstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/factcask/internal/testutil"
	"github.com/dyluth/factcask/pkg/fact"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T, opts ...Option) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	opts = append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.instance)
		assert.Equal(t, DefaultTokenTTL, client.tokenTTL)
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})

	t.Run("rejects negative token TTL", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "x", WithTokenTTL(-time.Second))
		assert.Error(t, err)
	})

	t.Run("from URL", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewClientFromURL("redis://"+mr.Addr(), "x")
		require.NoError(t, err)
		defer client.Close()
		assert.NoError(t, client.Ping(context.Background()))

		_, err = NewClientFromURL("not a url", "x")
		assert.Error(t, err)
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) testutil.FactStore {
		client, _ := setupTestClient(t)
		return client
	})
}

func TestSnapshotCache(t *testing.T) {
	client, _ := setupTestClient(t)
	testutil.RunSnapshotCacheSuite(t, client.SnapshotCache(0))
}

func TestSnapshotCache_TTL(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestClient(t)
	cache := client.SnapshotCache(time.Hour)

	require.NoError(t, cache.SetSnapshot(ctx, snapshotWith("k")))
	assert.Equal(t, time.Hour, mr.TTL(SnapshotKey("test-instance", "k")))

	mr.FastForward(2 * time.Hour)
	snap, err := cache.GetSnapshot(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStateFor_WritesExpiringToken(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestClient(t, WithTokenTTL(time.Minute))
	require.NoError(t, client.Publish(ctx, []fact.Fact{testutil.NewFact(t, "users", "Created", nil)}))

	token, err := client.StateFor(ctx, fact.Criteria{fact.NS("users")})
	require.NoError(t, err)

	key := TokenKey("test-instance", token.String())
	assert.True(t, mr.Exists(key))
	assert.Equal(t, "1", mr.HGet(key, "serial"))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	ok, err := client.PublishIfUnchanged(ctx, []fact.Fact{testutil.NewFact(t, "users", "Created", nil)}, token)
	require.NoError(t, err)
	assert.False(t, ok, "expired token must not publish")
}

func TestInvalidate_DeletesToken(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestClient(t)

	token, err := client.StateFor(ctx, fact.Criteria{fact.NS("users")})
	require.NoError(t, err)
	require.NoError(t, client.Invalidate(ctx, token))
	assert.False(t, mr.Exists(TokenKey("test-instance", token.String())))
}

func TestPublish_WritesKeySchema(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestClient(t)
	a, b := testutil.NewFact(t, "users", "Created", nil), testutil.NewFact(t, "users", "Renamed", nil)
	require.NoError(t, client.Publish(ctx, []fact.Fact{a, b}))

	serial, err := mr.Get(SerialKey("test-instance"))
	require.NoError(t, err)
	assert.Equal(t, "2", serial)

	entries, err := mr.List(LogKey("test-instance"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	first, err := JSONToFact(entries[0])
	require.NoError(t, err)
	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, int64(1), first.Serial)

	index, err := mr.Get(FactKey("test-instance", b.ID.String()))
	require.NoError(t, err)
	assert.Equal(t, "2", index)
}

func TestInstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := NewClient(&redis.Options{Addr: mr.Addr()}, "a", WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewClient(&redis.Options{Addr: mr.Addr()}, "b", WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	defer b.Close()

	f := testutil.NewFact(t, "users", "Created", nil)
	require.NoError(t, a.Publish(ctx, []fact.Fact{f}))

	_, err = b.FetchByID(ctx, f.ID)
	assert.True(t, IsNotFound(err))
	got, err := b.Facts(ctx, fact.Criteria{fact.NS("users")}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentClients(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "shared", WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	defer client.Close()

	testutil.RunConcurrentIncrements(t, client, 8)
}

func TestIsNotFound(t *testing.T) {
	client, _ := setupTestClient(t)
	_, err := client.FetchByID(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
}
