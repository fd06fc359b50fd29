package lock

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStore answers PublishIfUnchanged from a fixed script of results and
// records every call.
type scriptedStore struct {
	mu sync.Mutex

	script        []bool // results for successive PublishIfUnchanged calls; true once exhausted
	stateErr      error
	publishErr    error
	invalidateErr error

	issued      []fact.StateToken
	invalidated []fact.StateToken
	publishes   [][]fact.Fact
	tokensSeen  []fact.StateToken
}

func (s *scriptedStore) StateFor(_ context.Context, _ fact.Criteria) (fact.StateToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return fact.StateToken{}, s.stateErr
	}
	// every token issued before this one must already be released
	if len(s.invalidated) != len(s.issued) {
		panic("token acquired before previous token was invalidated")
	}
	t := fact.StateToken{UUID: uuid.New()}
	s.issued = append(s.issued, t)
	return t, nil
}

func (s *scriptedStore) PublishIfUnchanged(_ context.Context, facts []fact.Fact, token fact.StateToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes = append(s.publishes, facts)
	s.tokensSeen = append(s.tokensSeen, token)
	if s.publishErr != nil {
		return false, s.publishErr
	}
	if len(s.script) == 0 {
		return true, nil
	}
	ok := s.script[0]
	s.script = s.script[1:]
	return ok, nil
}

func (s *scriptedStore) Invalidate(_ context.Context, token fact.StateToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, token)
	return s.invalidateErr
}

func conflicts(n int) []bool {
	script := make([]bool, n)
	return script
}

func testCriteria() fact.Criteria {
	return fact.Criteria{fact.NS("test").WithAggID(uuid.New())}
}

func testFact(t *testing.T) fact.Fact {
	t.Helper()
	f, err := fact.New("test", "TestHappened", map[string]int{"n": 1})
	require.NoError(t, err)
	return f
}

func newTestLock(t *testing.T, store Store, opts ...Option) (*WithOptimisticLock, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	l, err := New(store, testCriteria(), append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return l, &buf
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		l, err := New(&scriptedStore{}, testCriteria())
		require.NoError(t, err)
		assert.Equal(t, 10, l.Retry())
		assert.Equal(t, time.Duration(0), l.Interval())
	})

	t.Run("applies options", func(t *testing.T) {
		l, err := New(&scriptedStore{}, testCriteria(), WithRetry(3), WithInterval(time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 3, l.Retry())
		assert.Equal(t, time.Millisecond, l.Interval())
	})

	t.Run("rejects nil store", func(t *testing.T) {
		_, err := New(nil, testCriteria())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "store cannot be nil")
	})

	t.Run("rejects empty criteria", func(t *testing.T) {
		_, err := New(&scriptedStore{}, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid criteria")
	})

	t.Run("rejects retry below one", func(t *testing.T) {
		_, err := New(&scriptedStore{}, testCriteria(), WithRetry(0))
		assert.Error(t, err)
	})

	t.Run("rejects negative interval", func(t *testing.T) {
		_, err := New(&scriptedStore{}, testCriteria(), WithInterval(-time.Second))
		assert.Error(t, err)
	})
}

func TestAttempt_SucceedsFirstTry(t *testing.T) {
	store := &scriptedStore{}
	l, _ := newTestLock(t, store)
	f1, f2 := testFact(t), testFact(t)

	calls := 0
	res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
		calls++
		return Publish(f1, f2), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []fact.Fact{f1, f2}, res.Facts)
	assert.Equal(t, 1, calls)
	assert.Len(t, store.publishes, 1)
	assert.Len(t, store.issued, 1)
	assert.Equal(t, store.issued, store.invalidated)
	assert.Equal(t, store.issued, store.tokensSeen)
}

func TestAttempt_RetriesOnConflict(t *testing.T) {
	for _, n := range []int{1, 3, 9} {
		store := &scriptedStore{script: conflicts(n)}
		l, _ := newTestLock(t, store)

		calls := 0
		res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			calls++
			return Publish(testFact(t)), nil
		})

		require.NoError(t, err, "n=%d", n)
		require.NotNil(t, res)
		assert.Equal(t, n+1, calls)
		assert.Len(t, store.publishes, n+1)
		assert.Len(t, store.issued, n+1)
		assert.Equal(t, store.issued, store.invalidated)
		// each publish used the token of its own iteration
		assert.Equal(t, store.issued, store.tokensSeen)
	}
}

func TestAttempt_RetriesExceeded(t *testing.T) {
	store := &scriptedStore{script: conflicts(100)}
	l, _ := newTestLock(t, store)

	res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
		return Publish(testFact(t)), nil
	})

	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, IsRetriesExceeded(err))
	assert.False(t, IsAborted(err))

	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 10, lockErr.Retries)
	assert.Contains(t, err.Error(), "(10)")

	assert.Len(t, store.issued, 10)
	assert.Len(t, store.invalidated, 10)
}

func TestAttempt_CustomRetryBound(t *testing.T) {
	store := &scriptedStore{script: conflicts(100)}
	l, _ := newTestLock(t, store, WithRetry(3))

	_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
		return Publish(testFact(t)), nil
	})

	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, KindRetriesExceeded, lockErr.Kind)
	assert.Equal(t, 3, lockErr.Retries)
	assert.Len(t, store.issued, 3)
}

func TestAttempt_Abort(t *testing.T) {
	t.Run("explicit abort is passed through", func(t *testing.T) {
		store := &scriptedStore{}
		l, _ := newTestLock(t, store)

		calls := 0
		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			calls++
			return nil, Abort("user %s exists", "ann")
		})

		require.Error(t, err)
		assert.True(t, IsAborted(err))
		assert.Contains(t, err.Error(), "user ann exists")
		assert.Equal(t, 1, calls)
		assert.Empty(t, store.publishes)
		assert.Len(t, store.issued, 1)
		assert.Len(t, store.invalidated, 1)
	})

	t.Run("other errors are wrapped as abort", func(t *testing.T) {
		store := &scriptedStore{}
		l, _ := newTestLock(t, store)
		cause := errors.New("validation failed")

		calls := 0
		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			calls++
			return nil, cause
		})

		require.Error(t, err)
		assert.True(t, IsAborted(err))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, calls)
		assert.Empty(t, store.publishes)
		assert.Len(t, store.issued, 1)
		assert.Len(t, store.invalidated, 1)
	})

	t.Run("panic is wrapped as abort", func(t *testing.T) {
		store := &scriptedStore{}
		l, _ := newTestLock(t, store)

		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			panic("boom")
		})

		require.Error(t, err)
		assert.True(t, IsAborted(err))
		assert.Contains(t, err.Error(), "boom")
		assert.Len(t, store.invalidated, 1)
	})

	t.Run("abort after a conflict stops retrying", func(t *testing.T) {
		store := &scriptedStore{script: conflicts(1)}
		l, _ := newTestLock(t, store)

		calls := 0
		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			calls++
			if calls == 2 {
				return nil, Abort("changed my mind")
			}
			return Publish(testFact(t)), nil
		})

		assert.True(t, IsAborted(err))
		assert.Equal(t, 2, calls)
		assert.Len(t, store.issued, 2)
		assert.Len(t, store.invalidated, 2)
	})
}

func TestAttempt_NilResult(t *testing.T) {
	store := &scriptedStore{}
	l, logs := newTestLock(t, store)

	_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
		return nil, nil
	})

	require.Error(t, err)
	assert.True(t, IsAborted(err))
	assert.Contains(t, err.Error(), "nil result")
	assert.Contains(t, logs.String(), "[ERROR]")
	assert.Contains(t, logs.String(), "abuse of the API")
	assert.Empty(t, store.publishes)
	assert.Len(t, store.invalidated, 1)
}

func TestAttempt_EmptyFacts(t *testing.T) {
	store := &scriptedStore{}
	l, logs := newTestLock(t, store)

	calls := 0
	_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
		calls++
		return Publish(), nil
	})

	require.Error(t, err)
	assert.True(t, IsContractViolation(err))
	assert.False(t, IsAborted(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, store.publishes, "no conditional publish for an empty fact list")
	assert.Len(t, store.issued, 1)
	assert.Len(t, store.invalidated, 1)
	assert.Contains(t, logs.String(), "[ERROR]")
}

func TestAttempt_AndThen(t *testing.T) {
	t.Run("runs after publish", func(t *testing.T) {
		store := &scriptedStore{script: conflicts(2)}
		l, _ := newTestLock(t, store)

		ran := 0
		res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(testFact(t)).AndThen(func() error {
				ran++
				return nil
			}), nil
		})

		require.NoError(t, err)
		assert.Len(t, res.Facts, 1)
		assert.Equal(t, 1, ran, "follow-up runs once, only after the successful publish")
	})

	t.Run("failure carries the published facts", func(t *testing.T) {
		store := &scriptedStore{}
		l, _ := newTestLock(t, store)
		f := testFact(t)
		cause := errors.New("mail server down")

		res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(f).AndThen(func() error { return cause }), nil
		})

		assert.Nil(t, res)
		require.Error(t, err)
		assert.True(t, IsExceptionAfterPublish(err))
		assert.ErrorIs(t, err, cause)

		var lockErr *Error
		require.ErrorAs(t, err, &lockErr)
		assert.Equal(t, []fact.Fact{f}, lockErr.Published)
		assert.Len(t, store.publishes, 1)
		assert.Len(t, store.invalidated, 1)
	})

	t.Run("panic carries the published facts", func(t *testing.T) {
		store := &scriptedStore{}
		l, _ := newTestLock(t, store)
		f := testFact(t)

		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(f).AndThen(func() error { panic("kaputt") }), nil
		})

		var lockErr *Error
		require.ErrorAs(t, err, &lockErr)
		assert.Equal(t, KindExceptionAfterPublish, lockErr.Kind)
		assert.Equal(t, []fact.Fact{f}, lockErr.Published)
	})
}

func TestAttempt_StoreErrors(t *testing.T) {
	t.Run("state token failure propagates without retry", func(t *testing.T) {
		cause := errors.New("connection refused")
		store := &scriptedStore{stateErr: cause}
		l, _ := newTestLock(t, store)

		calls := 0
		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			calls++
			return Publish(testFact(t)), nil
		})

		assert.ErrorIs(t, err, cause)
		_, classified := KindOf(err)
		assert.False(t, classified)
		assert.Equal(t, 0, calls)
	})

	t.Run("publish failure propagates and releases token", func(t *testing.T) {
		cause := errors.New("write failed")
		store := &scriptedStore{publishErr: cause}
		l, _ := newTestLock(t, store)

		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(testFact(t)), nil
		})

		assert.ErrorIs(t, err, cause)
		assert.Len(t, store.publishes, 1)
		assert.Len(t, store.invalidated, 1)
	})

	t.Run("invalidate failure is logged, not propagated", func(t *testing.T) {
		store := &scriptedStore{invalidateErr: errors.New("token store gone")}
		l, logs := newTestLock(t, store)

		res, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(testFact(t)), nil
		})

		require.NoError(t, err)
		assert.Len(t, res.Facts, 1)
		assert.Contains(t, logs.String(), "failed to invalidate state token")
	})
}

func TestAttempt_Interval(t *testing.T) {
	t.Run("waits between conflicts", func(t *testing.T) {
		store := &scriptedStore{script: conflicts(2)}
		l, _ := newTestLock(t, store, WithInterval(20*time.Millisecond))

		start := time.Now()
		_, err := l.Attempt(context.Background(), func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(testFact(t)), nil
		})

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("cancellation ends the wait", func(t *testing.T) {
		store := &scriptedStore{script: conflicts(100)}
		l, _ := newTestLock(t, store, WithInterval(time.Hour))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := l.Attempt(ctx, func(ctx context.Context) (*IntermediatePublishResult, error) {
			return Publish(testFact(t)), nil
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, store.issued, 1)
		assert.Len(t, store.invalidated, 1)
	})
}

func TestAttempt_NilAttempt(t *testing.T) {
	store := &scriptedStore{}
	l, _ := newTestLock(t, store)

	_, err := l.Attempt(context.Background(), nil)
	assert.True(t, IsContractViolation(err))
	assert.Empty(t, store.issued)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "aborted", KindAborted.String())
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "retries exceeded", KindRetriesExceeded.String())
	assert.Equal(t, "exception after publish", KindExceptionAfterPublish.String())
	assert.Equal(t, "contract violation", KindContractViolation.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
