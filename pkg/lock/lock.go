package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultRetry is the number of attempts made before giving up.
	DefaultRetry = 10

	// DefaultInterval is the pause between a conflict and the next attempt.
	DefaultInterval = time.Duration(0)
)

// Store is the part of a fact store the lock needs.
//
// PublishIfUnchanged is the single atomic decision point: it must append all facts or
// none, and only if no fact matching the token's criteria was appended since the
// token was issued. Returning false signals a genuine conflict, not an error.
type Store interface {
	StateFor(ctx context.Context, criteria fact.Criteria) (fact.StateToken, error)
	PublishIfUnchanged(ctx context.Context, facts []fact.Fact, token fact.StateToken) (bool, error)
	Invalidate(ctx context.Context, token fact.StateToken) error
}

// WithOptimisticLock publishes facts on the condition that the state described by
// its criteria did not change while the business logic was deciding.
// It is safe for concurrent use; every Attempt call runs its own retry loop.
type WithOptimisticLock struct {
	store    Store
	criteria fact.Criteria
	retry    int
	interval time.Duration
	logger   hclog.Logger
}

// Option configures a WithOptimisticLock.
type Option func(*WithOptimisticLock)

// WithRetry sets the maximum number of attempts. Values below 1 are rejected by New.
func WithRetry(n int) Option {
	return func(l *WithOptimisticLock) { l.retry = n }
}

// WithInterval sets the pause after a conflict. Zero means retry immediately.
func WithInterval(d time.Duration) Option {
	return func(l *WithOptimisticLock) { l.interval = d }
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(l *WithOptimisticLock) { l.logger = logger }
}

// New creates an optimistic lock over the facts matching criteria.
// Returns an error if store is nil, criteria is invalid or an option is out of range.
func New(store Store, criteria fact.Criteria, opts ...Option) (*WithOptimisticLock, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := criteria.Validate(); err != nil {
		return nil, fmt.Errorf("invalid criteria: %w", err)
	}

	l := &WithOptimisticLock{
		store:    store,
		criteria: append(fact.Criteria(nil), criteria...),
		retry:    DefaultRetry,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.retry < 1 {
		return nil, fmt.Errorf("retry must be >= 1, got %d", l.retry)
	}
	if l.interval < 0 {
		return nil, fmt.Errorf("interval must not be negative, got %s", l.interval)
	}
	if l.logger == nil {
		l.logger = hclog.L().Named("lock")
	}

	return l, nil
}

// Retry returns the configured maximum number of attempts.
func (l *WithOptimisticLock) Retry() int {
	return l.retry
}

// Interval returns the configured pause after a conflict.
func (l *WithOptimisticLock) Interval() time.Duration {
	return l.interval
}

// Attempt runs op until its facts are published, it aborts, or the retry bound is hit.
//
// On success the returned result holds exactly the published facts. Classified
// failures are returned as *Error; store failures are returned wrapped.
func (l *WithOptimisticLock) Attempt(ctx context.Context, op Attempt) (*PublishingResult, error) {
	if op == nil {
		return nil, &Error{Kind: KindContractViolation, Err: fmt.Errorf("attempt cannot be nil")}
	}

	for count := 1; count <= l.retry; count++ {
		res, published, err := l.iteration(ctx, count, op)
		if err != nil {
			return nil, err
		}
		if published {
			return res, nil
		}

		if count < l.retry {
			if err := l.sleep(ctx); err != nil {
				return nil, err
			}
		}
	}

	l.logger.Warn("optimistic lock gave up", "retries", l.retry, "criteria", len(l.criteria))
	return nil, &Error{Kind: KindRetriesExceeded, Retries: l.retry}
}

// iteration runs one token-scoped attempt. The token acquired here is released before
// it returns, whatever the outcome.
func (l *WithOptimisticLock) iteration(ctx context.Context, count int, op Attempt) (*PublishingResult, bool, error) {
	token, err := l.store.StateFor(ctx, l.criteria)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire state token: %w", err)
	}
	defer l.invalidate(ctx, token)

	r, err := l.run(ctx, op)
	if err != nil {
		return nil, false, err
	}

	facts := r.Facts()
	if len(facts) == 0 {
		l.logger.Error("attempt exited without abort, but does not publish any facts; this is a bug in the calling code")
		return nil, false, &Error{
			Kind: KindContractViolation,
			Err:  fmt.Errorf("attempt exited without abort, but does not publish any facts"),
		}
	}

	ok, err := l.store.PublishIfUnchanged(ctx, facts, token)
	if err != nil {
		return nil, false, fmt.Errorf("failed to publish facts: %w", err)
	}
	if !ok {
		l.logger.Debug("state changed since token was issued", "outcome", KindConflict, "attempt", count, "max", l.retry)
		return nil, false, nil
	}

	if r.andThen != nil {
		if err := runAndThen(r.andThen); err != nil {
			return nil, false, &Error{Kind: KindExceptionAfterPublish, Published: facts, Err: err}
		}
	}

	return &PublishingResult{Facts: facts}, true, nil
}

// run executes op once, classifying anything but a result as an abort.
func (l *WithOptimisticLock) run(ctx context.Context, op Attempt) (r *IntermediatePublishResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, &Error{Kind: KindAborted, Err: fmt.Errorf("attempt panicked: %v", p)}
		}
	}()

	r, err = op(ctx)
	if err != nil {
		if IsAborted(err) {
			return nil, err
		}
		return nil, AbortWith(err)
	}
	if r == nil {
		l.logger.Error("attempt returned a nil result, this is an abuse of the API; treating it as an abort")
		return nil, &Error{Kind: KindAborted, Err: fmt.Errorf("attempt aborted due to nil result")}
	}
	return r, nil
}

func runAndThen(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("follow-up action panicked: %v", p)
		}
	}()
	return fn()
}

// invalidate releases token. Failures are logged; they must not mask the outcome of
// the iteration. A cancelled caller still releases its token.
func (l *WithOptimisticLock) invalidate(ctx context.Context, token fact.StateToken) {
	if err := l.store.Invalidate(context.WithoutCancel(ctx), token); err != nil {
		l.logger.Warn("failed to invalidate state token", "token", token, "error", err)
	}
}

func (l *WithOptimisticLock) sleep(ctx context.Context) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
