package factstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTokenTTL bounds the lifetime of state tokens that are never invalidated.
	DefaultTokenTTL = time.Hour

	// maxTxRetries is how often a publish is re-checked after EXEC failed because the
	// log moved underneath it.
	maxTxRetries = 16
)

var (
	// ErrDuplicateFact is returned when a fact id has already been published.
	ErrDuplicateFact = fact.ErrDuplicateFact

	// ErrNotFound is returned by FetchByID for unknown ids.
	ErrNotFound = fact.ErrNotFound
)

// Client provides instance-scoped fact store operations on Redis.
// All keys are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb      *redis.Client
	instance string
	tokenTTL time.Duration
	logger   hclog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenTTL sets the expiry of state tokens. Zero disables expiry.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Client) { c.tokenTTL = ttl }
}

// NewClient creates a new fact store client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instance: store identifier (must not be empty)
//
// Returns an error if instance is empty.
func NewClient(redisOpts *redis.Options, instance string, opts ...Option) (*Client, error) {
	if redisOpts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		instance: instance,
		tokenTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenTTL < 0 {
		return nil, fmt.Errorf("token TTL must not be negative, got %s", c.tokenTTL)
	}
	if c.logger == nil {
		c.logger = hclog.L()
	}
	c.logger = c.logger.Named("factstore").With("instance", instance)
	c.rdb = redis.NewClient(redisOpts)

	return c, nil
}

// NewClientFromURL parses a redis:// URL and creates a client for instance.
func NewClientFromURL(url, instance string, opts ...Option) (*Client, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(redisOpts, instance, opts...)
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish appends facts unconditionally.
func (c *Client) Publish(ctx context.Context, facts []fact.Fact) error {
	_, err := c.append(ctx, facts, nil)
	return err
}

// StateFor issues a token capturing the current head of the log for criteria.
// The token is stored at factcask:{instance}:token:{id} and expires after the token TTL.
func (c *Client) StateFor(ctx context.Context, criteria fact.Criteria) (fact.StateToken, error) {
	if err := criteria.Validate(); err != nil {
		return fact.StateToken{}, fmt.Errorf("invalid criteria: %w", err)
	}

	head, err := headSerial(ctx, c.rdb, c.instance)
	if err != nil {
		return fact.StateToken{}, err
	}

	hash, err := TokenToHash(head, criteria)
	if err != nil {
		return fact.StateToken{}, fmt.Errorf("failed to serialize token: %w", err)
	}

	token := fact.StateToken{UUID: uuid.New()}
	key := TokenKey(c.instance, token.String())
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		if c.tokenTTL > 0 {
			pipe.Expire(ctx, key, c.tokenTTL)
		}
		return nil
	})
	if err != nil {
		return fact.StateToken{}, fmt.Errorf("failed to write state token to Redis: %w", err)
	}
	return token, nil
}

// PublishIfUnchanged appends facts if no fact matching the token's criteria was
// appended since the token was issued. Unknown or expired tokens never publish.
func (c *Client) PublishIfUnchanged(ctx context.Context, facts []fact.Fact, token fact.StateToken) (bool, error) {
	return c.append(ctx, facts, &token)
}

// Invalidate deletes token. Unknown tokens are ignored.
func (c *Client) Invalidate(ctx context.Context, token fact.StateToken) error {
	if err := c.rdb.Del(ctx, TokenKey(c.instance, token.String())).Err(); err != nil {
		return fmt.Errorf("failed to delete state token: %w", err)
	}
	return nil
}

// Facts returns the facts matching criteria with a serial greater than afterSerial,
// in log order.
func (c *Client) Facts(ctx context.Context, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error) {
	if afterSerial < 0 {
		afterSerial = 0
	}
	entries, err := c.rdb.LRange(ctx, LogKey(c.instance), afterSerial, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read fact log: %w", err)
	}

	result := []fact.Fact{}
	for _, entry := range entries {
		f, err := JSONToFact(entry)
		if err != nil {
			return nil, err
		}
		if criteria.Matches(f) {
			result = append(result, f)
		}
	}
	return result, nil
}

// FetchByID retrieves a fact by id.
// Returns ErrNotFound if the fact doesn't exist. Use IsNotFound() to check.
func (c *Client) FetchByID(ctx context.Context, id uuid.UUID) (*fact.Fact, error) {
	serial, err := c.rdb.Get(ctx, FactKey(c.instance, id.String())).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fact index: %w", err)
	}

	entry, err := c.rdb.LIndex(ctx, LogKey(c.instance), serial-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read fact %s at serial %d: %w", id, serial, err)
	}
	f, err := JSONToFact(entry)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// append writes facts at the end of the log. With a token it first checks the
// token's criteria against everything appended since the token was issued.
func (c *Client) append(ctx context.Context, facts []fact.Fact, token *fact.StateToken) (bool, error) {
	valid, err := validate(facts)
	if err != nil {
		return false, err
	}

	watched := []string{SerialKey(c.instance)}
	if token != nil {
		watched = append(watched, TokenKey(c.instance, token.String()))
	}

	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		published := false
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			head, err := headSerial(ctx, tx, c.instance)
			if err != nil {
				return err
			}

			if token != nil {
				unchanged, err := c.unchangedSince(ctx, tx, *token, head)
				if err != nil || !unchanged {
					return err
				}
			}

			for _, f := range valid {
				n, err := tx.Exists(ctx, FactKey(c.instance, f.ID.String())).Result()
				if err != nil {
					return fmt.Errorf("failed to check fact existence: %w", err)
				}
				if n > 0 {
					return fmt.Errorf("fact %s: %w", f.ID, ErrDuplicateFact)
				}
			}

			entries := make([]string, len(valid))
			for i := range valid {
				valid[i].Serial = head + int64(i) + 1
				if entries[i], err = FactToJSON(valid[i]); err != nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, f := range valid {
					pipe.RPush(ctx, LogKey(c.instance), entries[i])
					pipe.Set(ctx, FactKey(c.instance, f.ID.String()), f.Serial, 0)
				}
				pipe.Set(ctx, SerialKey(c.instance), head+int64(len(valid)), 0)
				return nil
			})
			if err != nil {
				return err
			}
			published = true
			return nil
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			c.logger.Debug("fact log changed during publish, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return false, err
		}
		return published, nil
	}

	return false, fmt.Errorf("failed to publish facts: log changed concurrently %d times", maxTxRetries)
}

// unchangedSince reports whether token is known and no fact matching its criteria
// was appended between the token's serial and head.
func (c *Client) unchangedSince(ctx context.Context, tx *redis.Tx, token fact.StateToken, head int64) (bool, error) {
	hash, err := tx.HGetAll(ctx, TokenKey(c.instance, token.String())).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read state token: %w", err)
	}
	if len(hash) == 0 {
		c.logger.Debug("unknown state token", "token", token)
		return false, nil
	}

	since, criteria, err := HashToToken(hash)
	if err != nil {
		return false, fmt.Errorf("failed to deserialize state token %s: %w", token, err)
	}
	if head <= since {
		return true, nil
	}

	entries, err := tx.LRange(ctx, LogKey(c.instance), since, head-1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read fact log: %w", err)
	}
	for _, entry := range entries {
		f, err := JSONToFact(entry)
		if err != nil {
			return false, err
		}
		if criteria.Matches(f) {
			return false, nil
		}
	}
	return true, nil
}

// IsNotFound checks if an error indicates a fact was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// getter is the part of redis.Client and redis.Tx headSerial needs.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// headSerial reads the serial of the last fact in the log, 0 for an empty log.
func headSerial(ctx context.Context, rdb getter, instance string) (int64, error) {
	head, err := rdb.Get(ctx, SerialKey(instance)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read head serial: %w", err)
	}
	return head, nil
}

// validate checks facts and returns normalised copies. Duplicates within the batch
// are rejected here; duplicates of stored facts are checked under WATCH.
func validate(facts []fact.Fact) ([]fact.Fact, error) {
	valid := make([]fact.Fact, len(facts))
	seen := make(map[uuid.UUID]bool, len(facts))
	for i := range facts {
		f := facts[i]
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid fact at index %d: %w", i, err)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("fact %s: %w", f.ID, ErrDuplicateFact)
		}
		seen[f.ID] = true
		valid[i] = f
	}
	return valid, nil
}
