package snapshot

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	// FetchSizeMetric is the histogram recording the size of every fetched snapshot.
	FetchSizeMetric = "factcask.snapshot.fetch.size"

	// ClassAttribute tags FetchSizeMetric with the projection name.
	ClassAttribute = "class"
)

// Repository writes snapshots through a Cache under keys computed by its own
// KeyEngine. Its id prefixes every key it computes.
type Repository struct {
	id     string
	cache  Cache
	keys   *KeyEngine
	logger hclog.Logger
	sizes  metric.Int64Histogram
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	logger hclog.Logger
	meter  metric.Meter
}

// WithLogger sets the repository's logger.
func WithLogger(logger hclog.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

// WithMeter sets the meter used to record snapshot sizes. Without it nothing is recorded.
func WithMeter(meter metric.Meter) RepositoryOption {
	return func(o *repositoryOptions) { o.meter = meter }
}

// NewRepository creates a repository identified by id.
func NewRepository(id string, cache Cache, opts ...RepositoryOption) (*Repository, error) {
	if id == "" {
		return nil, fmt.Errorf("repository id cannot be empty")
	}
	if cache == nil {
		return nil, fmt.Errorf("snapshot cache cannot be nil")
	}

	o := repositoryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = hclog.L()
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("factcask")
	}

	logger := o.logger.Named("snapshot").With("repository", id)
	sizes, err := o.meter.Int64Histogram(FetchSizeMetric,
		metric.WithUnit("By"),
		metric.WithDescription("Size of snapshots fetched from the snapshot cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", FetchSizeMetric, err)
	}

	return &Repository{
		id:     id,
		cache:  cache,
		keys:   NewKeyEngine(id, logger),
		logger: logger,
		sizes:  sizes,
	}, nil
}

// ID returns the repository's identity.
func (r *Repository) ID() string {
	return r.id
}

// Keys returns the repository's key engine.
func (r *Repository) Keys() *KeyEngine {
	return r.keys
}

// KeyForType returns the class-level key of p. See KeyEngine for its preconditions.
func (r *Repository) KeyForType(p ProjectionType, supplier SerializerSupplier) string {
	return r.keys.KeyForType(p, supplier)
}

// KeyForAggregate returns the key of one aggregate instance of p.
func (r *Repository) KeyForAggregate(p ProjectionType, supplier SerializerSupplier, aggID uuid.UUID) string {
	return r.keys.KeyForAggregate(p, supplier, aggID)
}

// PutBlocking writes snap through to the cache and returns once it is stored.
func (r *Repository) PutBlocking(ctx context.Context, snap Snapshot) error {
	if err := r.cache.SetSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// Fetch reads the snapshot stored under key and records its size for p.
// Returns (nil, nil) if there is none.
func (r *Repository) Fetch(ctx context.Context, key string, p ProjectionType) (*Snapshot, error) {
	snap, err := r.cache.GetSnapshot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", key, err)
	}
	r.RecordSnapshotSize(ctx, snap, p)
	return snap, nil
}

// RecordSnapshotSize records the byte size of a fetched snapshot tagged with the
// projection name. A nil snapshot records nothing.
func (r *Repository) RecordSnapshotSize(ctx context.Context, snap *Snapshot, p ProjectionType) {
	if snap == nil {
		return
	}
	r.sizes.Record(ctx, int64(len(snap.Bytes)), metric.WithAttributes(attribute.String(ClassAttribute, p.Name)))
}

func (r *Repository) save(ctx context.Context, key string, supplier SerializerSupplier, state any, lastFact uuid.UUID) error {
	serializer := supplier()
	data, err := serializer.Serialize(state)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot %s: %w", key, err)
	}
	return r.PutBlocking(ctx, Snapshot{
		Key:        key,
		LastFact:   lastFact,
		Bytes:      data,
		Compressed: Compresses(serializer),
	})
}

func (r *Repository) load(ctx context.Context, key string, p ProjectionType, supplier SerializerSupplier, into any) (uuid.UUID, bool, error) {
	snap, err := r.Fetch(ctx, key, p)
	if err != nil {
		return uuid.Nil, false, err
	}
	if snap == nil {
		return uuid.Nil, false, nil
	}

	if err := supplier().Deserialize(snap.Bytes, into); err != nil {
		// unreadable despite a matching key: drop it so it gets rebuilt
		r.logger.Warn("discarding unreadable snapshot", "key", key, "error", err)
		if err := r.cache.ClearSnapshot(ctx, key); err != nil {
			r.logger.Warn("failed to clear unreadable snapshot", "key", key, "error", err)
		}
		return uuid.Nil, false, nil
	}
	return snap.LastFact, true, nil
}

// ProjectionSnapshots stores snapshots of whole projections, one per projection type.
type ProjectionSnapshots struct {
	*Repository
}

// NewProjectionSnapshots creates the repository for projection snapshots.
func NewProjectionSnapshots(cache Cache, opts ...RepositoryOption) (*ProjectionSnapshots, error) {
	r, err := NewRepository("ProjectionSnapshotRepository", cache, opts...)
	if err != nil {
		return nil, err
	}
	return &ProjectionSnapshots{Repository: r}, nil
}

// Save serializes state and stores it as the latest snapshot of p.
func (s *ProjectionSnapshots) Save(ctx context.Context, p ProjectionType, supplier SerializerSupplier, state any, lastFact uuid.UUID) error {
	if err := CheckProjection(p, supplier); err != nil {
		return err
	}
	return s.save(ctx, s.KeyForType(p, supplier), supplier, state, lastFact)
}

// Load deserializes the latest snapshot of p into into. found is false if there is
// no usable snapshot.
func (s *ProjectionSnapshots) Load(ctx context.Context, p ProjectionType, supplier SerializerSupplier, into any) (lastFact uuid.UUID, found bool, err error) {
	if err := CheckProjection(p, supplier); err != nil {
		return uuid.Nil, false, err
	}
	return s.load(ctx, s.KeyForType(p, supplier), p, supplier, into)
}

// AggregateSnapshots stores snapshots of aggregates, one per aggregate instance.
type AggregateSnapshots struct {
	*Repository
}

// NewAggregateSnapshots creates the repository for aggregate snapshots.
func NewAggregateSnapshots(cache Cache, opts ...RepositoryOption) (*AggregateSnapshots, error) {
	r, err := NewRepository("AggregateSnapshotRepository", cache, opts...)
	if err != nil {
		return nil, err
	}
	return &AggregateSnapshots{Repository: r}, nil
}

// Save serializes state and stores it as the latest snapshot of aggregate aggID.
func (s *AggregateSnapshots) Save(ctx context.Context, p ProjectionType, supplier SerializerSupplier, aggID uuid.UUID, state any, lastFact uuid.UUID) error {
	if err := CheckProjection(p, supplier); err != nil {
		return err
	}
	return s.save(ctx, s.KeyForAggregate(p, supplier, aggID), supplier, state, lastFact)
}

// Load deserializes the latest snapshot of aggregate aggID into into.
func (s *AggregateSnapshots) Load(ctx context.Context, p ProjectionType, supplier SerializerSupplier, aggID uuid.UUID, into any) (lastFact uuid.UUID, found bool, err error) {
	if err := CheckProjection(p, supplier); err != nil {
		return uuid.Nil, false, err
	}
	return s.load(ctx, s.KeyForAggregate(p, supplier, aggID), p, supplier, into)
}
