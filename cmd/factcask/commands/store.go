package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/factcask/internal/config"
	"github.com/dyluth/factcask/internal/memstore"
	"github.com/dyluth/factcask/internal/printer"
	"github.com/dyluth/factcask/internal/sqlstore"
	"github.com/dyluth/factcask/pkg/fact"
	"github.com/dyluth/factcask/pkg/factstore"
	"github.com/dyluth/factcask/pkg/lock"
	"github.com/dyluth/factcask/pkg/snapshot"
	"github.com/google/uuid"
)

// backend is what every command needs from a fact store.
type backend interface {
	lock.Store
	Publish(ctx context.Context, facts []fact.Fact) error
	Facts(ctx context.Context, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error)
	FetchByID(ctx context.Context, id uuid.UUID) (*fact.Fact, error)
	Ping(ctx context.Context) error
	Close() error
}

// openBackend opens the configured store together with its snapshot cache.
func openBackend() (backend, snapshot.Cache, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := factstore.NewClientFromURL(cfg.Store.RedisURL, cfg.Store.Instance, factstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return client, client.SnapshotCache(cfg.Snapshot.TTL), nil

	case config.BackendSQLite:
		s, err := sqlstore.Open(cfg.Store.SQLitePath, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.SnapshotCache(), nil

	case config.BackendMemory:
		logger.Warn("using the memory backend, facts are gone when the command exits")
		s := memstore.New()
		return s, s.SnapshotCache(), nil
	}
	return nil, nil, fmt.Errorf("unknown backend: %s", cfg.Store.Backend)
}

func openBackendOrFail() (backend, snapshot.Cache, error) {
	store, cache, err := openBackend()
	if err != nil {
		return nil, nil, printer.ErrorWithContext(
			"failed to open fact store",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend},
			[]string{"Check the store section of the configuration", "Run 'factcask ping' to test connectivity"},
		)
	}
	return store, cache, nil
}

// criteriaFor builds the single-spec criteria the commands operate on.
func criteriaFor(ns, typ, agg string) (fact.Criteria, error) {
	if ns == "" {
		return nil, fmt.Errorf("--ns is required")
	}
	spec := fact.NS(ns)
	if typ != "" {
		spec = spec.WithType(typ)
	}
	if agg != "" {
		id, err := uuid.Parse(agg)
		if err != nil {
			return nil, fmt.Errorf("invalid aggregate id %q: %w", agg, err)
		}
		spec = spec.WithAggID(id)
	}
	return fact.Criteria{spec}, nil
}
