package main

import (
	"fmt"
	"net"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
	"github.com/goclaw/memlayer/pkg/memory/badger"
	"github.com/goclaw/memlayer/pkg/memory/redis"
	"github.com/goclaw/memlayer/pkg/memory/sqlstore"
	"github.com/goclaw/memlayer/pkg/memory/vector"
)

// backendSet is the wired storage layer: every backend registered by name,
// the composite that serves requests, and the raw vector store when one is
// configured.
type backendSet struct {
	registry  *memory.Registry
	composite *memory.CompositeStore
	vector    *vector.Store
}

// buildStores constructs the configured backends, primary first. Each is
// instrumented with recorder before it is registered.
func buildStores(cfg config.StoreConfig, recorder memory.Recorder, log logger.Logger) (*backendSet, error) {
	set := &backendSet{registry: memory.NewRegistry()}

	names := cfg.Backends()
	stores := make([]memory.Store, 0, len(names))
	for _, name := range names {
		store, err := newBackend(name, cfg, log.With("backend", name))
		if err != nil {
			return nil, err
		}
		if v, ok := store.(*vector.Store); ok {
			set.vector = v
		}

		instrumented := memory.Instrument(store, recorder)
		if err := set.registry.Register(name, instrumented); err != nil {
			return nil, err
		}
		stores = append(stores, instrumented)
	}

	set.composite = memory.NewCompositeStore(stores,
		memory.WithLogger(log.With("backend", memory.CompositeBackend)),
		memory.WithRecorder(recorder),
		memory.WithConcurrentSecondaries(cfg.Composite.Concurrency),
		memory.WithSecondarySweep(cfg.Composite.SweepSecondaries),
	)
	return set, nil
}

func newBackend(name string, cfg config.StoreConfig, log logger.Logger) (memory.Store, error) {
	switch name {
	case config.BackendInMemory, "":
		return memory.NewInMemoryStore(memory.WithLogger(log)), nil

	case config.BackendRedis:
		opts := &goredis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		}
		return redis.Open(opts, redis.Config{
			Prefix:      cfg.Redis.Prefix,
			ScanCount:   cfg.Redis.ScanCount,
			ExpiryGrace: cfg.Redis.ExpiryGrace,
		}, redis.WithLogger(log)), nil

	case config.BackendSQL:
		return sqlstore.New(sqlstore.Config{
			Dialect:         sqlstore.Dialect(cfg.SQL.Dialect),
			DSN:             cfg.SQL.DSN,
			Schema:          cfg.SQL.Schema,
			Table:           cfg.SQL.Table,
			MaxOpenConns:    cfg.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.SQL.ConnMaxLifetime,
		}, sqlstore.WithLogger(log)), nil

	case config.BackendBadger:
		return badger.New(badger.Config{
			Path:              cfg.Badger.Path,
			InMemory:          cfg.Badger.InMemory,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
			ExpiryGrace:       cfg.Badger.ExpiryGrace,
			PageSize:          cfg.Badger.PageSize,
		}, badger.WithLogger(log)), nil

	case config.BackendVector:
		return vector.New(vector.Config{
			Path:       cfg.Vector.Path,
			Compress:   cfg.Vector.Compress,
			Collection: cfg.Vector.Collection,
			Dimensions: cfg.Vector.Dimensions,
			CacheSize:  cfg.Vector.CacheSize,
		}, vector.WithLogger(log)), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", name)
	}
}

func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
