package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/codecraft/subsync/internal/config"
	"github.com/codecraft/subsync/pkg/subsync"
	boltstore "github.com/codecraft/subsync/storage/bolt"
	firestorestore "github.com/codecraft/subsync/storage/firestore"
	"github.com/codecraft/subsync/storage/memory"
	"github.com/codecraft/subsync/storage/postgres"
	redisstore "github.com/codecraft/subsync/storage/redis"
	"github.com/codecraft/subsync/storage/sqlite"
)

// pinger is implemented by backends that can report readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

// openStorage opens the configured backend. The returned close func is never nil.
func openStorage(ctx context.Context, cfg config.StorageConfig, onCleanupError func(error)) (subsync.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), noop, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		s, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return s, s.Close, nil

	case config.BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		pgCfg.AutoMigrate = cfg.AutoMigrate
		pgCfg.CleanupInterval = cfg.PurgeInterval
		pgCfg.OnCleanupError = onCleanupError
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, noop, err
		}
		return s, func() error { s.Close(); return nil }, nil

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, noop, fmt.Errorf("create firestore client: %w", err)
		}
		s, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return s, client.Close, nil

	case config.BackendBolt:
		s, err := boltstore.New(boltstore.Config{Path: cfg.Path})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil

	case config.BackendSQLite:
		s, err := sqlite.New(sqlite.Config{Path: cfg.Path})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
