package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/renderq/storage"
	"github.com/xraph/renderq/storage/local"
	"github.com/xraph/renderq/storage/minio"
	"github.com/xraph/renderq/store"
	bunstore "github.com/xraph/renderq/store/bun"
	"github.com/xraph/renderq/store/memory"
	mongostore "github.com/xraph/renderq/store/mongo"
	"github.com/xraph/renderq/store/postgres"
	redisstore "github.com/xraph/renderq/store/redis"
)

// openStore connects the configured backend. The returned release func
// closes the store and the connection under it.
func openStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		s := memory.New()
		return s, s.Close, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		s := bunstore.New(db, bunstore.WithLogger(logger))
		return s, func() error { return errors.Join(s.Close(), db.Close()) }, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redisstore.New(client, redisstore.WithLogger(logger))
		return s, func() error { return errors.Join(s.Close(), client.Close()) }, nil

	case "mongo":
		client, err := mongod.Connect(mongooptions.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		name := cfg.Database
		if name == "" {
			name = "renderq"
		}
		s := mongostore.New(client.Database(name), mongostore.WithLogger(logger))
		return s, func() error {
			return errors.Join(s.Close(), client.Disconnect(context.Background()))
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// openStorage returns the result storage backend.
func openStorage(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "local":
		return local.New(cfg.Dir)
	case "minio":
		s, err := minio.New(cfg.Minio, minio.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
