package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/queue"
	redisqueue "github.com/xraph/docflow/queue/redis"
	"github.com/xraph/docflow/storage"
	"github.com/xraph/docflow/storage/s3"
	"github.com/xraph/docflow/store"
	"github.com/xraph/docflow/store/memory"
	"github.com/xraph/docflow/store/postgres"
	"github.com/xraph/docflow/store/sqlite"
)

// closers releases wired backends in reverse order.
type closers []func() error

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close error", slog.String("error", err.Error()))
		}
	}
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		s, err = postgres.New(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
	case "sqlite":
		s, err = sqlite.Open(cfg.Store.DSN, sqlite.WithLogger(logger))
	default:
		s = memory.New()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

func openBroker(ctx context.Context, cfg Config, logger *slog.Logger) (queue.Broker, func() error, error) {
	if cfg.Broker.Driver != "redis" {
		b := queue.NewMemoryBroker(queue.WithPollInterval(cfg.Broker.PollInterval))
		return b, b.Close, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Broker.Redis.Addr,
		Password: cfg.Broker.Redis.Password,
		DB:       cfg.Broker.Redis.DB,
	})
	b := redisqueue.New(client,
		redisqueue.WithLogger(logger),
		redisqueue.WithPollInterval(cfg.Broker.PollInterval),
	)
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis broker: %w", err)
	}
	return b, func() error {
		_ = b.Close()
		return client.Close()
	}, nil
}

func openStorage(cfg Config) (storage.Storage, error) {
	if cfg.Storage.Driver == "s3" {
		return s3.New(cfg.Storage.S3)
	}
	return storage.NewLocal(cfg.Storage.Dir)
}

func newRoutine(cfg Config) convert.Routine {
	return convert.NewRemote(cfg.Converter.URL,
		convert.WithHTTPClient(&http.Client{Timeout: cfg.Converter.Timeout}),
	)
}
