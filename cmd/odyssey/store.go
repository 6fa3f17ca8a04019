package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-pay/internal/app"
	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	"github.com/odyssey-erp/odyssey-pay/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pay/internal/platform/db"
)

// prepareStore runs schema migrations once so forked workers do not race
// on them.
func prepareStore(ctx context.Context, cfg *app.Config) error {
	if cfg.StoreDriver != app.StoreDriverPostgres {
		return nil
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool)
}

// openStore connects the credential store selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg *app.Config, logger *slog.Logger) (auth.Store, error) {
	switch cfg.StoreDriver {
	case app.StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if _, forked := app.WorkerIndex(); !forked {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return auth.NewRepository(pool), nil
	case app.StoreDriverRedis:
		client, err := cache.New(ctx, cfg.RedisAddr, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		return auth.NewRedisRepository(client), nil
	case app.StoreDriverMemory:
		if _, forked := app.WorkerIndex(); forked {
			logger.Warn("memory store is per process; accounts are not shared between workers")
		}
		return auth.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
