package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/cogos-system/athena/internal/resilience"
	"github.com/cogos-system/athena/internal/store"
)

// initStore opens the configured store backend, retrying transient
// connection failures so a restart race with the database does not
// kill the process.
func initStore(ctx context.Context) (store.Store, error) {
	return resilience.DoVal(ctx, resilience.StoreRetryConfig(), func(ctx context.Context) (store.Store, error) {
		switch cfg.Store.Driver {
		case "sqlite":
			dsn := cfg.Store.DatabaseURL
			if dsn == "" {
				dsn = "athena.db"
			}
			return store.NewSQLite(dsn)
		case "postgres":
			return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
				MaxConns: int32(cfg.Store.MaxConns),
				MinConns: int32(cfg.Store.MinConns),
			})
		default:
			return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
		}
	})
}
