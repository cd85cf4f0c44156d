// Package db opens the task store and cache named by the configuration.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"task-graph/internal/config"
	"task-graph/pkg/cache"
	"task-graph/pkg/task"
)

// Connect opens a Postgres pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenStore opens the configured task store and ensures its schema.
func OpenStore(ctx context.Context, cfg config.Database) (task.Store, error) {
	var store task.Store
	if cfg.IsPostgres() {
		pool, err := Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		store = task.NewPgStore(pool)
	} else {
		path := cfg.SQLitePath()
		if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		s, err := task.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// OpenCache dials Redis when a URL is configured and otherwise returns an
// in-process cache.
func OpenCache(ctx context.Context, cfg config.Cache) (cache.Cache, error) {
	if cfg.URL == "" {
		return cache.NewMemory(), nil
	}
	return cache.DialRedis(ctx, cfg.URL)
}
