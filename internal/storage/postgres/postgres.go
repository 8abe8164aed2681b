// Package postgres provides Postgres-backed persistence
// implementations.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbpool is the subset of pgxpool.Pool the stores use; pgxmock
// satisfies it in tests.
type dbpool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Open creates a pgx connection pool from cfg. The stores share one
// pool; callers own its lifetime.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crawl_sessions (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		counters JSONB NOT NULL DEFAULT '{}',
		error_text TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		retries INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		claimed_by TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMPTZ NOT NULL,
		UNIQUE (stage, target)
	)`,
	`CREATE TABLE IF NOT EXISTS proxies (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		tier TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		working BOOLEAN NOT NULL DEFAULT TRUE,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 1,
		consecutive_failures INT NOT NULL DEFAULT 0,
		cost_per_request DOUBLE PRECISION NOT NULL DEFAULT 0,
		recent_uses BIGINT NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		last_used TIMESTAMPTZ,
		last_checked TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS proxy_providers (
		name TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		tier TEXT NOT NULL,
		cost_per_request DOUBLE PRECISION NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS budget_ledger (
		provider TEXT NOT NULL,
		day DATE NOT NULL,
		spent DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, day)
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_code TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		retailer_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		was_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		category_code TEXT NOT NULL DEFAULT '',
		in_stock BOOLEAN NOT NULL DEFAULT TRUE,
		special_offer TEXT NOT NULL DEFAULT '',
		rating DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS nutrition (
		retailer_id TEXT PRIMARY KEY,
		values_json JSONB NOT NULL DEFAULT '{}'
	)`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, pool dbpool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
