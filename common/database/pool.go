// Package database holds the PostgreSQL plumbing shared by the services:
// pool construction, schema migrations and per-call timeouts.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing shared by every service.
const (
	MaxConns        = 25
	MinConns        = 5
	MaxConnLifetime = 5 * time.Minute
	MaxConnIdleTime = time.Minute
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = MaxConns
	cfg.MinConns = MinConns
	cfg.MaxConnLifetime = MaxConnLifetime
	cfg.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := QueryContext(ctx)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// MigrationResult reports the schema version after Migrate.
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies every pending up migration from dir (a filesystem path).
func Migrate(dir, connString string) (MigrationResult, error) {
	m, err := migrate.New("file://"+dir, connString)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	res := MigrationResult{Changed: true}
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return res, fmt.Errorf("failed to run migrations: %w", err)
		}
		res.Changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return res, fmt.Errorf("failed to read migration version: %w", err)
	}
	res.Version, res.Dirty = version, dirty
	return res, nil
}

// Rollback reverts the most recent migration.
func Rollback(dir, connString string) error {
	m, err := migrate.New("file://"+dir, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}
