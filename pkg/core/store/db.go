// Package store is the Postgres warehouse: staging tables for revenue and
// expenses, the fact tables built from them and the read snapshots used by
// the quality checks and KPI exports.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPoolNotInitialized is returned by repositories used before InitDB.
var ErrPoolNotInitialized = errors.New("database pool not initialized")

var (
	pool    *pgxpool.Pool
	once    sync.Once
	initErr error
)

// ApplicationName tags the ETL sessions in pg_stat_activity.
const ApplicationName = "budget_monitor_etl"

// InitDB opens the warehouse pool from DATABASE_URL and pings it. Later calls
// return the outcome of the first one.
func InitDB(ctx context.Context) error {
	once.Do(func() {
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			initErr = errors.New("DATABASE_URL environment variable not set")
			return
		}

		config, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			initErr = fmt.Errorf("failed to parse database config: %w", err)
			return
		}
		if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
			config.ConnConfig.RuntimeParams["application_name"] = ApplicationName
		}

		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			initErr = fmt.Errorf("failed to create pool: %w", err)
			return
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			initErr = fmt.Errorf("database unreachable: %w", err)
			return
		}
		pool = p
	})
	return initErr
}

// GetPool returns the pool, nil before a successful InitDB.
func GetPool() *pgxpool.Pool {
	return pool
}

// Close releases the pool.
func Close() {
	if pool != nil {
		pool.Close()
	}
}

func requirePool() (*pgxpool.Pool, error) {
	if pool == nil {
		return nil, ErrPoolNotInitialized
	}
	return pool, nil
}
