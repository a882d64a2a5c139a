// Package postgres implements feedback persistence on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// EnsureSchema creates the feedback table if it does not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS user_feedback (
			query_id   BIGINT PRIMARY KEY,
			query      TEXT NOT NULL,
			pic_id_1   BIGINT NOT NULL,
			pic_id_2   BIGINT NOT NULL,
			pic_id_3   BIGINT NOT NULL,
			pic_id_4   BIGINT NOT NULL,
			chosen_id  BIGINT NOT NULL,
			date       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure feedback schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
