// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresStore creates a new PostgresStore and connects to the database.
func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{
		pool: pool,
		ttl:  ttl,
	}
	go s.cleanup(ctx)
	return s, nil
}

func (s *PostgresStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at < NOW();`)
		case <-ctx.Done():
			return
		}
	}
}

// Get retrieves a value for a given key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv WHERE key = $1 AND expires_at >= NOW();
	`, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores a value for a given key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at;
	`, key, value, time.Now().Add(s.ttl))
	return err
}

// Delete removes a key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1;`, key)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
