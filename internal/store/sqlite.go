// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore creates a new [SQLiteStore] and connects to the database.
func NewSQLiteStore(ctx context.Context, path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &SQLiteStore{
		db:  db,
		ttl: ttl,
	}
	s.performCleanup(ctx)
	go s.cleanup(ctx)

	return s, nil
}

func (s *SQLiteStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performCleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SQLiteStore) performCleanup(ctx context.Context) {
	s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at < ?;`, time.Now().UnixMilli())
}

// Get retrieves a value for a given key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv WHERE key = ? AND expires_at >= ?;
	`, key, time.Now().UnixMilli()).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores a value for a given key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, expires_at = excluded.expires_at;
	`, key, value, time.Now().Add(s.ttl).UnixMilli())
	return err
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
