// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements a small key-value store with expiring entries,
// backed in-memory, by a JSON file, SQLite or PostgreSQL.
package store

import (
	"context"
	"strings"
	"time"
)

// Store is a generic interface for a key-value store whose entries expire a
// fixed time after they were last written.
type Store interface {
	// Get retrieves a value for a given key.
	// It must return (nil, nil) if the key is not found or has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value for a given key, resetting its expiry.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close closes the store and releases any resources.
	Close() error
}

// Open opens a Store described by dsn:
//
//   - "" or "mem:" is an in-memory store;
//   - "postgres://..." or "postgresql://..." is a PostgreSQL database;
//   - "sqlite:<path>" is a SQLite database;
//   - "file:<path>" or any other string is a path to a JSON file.
//
// Background cleanup of expired entries stops when ctx is canceled.
func Open(ctx context.Context, dsn string, ttl time.Duration) (Store, error) {
	switch {
	case dsn == "" || dsn == "mem:":
		return NewMemStore(ctx, ttl), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn, ttl)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(dsn, "sqlite:"), ttl)
	default:
		return NewJSONFile(ctx, strings.TrimPrefix(dsn, "file:"), ttl)
	}
}

// cleanupInterval returns how often expired entries are swept.
func cleanupInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/2, time.Millisecond), 24*time.Hour)
}
