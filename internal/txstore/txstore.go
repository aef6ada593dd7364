// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package txstore persists ledger records.
package txstore

import (
	"context"
	"strings"

	"go.astrophena.name/starshop/internal/ledger"
)

// Open opens a [ledger.Store] described by dsn:
//
//   - "" or "mem:" keeps nothing;
//   - "postgres://..." or "postgresql://..." is a PostgreSQL database;
//   - "sqlite:<path>" is a SQLite database;
//   - "file:<path>" or any other string is a path to a JSON file.
func Open(ctx context.Context, dsn string) (ledger.Store, error) {
	switch {
	case dsn == "" || dsn == "mem:":
		return Nop{}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	default:
		return OpenJSONFile(strings.TrimPrefix(dsn, "file:"))
	}
}

// Nop is a [ledger.Store] that keeps nothing.
type Nop struct{}

// Load returns an empty map.
func (Nop) Load(context.Context) (map[string]*ledger.Record, error) {
	return map[string]*ledger.Record{}, nil
}

// Save does nothing.
func (Nop) Save(context.Context, map[string]*ledger.Record) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
