// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package txstore

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"go.astrophena.name/starshop/internal/ledger"
)

// SQLite stores records in the transactions table of a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the SQLite database at path, creating the schema if
// needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Saves are serialized by the ledger.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			buyer_id INTEGER NOT NULL,
			buyer_name TEXT NOT NULL,
			item_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			list_price INTEGER NOT NULL DEFAULT 0,
			price_mismatch INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			refunded_by INTEGER NOT NULL DEFAULT 0,
			refunded_at INTEGER NOT NULL DEFAULT 0
		);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLite{db: db}, nil
}

// Load reads all records.
func (s *SQLite) Load(ctx context.Context) (map[string]*ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, buyer_id, buyer_name, item_id, amount, list_price,
			price_mismatch, status, created_at, refunded_by, refunded_at
		FROM transactions;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]*ledger.Record)
	for rows.Next() {
		var (
			r                     ledger.Record
			status                string
			createdAt, refundedAt int64
		)
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.BuyerID, &r.BuyerName, &r.ItemID, &r.Amount, &r.ListPrice,
			&r.PriceMismatch, &status, &createdAt, &r.RefundedBy, &refundedAt,
		); err != nil {
			return nil, err
		}
		r.Status = ledger.Status(status)
		r.CreatedAt = fromUnixNano(createdAt)
		r.RefundedAt = fromUnixNano(refundedAt)
		records[r.ID] = &r
	}
	return records, rows.Err()
}

// Save upserts every record of snapshot and removes rows that are not in it,
// in one transaction.
func (s *SQLite) Save(ctx context.Context, snapshot map[string]*ledger.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteMissing(ctx, tx, snapshot); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (id, seq, buyer_id, buyer_name, item_id, amount,
			list_price, price_mismatch, status, created_at, refunded_by, refunded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			seq = excluded.seq,
			buyer_id = excluded.buyer_id,
			buyer_name = excluded.buyer_name,
			item_id = excluded.item_id,
			amount = excluded.amount,
			list_price = excluded.list_price,
			price_mismatch = excluded.price_mismatch,
			status = excluded.status,
			created_at = excluded.created_at,
			refunded_by = excluded.refunded_by,
			refunded_at = excluded.refunded_at;
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, r := range snapshot {
		if _, err := stmt.ExecContext(ctx,
			id, int64(r.Seq), r.BuyerID, r.BuyerName, r.ItemID, r.Amount, r.ListPrice,
			r.PriceMismatch, string(r.Status), toUnixNano(r.CreatedAt), r.RefundedBy, toUnixNano(r.RefundedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func deleteMissing(ctx context.Context, tx *sql.Tx, snapshot map[string]*ledger.Record) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM transactions;`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := snapshot[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?;`, id); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Zero times are stored as 0.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
