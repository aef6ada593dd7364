// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package txstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.astrophena.name/starshop/internal/ledger"
)

// Postgres stores records in the transactions table of a PostgreSQL
// database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database at databaseURL, creating the schema
// if needed.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			buyer_id BIGINT NOT NULL,
			buyer_name TEXT NOT NULL,
			item_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			list_price BIGINT NOT NULL DEFAULT 0,
			price_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			refunded_by BIGINT NOT NULL DEFAULT 0,
			refunded_at TIMESTAMPTZ
		);
	`); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Load reads all records.
func (s *Postgres) Load(ctx context.Context) (map[string]*ledger.Record, error) {
	rows, err := s.pool.Query(ctx, `
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
			r          ledger.Record
			seq        int64
			status     string
			refundedAt *time.Time
		)
		if err := rows.Scan(
			&r.ID, &seq, &r.BuyerID, &r.BuyerName, &r.ItemID, &r.Amount, &r.ListPrice,
			&r.PriceMismatch, &status, &r.CreatedAt, &r.RefundedBy, &refundedAt,
		); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.Status = ledger.Status(status)
		if refundedAt != nil {
			r.RefundedAt = *refundedAt
		}
		records[r.ID] = &r
	}
	return records, rows.Err()
}

// Save upserts every record of snapshot and removes rows that are not in it,
// in one transaction.
func (s *Postgres) Save(ctx context.Context, snapshot map[string]*ledger.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(snapshot))
	batch := &pgx.Batch{}
	for id, r := range snapshot {
		ids = append(ids, id)
		var refundedAt *time.Time
		if !r.RefundedAt.IsZero() {
			refundedAt = &r.RefundedAt
		}
		batch.Queue(`
			INSERT INTO transactions (id, seq, buyer_id, buyer_name, item_id, amount,
				list_price, price_mismatch, status, created_at, refunded_by, refunded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
		`, id, int64(r.Seq), r.BuyerID, r.BuyerName, r.ItemID, r.Amount, r.ListPrice,
			r.PriceMismatch, string(r.Status), r.CreatedAt, r.RefundedBy, refundedAt)
	}
	batch.Queue(`DELETE FROM transactions WHERE NOT (id = ANY($1));`, ids)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
