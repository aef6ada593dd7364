// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package ledger records purchases and refunds.
//
// A [Ledger] is the only owner of transaction records and of the purchase and
// refund totals derived from them. Every mutation is validated first, then
// applied and saved to a [Store] while holding a single lock, so readers never
// observe a partially applied change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.astrophena.name/starshop/internal/catalog"
)

// Catalog is the subset of [catalog.Catalog] the ledger needs.
type Catalog interface {
	Lookup(id string) (catalog.Item, bool)
}

// Store durably mirrors the ledger's records.
type Store interface {
	// Load returns all persisted records keyed by id, or an empty map if
	// nothing was persisted yet.
	Load(ctx context.Context) (map[string]*Record, error)
	// Save replaces the persisted records with snapshot. It must be atomic:
	// a failed Save leaves the previous state readable.
	Save(ctx context.Context, snapshot map[string]*Record) error
	// Close releases the store's resources.
	Close() error
}

// Accounting selects who a refund is credited to in the refund totals.
type Accounting string

const (
	// AccountRequester credits refunds to the admin who made them.
	AccountRequester Accounting = "requester"
	// AccountBuyer credits refunds to the buyer of the transaction.
	AccountBuyer Accounting = "buyer"
)

// ParseAccounting parses an accounting policy name. Empty means
// [AccountRequester].
func ParseAccounting(s string) (Accounting, error) {
	switch a := Accounting(s); a {
	case "":
		return AccountRequester, nil
	case AccountRequester, AccountBuyer:
		return a, nil
	}
	return "", fmt.Errorf("unknown refund accounting policy %q (want %q or %q)", s, AccountRequester, AccountBuyer)
}

// Config configures a Ledger.
type Config struct {
	Catalog Catalog
	// Store persists records. If nil, nothing is persisted.
	Store      Store
	Accounting Accounting
	// Now and NewID are overridden in tests.
	Now   func() time.Time
	NewID func() string
}

// Ledger is the transaction ledger. It is safe for concurrent use.
type Ledger struct {
	catalog    Catalog
	store      Store
	accounting Accounting
	now        func() time.Time
	newID      func() string

	mu             sync.RWMutex
	records        map[string]*Record
	byBuyer        map[int64][]string // ids in insertion order
	purchaseTotals map[int64]int64
	refundTotals   map[int64]int64
	seq            uint64
}

// New creates a Ledger and loads existing records from the store, recomputing
// all totals from them.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("ledger: Catalog is nil")
	}
	accounting, err := ParseAccounting(string(cfg.Accounting))
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		accounting: accounting,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}
	if l.store == nil {
		l.store = nopStore{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = func() string { return uuid.NewString() }
	}

	loaded, err := l.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: loading records: %w", err)
	}
	l.rebuild(loaded)
	return l, nil
}

// rebuild replaces all state with records, deriving the index and totals.
func (l *Ledger) rebuild(records map[string]*Record) {
	l.records = make(map[string]*Record, len(records))
	l.byBuyer = make(map[int64][]string)
	l.purchaseTotals = make(map[int64]int64)
	l.refundTotals = make(map[int64]int64)
	l.seq = 0

	sorted := make([]*Record, 0, len(records))
	for id, r := range records {
		if r == nil {
			continue
		}
		r = r.Clone()
		r.ID = id
		if r.Status == "" {
			r.Status = StatusActive
		}
		sorted = append(sorted, r)
	}
	slices.SortFunc(sorted, compareRecords)

	for _, r := range sorted {
		// Records written without a sequence number get one in load order.
		if r.Seq <= l.seq {
			r.Seq = l.seq + 1
		}
		l.seq = r.Seq
		l.insert(r)
		if r.Refunded() {
			l.refundTotals[l.principal(r)] += r.Amount
		}
	}
}

func (l *Ledger) insert(r *Record) {
	l.records[r.ID] = r
	l.byBuyer[r.BuyerID] = append(l.byBuyer[r.BuyerID], r.ID)
	l.purchaseTotals[r.BuyerID] += r.Amount
}

func (l *Ledger) principal(r *Record) int64 {
	if l.accounting == AccountBuyer {
		return r.BuyerID
	}
	return r.RefundedBy
}

// persist saves a snapshot of all records. It must be called with l.mu held
// for writing.
func (l *Ledger) persist(ctx context.Context, op string) error {
	snapshot := make(map[string]*Record, len(l.records))
	for id, r := range l.records {
		snapshot[id] = r.Clone()
	}
	if err := l.store.Save(ctx, snapshot); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

// RecordPurchase records a completed payment.
//
// A non-nil record is returned whenever the purchase is, or already was,
// recorded. The error is then nil, wraps [ErrDuplicateTransaction] (the
// existing record is returned and nothing changes), or carries warnings:
// [ErrPriceMismatch] when the confirmed amount differs from the catalog price
// and [ErrPersistence] when saving failed. Use [IsWarning] to tell them
// apart from rejections.
func (l *Ledger) RecordPurchase(ctx context.Context, p Purchase) (*Record, error) {
	item, ok := l.catalog.Lookup(p.ItemID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownItem, p.ItemID)
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, p.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := p.ChargeID
	if id == "" {
		id = l.newID()
		for l.records[id] != nil {
			id = l.newID()
		}
	}
	if existing, ok := l.records[id]; ok {
		return existing.Clone(), fmt.Errorf("%w: %q", ErrDuplicateTransaction, id)
	}

	l.seq++
	r := &Record{
		ID:        id,
		Seq:       l.seq,
		BuyerID:   p.BuyerID,
		BuyerName: p.BuyerName,
		ItemID:    p.ItemID,
		Amount:    p.Amount,
		Status:    StatusActive,
		CreatedAt: l.now(),
	}

	var warnings []error
	if p.Amount != item.Price {
		r.PriceMismatch = true
		r.ListPrice = item.Price
		warnings = append(warnings, &PriceMismatchError{
			ID:        id,
			ItemID:    p.ItemID,
			ListPrice: item.Price,
			Amount:    p.Amount,
		})
	}

	l.insert(r)
	if err := l.persist(ctx, "purchase "+id); err != nil {
		warnings = append(warnings, err)
	}

	return r.Clone(), errors.Join(warnings...)
}

// Refund marks a transaction as refunded by requesterID and credits its amount
// to the refund totals. It doesn't check whether requesterID may refund.
//
// It fails with [ErrNotFound] or [ErrAlreadyRefunded] without changing
// anything; in the latter case the result still carries the record. An error
// wrapping [ErrPersistence] means the refund was applied but not saved.
// Purchase totals are never decremented.
func (l *Ledger) Refund(ctx context.Context, requesterID int64, id string) (*RefundResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if r.Refunded() {
		return &RefundResult{Record: r.Clone(), BuyerID: r.BuyerID, Amount: r.Amount},
			fmt.Errorf("%w: %q", ErrAlreadyRefunded, id)
	}

	r.Status = StatusRefunded
	r.RefundedBy = requesterID
	r.RefundedAt = l.now()
	l.refundTotals[l.principal(r)] += r.Amount

	res := &RefundResult{Record: r.Clone(), BuyerID: r.BuyerID, Amount: r.Amount}
	if err := l.persist(ctx, "refund "+id); err != nil {
		return res, err
	}
	return res, nil
}

// Lookup returns a copy of the record with the given id.
func (l *Ledger) Lookup(id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// ListByUser returns copies of all records of a buyer in insertion order.
func (l *Ledger) ListByUser(buyerID int64) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byBuyer[buyerID]
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.records[id].Clone())
	}
	return out
}

// PurchaseTotal returns the gross amount a buyer has ever paid.
func (l *Ledger) PurchaseTotal(buyerID int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.purchaseTotals[buyerID]
}

// RefundTotal returns the amount refunded and credited to principal under
// the ledger's accounting policy.
func (l *Ledger) RefundTotal(principal int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refundTotals[principal]
}

// Accounting returns the ledger's refund accounting policy.
func (l *Ledger) Accounting() Accounting { return l.accounting }

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Stats summarizes the ledger.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Transactions: len(l.records),
		Buyers:       len(l.byBuyer),
	}
	for _, r := range l.records {
		s.PurchaseAmount += r.Amount
		if r.Refunded() {
			s.Refunded++
			s.RefundAmount += r.Amount
		} else {
			s.Active++
		}
		if r.PriceMismatch {
			s.PriceMismatch++
		}
	}
	return s
}

// Snapshot returns copies of all records in insertion order.
func (l *Ledger) Snapshot() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, compareRecords)
	return out
}

// Close closes the store. The ledger must not be used afterwards.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}

type nopStore struct{}

func (nopStore) Load(context.Context) (map[string]*Record, error) { return map[string]*Record{}, nil }
func (nopStore) Save(context.Context, map[string]*Record) error   { return nil }
func (nopStore) Close() error                                     { return nil }
