// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package ledger

import (
	"cmp"
	"time"
)

// Status is the state of a transaction record.
type Status string

// A record starts active and can be refunded once.
const (
	StatusActive   Status = "active"
	StatusRefunded Status = "refunded"
)

// Record is one purchase.
type Record struct {
	ID        string `json:"id"`
	Seq       uint64 `json:"seq"` // insertion order
	BuyerID   int64  `json:"buyer_id"`
	BuyerName string `json:"buyer_name"`
	ItemID    string `json:"item_id"`
	// Amount is what the platform confirmed. It is never recomputed from the
	// catalog.
	Amount        int64     `json:"amount"`
	ListPrice     int64     `json:"list_price,omitempty"`
	PriceMismatch bool      `json:"price_mismatch,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	RefundedBy    int64     `json:"refunded_by,omitempty"`
	RefundedAt    time.Time `json:"refunded_at,omitzero"`
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Refunded reports whether r was refunded.
func (r *Record) Refunded() bool { return r.Status == StatusRefunded }

// compareRecords orders records by insertion.
func compareRecords(a, b *Record) int {
	return cmp.Or(
		cmp.Compare(a.Seq, b.Seq),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.ID, b.ID),
	)
}

// Purchase is a completed payment to record.
type Purchase struct {
	BuyerID   int64
	BuyerName string
	ItemID    string
	Amount    int64 // confirmed by the platform
	// ChargeID is the platform's payment id. If empty, a random id is
	// generated.
	ChargeID string
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	Record  *Record
	BuyerID int64
	Amount  int64
}

// Stats summarizes the ledger.
type Stats struct {
	Transactions   int   `json:"transactions"`
	Active         int   `json:"active"`
	Refunded       int   `json:"refunded"`
	PriceMismatch  int   `json:"price_mismatch"`
	Buyers         int   `json:"buyers"`
	PurchaseAmount int64 `json:"purchase_amount"`
	RefundAmount   int64 `json:"refund_amount"`
}
