// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/testutil"
)

const adminID = 1

var testTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeCatalog map[string]int64

func (c fakeCatalog) Lookup(id string) (catalog.Item, bool) {
	price, ok := c[id]
	if !ok {
		return catalog.Item{}, false
	}
	return catalog.Item{ID: id, Name: "FARM GIFT STAR ✨", Price: price}, true
}

var testCatalog = fakeCatalog{"stars_100": 100, "stars_500": 500}

// memStore keeps snapshots in memory and fails saves while failing is set.
type memStore struct {
	mu      sync.Mutex
	saved   map[string]*Record
	saves   int
	failing bool
	closed  bool
}

func (s *memStore) Load(context.Context) (map[string]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Record, len(s.saved))
	for id, r := range s.saved {
		out[id] = r.Clone()
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, snapshot map[string]*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.saved = snapshot
	s.saves++
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestLedger(t *testing.T, store Store, accounting Accounting) *Ledger {
	t.Helper()
	var n int
	l, err := New(context.Background(), Config{
		Catalog:    testCatalog,
		Store:      store,
		Accounting: accounting,
		Now:        func() time.Time { return testTime },
		NewID: func() string {
			n++
			return fmt.Sprintf("gen%d", n)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mustPurchase(t *testing.T, l *Ledger, p Purchase) *Record {
	t.Helper()
	r, err := l.RecordPurchase(context.Background(), p)
	if err != nil {
		t.Fatalf("RecordPurchase(%+v): %v", p, err)
	}
	return r
}

func TestRecordPurchase(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")

	got := mustPurchase(t, l, Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100", Amount: 100, ChargeID: "c1"})
	want := &Record{
		ID:        "c1",
		Seq:       1,
		BuyerID:   42,
		BuyerName: "@alice",
		ItemID:    "stars_100",
		Amount:    100,
		Status:    StatusActive,
		CreatedAt: testTime,
	}
	testutil.AssertEqual(t, got, want)

	looked, err := l.Lookup("c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, looked, want)
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(100))
	testutil.AssertEqual(t, l.Len(), 1)
}

func TestRecordPurchaseReturnsCopy(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")

	r := mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c1"})
	r.Status = StatusRefunded
	r.Amount = 1

	looked, err := l.Lookup("c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, looked.Status, StatusActive)
	testutil.AssertEqual(t, looked.Amount, int64(100))
}

func TestRecordPurchaseGeneratesID(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")

	a := mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100})
	b := mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100})
	testutil.AssertEqual(t, a.ID, "gen1")
	testutil.AssertEqual(t, b.ID, "gen2")
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(200))
}

func TestRecordPurchaseDefaultID(t *testing.T) {
	t.Parallel()
	l, err := New(context.Background(), Config{Catalog: testCatalog})
	if err != nil {
		t.Fatal(err)
	}
	a := mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100})
	b := mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100})
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("generated ids %q and %q are not unique", a.ID, b.ID)
	}
}

func TestRecordPurchaseRejections(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		p       Purchase
		wantErr error
	}{
		"unknown item": {
			p:       Purchase{BuyerID: 42, ItemID: "stars_999", Amount: 999, ChargeID: "x"},
			wantErr: ErrUnknownItem,
		},
		"zero amount": {
			p:       Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 0, ChargeID: "x"},
			wantErr: ErrInvalidAmount,
		},
		"negative amount": {
			p:       Purchase{BuyerID: 42, ItemID: "stars_100", Amount: -100, ChargeID: "x"},
			wantErr: ErrInvalidAmount,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := &memStore{}
			l := newTestLedger(t, store, "")
			r, err := l.RecordPurchase(context.Background(), tc.p)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if IsWarning(err) {
				t.Fatalf("IsWarning(%v) = true for a rejection", err)
			}
			if r != nil {
				t.Fatalf("got record %+v on rejection", r)
			}
			testutil.AssertEqual(t, l.Len(), 0)
			testutil.AssertEqual(t, l.PurchaseTotal(42), int64(0))
			testutil.AssertEqual(t, store.saves, 0)
		})
	}
}

func TestRecordPurchaseDuplicate(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")

	first := mustPurchase(t, l, Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100", Amount: 100, ChargeID: "c2"})
	second, err := l.RecordPurchase(context.Background(), Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100", Amount: 100, ChargeID: "c2"})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("got error %v, want %v", err, ErrDuplicateTransaction)
	}
	testutil.AssertEqual(t, second, first)
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(100))
	testutil.AssertEqual(t, l.Len(), 1)
	testutil.AssertEqual(t, store.saves, 1)
}

func TestRecordPurchasePriceMismatch(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")

	r, err := l.RecordPurchase(context.Background(), Purchase{BuyerID: 42, ItemID: "stars_500", Amount: 450, ChargeID: "c3"})
	if !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("got error %v, want %v", err, ErrPriceMismatch)
	}
	if !IsWarning(err) {
		t.Fatalf("IsWarning(%v) = false", err)
	}
	var pm *PriceMismatchError
	if !errors.As(err, &pm) {
		t.Fatalf("error %v is not a *PriceMismatchError", err)
	}
	testutil.AssertEqual(t, *pm, PriceMismatchError{ID: "c3", ItemID: "stars_500", ListPrice: 500, Amount: 450})

	testutil.AssertEqual(t, r.Amount, int64(450))
	testutil.AssertEqual(t, r.ListPrice, int64(500))
	testutil.AssertEqual(t, r.PriceMismatch, true)
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(450))
	testutil.AssertEqual(t, l.Stats().PriceMismatch, 1)
}

func TestRecordPurchasePersistenceFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{failing: true}
	l := newTestLedger(t, store, "")

	r, err := l.RecordPurchase(context.Background(), Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c4"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got error %v, want %v", err, ErrPersistence)
	}
	if !IsWarning(err) {
		t.Fatalf("IsWarning(%v) = false", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *PersistenceError", err)
	}
	testutil.AssertEqual(t, pe.Op, "purchase c4")
	if r == nil || r.ID != "c4" {
		t.Fatalf("got record %+v, want c4", r)
	}
	// The mutation is kept in memory.
	if _, err := l.Lookup("c4"); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(100))

	// The next successful save includes it.
	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c5"})
	testutil.AssertEqual(t, len(store.saved), 2)
}

func TestRefund(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")
	ctx := context.Background()

	mustPurchase(t, l, Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100", Amount: 100, ChargeID: "c1"})

	res, err := l.Refund(ctx, adminID, "c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res.BuyerID, int64(42))
	testutil.AssertEqual(t, res.Amount, int64(100))
	testutil.AssertEqual(t, res.Record.Status, StatusRefunded)
	testutil.AssertEqual(t, res.Record.RefundedBy, int64(adminID))
	testutil.AssertEqual(t, res.Record.RefundedAt, testTime)

	looked, err := l.Lookup("c1")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, looked.Status, StatusRefunded)
	testutil.AssertEqual(t, l.RefundTotal(adminID), int64(100))
	// Purchases are a history of gross spend.
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(100))
	testutil.AssertEqual(t, store.saved["c1"].Status, StatusRefunded)

	res, err = l.Refund(ctx, adminID, "c1")
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("got error %v, want %v", err, ErrAlreadyRefunded)
	}
	testutil.AssertEqual(t, res.Record.ID, "c1")
	testutil.AssertEqual(t, l.RefundTotal(adminID), int64(100))
	testutil.AssertEqual(t, store.saves, 2)
}

func TestRefundNotFound(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")
	mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c1"})
	before := l.Snapshot()

	res, err := l.Refund(context.Background(), adminID, "zzz")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, ErrNotFound)
	}
	if res != nil {
		t.Fatalf("got result %+v, want nil", res)
	}
	testutil.AssertEqual(t, l.Snapshot(), before)
	testutil.AssertEqual(t, l.RefundTotal(adminID), int64(0))
	testutil.AssertEqual(t, store.saves, 1)
}

func TestRefundPersistenceFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")
	mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c1"})

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()

	res, err := l.Refund(context.Background(), adminID, "c1")
	if !errors.Is(err, ErrPersistence) || !IsWarning(err) {
		t.Fatalf("got error %v, want a persistence warning", err)
	}
	testutil.AssertEqual(t, res.Amount, int64(100))
	testutil.AssertEqual(t, l.RefundTotal(adminID), int64(100))
}

func TestRefundAccounting(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		accounting    Accounting
		wantPrincipal int64
	}{
		"default":   {"", adminID},
		"requester": {AccountRequester, adminID},
		"buyer":     {AccountBuyer, 42},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := newTestLedger(t, nil, tc.accounting)
			mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_500", Amount: 500, ChargeID: "c1"})
			if _, err := l.Refund(context.Background(), adminID, "c1"); err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, l.RefundTotal(tc.wantPrincipal), int64(500))
		})
	}
}

func TestParseAccounting(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Accounting{
		"":          AccountRequester,
		"requester": AccountRequester,
		"buyer":     AccountBuyer,
	} {
		got, err := ParseAccounting(in)
		if err != nil {
			t.Fatalf("ParseAccounting(%q): %v", in, err)
		}
		testutil.AssertEqual(t, got, want)
	}
	if _, err := ParseAccounting("admin"); err == nil {
		t.Fatal("ParseAccounting(\"admin\") succeeded")
	}
	if _, err := New(context.Background(), Config{Catalog: testCatalog, Accounting: "admin"}); err == nil {
		t.Fatal("New with bad accounting succeeded")
	}
}

func TestListByUser(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")

	for i, id := range []string{"b", "a", "c"} {
		mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: id})
		mustPurchase(t, l, Purchase{BuyerID: 7, ItemID: "stars_500", Amount: 500, ChargeID: fmt.Sprintf("other%d", i)})
	}

	var ids []string
	for _, r := range l.ListByUser(42) {
		ids = append(ids, r.ID)
	}
	testutil.AssertEqual(t, ids, []string{"b", "a", "c"})
	testutil.AssertEqual(t, len(l.ListByUser(7)), 3)
	testutil.AssertEqual(t, len(l.ListByUser(1000)), 0)
}

func TestStats(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")
	ctx := context.Background()

	mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c1"})
	mustPurchase(t, l, Purchase{BuyerID: 7, ItemID: "stars_500", Amount: 500, ChargeID: "c2"})
	if _, err := l.RecordPurchase(ctx, Purchase{BuyerID: 7, ItemID: "stars_500", Amount: 400, ChargeID: "c3"}); !IsWarning(err) {
		t.Fatalf("got error %v, want a price mismatch warning", err)
	}
	if _, err := l.Refund(ctx, adminID, "c2"); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, l.Stats(), Stats{
		Transactions:   3,
		Active:         2,
		Refunded:       1,
		PriceMismatch:  1,
		Buyers:         2,
		PurchaseAmount: 1000,
		RefundAmount:   500,
	})
}

func TestReload(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	ctx := context.Background()

	l := newTestLedger(t, store, AccountBuyer)
	mustPurchase(t, l, Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100", Amount: 100, ChargeID: "c1"})
	mustPurchase(t, l, Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_500", Amount: 500, ChargeID: "c2"})
	mustPurchase(t, l, Purchase{BuyerID: 7, BuyerName: "bob", ItemID: "stars_100", Amount: 100, ChargeID: "c3"})
	if _, err := l.Refund(ctx, adminID, "c2"); err != nil {
		t.Fatal(err)
	}
	before := l.Snapshot()

	reloaded := newTestLedger(t, store, AccountBuyer)
	testutil.AssertEqual(t, reloaded.Snapshot(), before)
	testutil.AssertEqual(t, reloaded.PurchaseTotal(42), int64(600))
	testutil.AssertEqual(t, reloaded.PurchaseTotal(7), int64(100))
	testutil.AssertEqual(t, reloaded.RefundTotal(42), int64(500))

	// Totals are derived, so a different policy credits the same refunds
	// differently.
	asRequester := newTestLedger(t, store, AccountRequester)
	testutil.AssertEqual(t, asRequester.RefundTotal(adminID), int64(500))
	testutil.AssertEqual(t, asRequester.RefundTotal(42), int64(0))

	// New records continue the sequence.
	r := mustPurchase(t, reloaded, Purchase{BuyerID: 7, ItemID: "stars_100", Amount: 100, ChargeID: "c4"})
	testutil.AssertEqual(t, r.Seq, uint64(4))
}

func TestReloadAssignsSequence(t *testing.T) {
	t.Parallel()
	store := &memStore{saved: map[string]*Record{
		"late":  {BuyerID: 1, ItemID: "stars_100", Amount: 100, CreatedAt: testTime.Add(time.Hour)},
		"early": {BuyerID: 1, ItemID: "stars_100", Amount: 100, CreatedAt: testTime},
	}}
	l := newTestLedger(t, store, "")

	var got []string
	for _, r := range l.ListByUser(1) {
		got = append(got, fmt.Sprintf("%s:%d:%s", r.ID, r.Seq, r.Status))
	}
	testutil.AssertEqual(t, got, []string{"early:1:active", "late:2:active"})
}

func TestConcurrentPurchases(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordPurchase(ctx, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: fmt.Sprintf("c%d", i)})
			errs <- err
		}()
		// Readers run alongside.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range l.ListByUser(42) {
				if r.Status != StatusActive {
					t.Errorf("record %s has status %q", r.ID, r.Status)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	testutil.AssertEqual(t, l.Len(), n)
	testutil.AssertEqual(t, l.PurchaseTotal(42), int64(n*100))
	testutil.AssertEqual(t, len(store.saved), n)
}

func TestConcurrentRefunds(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, nil, "")
	ctx := context.Background()
	mustPurchase(t, l, Purchase{BuyerID: 42, ItemID: "stars_100", Amount: 100, ChargeID: "c1"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Refund(ctx, adminID, "c1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, successes, 1)
	testutil.AssertEqual(t, l.RefundTotal(adminID), int64(100))
}

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()
	cat := catalog.Default()
	l, err := New(context.Background(), Config{Catalog: cat})
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range cat.Items() {
		r, err := l.RecordPurchase(context.Background(), Purchase{BuyerID: 42, ItemID: item.ID, Amount: item.Price})
		if err != nil {
			t.Fatalf("%s: %v", item.ID, err)
		}
		testutil.AssertEqual(t, r.Amount, item.Price)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	l := newTestLedger(t, store, "")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, store.closed, true)
}
