// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package txstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/starshop/internal/atomicio"
	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/filelock"
	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/testutil"
)

var (
	created  = time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	refunded = created.Add(time.Hour)
)

func testRecords() map[string]*ledger.Record {
	return map[string]*ledger.Record{
		"c1": {
			ID: "c1", Seq: 1, BuyerID: 42, BuyerName: "@alice", ItemID: "stars_100",
			Amount: 100, Status: ledger.StatusActive, CreatedAt: created,
		},
		"c2": {
			ID: "c2", Seq: 2, BuyerID: 42, BuyerName: "@alice", ItemID: "stars_500",
			Amount: 450, ListPrice: 500, PriceMismatch: true,
			Status: ledger.StatusRefunded, CreatedAt: created.Add(time.Minute),
			RefundedBy: 1, RefundedAt: refunded,
		},
		"c3": {
			ID: "c3", Seq: 3, BuyerID: 7, BuyerName: "ID:7", ItemID: "stars_100",
			Amount: 100, Status: ledger.StatusActive, CreatedAt: created.Add(2 * time.Minute),
		},
	}
}

// testRoundTrip checks that records survive a save and load, and that a save
// replaces what was stored before.
func testRoundTrip(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(empty), 0)

	want := testRecords()
	if err := s.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, want)

	// Refund c1 and drop c3.
	next := testRecords()
	next["c1"].Status = ledger.StatusRefunded
	next["c1"].RefundedBy = 1
	next["c1"].RefundedAt = refunded
	delete(next, "c3")
	if err := s.Save(ctx, next); err != nil {
		t.Fatal(err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, next)
}

func TestNop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s Nop
	if err := s.Save(ctx, testRecords()); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(got), 0)
}

func TestJSONFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "transactions.json")
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testRoundTrip(t, s)

	backups, err := atomicio.Backups(path)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(backups), 1)
}

func TestJSONFileLegacy(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "transactions.json")
	const legacy = `{
    "stxABC": {
        "user_id": 42,
        "username": "alice",
        "stars": 100,
        "item": "FARM GIFT STAR ✨"
    }
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, map[string]*ledger.Record{
		"stxABC": {
			ID:        "stxABC",
			BuyerID:   42,
			BuyerName: "alice",
			ItemID:    "FARM GIFT STAR ✨",
			Amount:    100,
			Status:    ledger.StatusActive,
		},
	})
	// Five default items share this name.
	if _, ok := catalog.Default().Lookup(got["stxABC"].ItemID); ok {
		t.Fatal("legacy item name resolved as an item ID")
	}
}

func TestJSONFileLocked(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "transactions.json")
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenJSONFile(path); !errors.Is(err, filelock.ErrAlreadyLocked) {
		t.Fatalf("second open: got %v, want %v", err, filelock.ErrAlreadyLocked)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	reopened.Close()
}

func TestJSONFileCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "transactions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("Load succeeded on a corrupt file")
	}
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testRoundTrip(t, s)
}

func TestPostgres(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL is not set")
	}
	s, err := OpenPostgres(context.Background(), databaseURL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.pool.Exec(context.Background(), `DELETE FROM transactions;`); err != nil {
		t.Fatal(err)
	}
	testRoundTrip(t, s)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	cases := map[string]struct {
		dsn  string
		want string
	}{
		"empty":       {"", "txstore.Nop"},
		"mem":         {"mem:", "txstore.Nop"},
		"sqlite":      {"sqlite:" + filepath.Join(dir, "ledger.db"), "*txstore.SQLite"},
		"file prefix": {"file:" + filepath.Join(dir, "a.json"), "*txstore.JSONFile"},
		"plain path":  {filepath.Join(dir, "b.json"), "*txstore.JSONFile"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := Open(ctx, tc.dsn)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			testutil.AssertEqual(t, typeName(s), tc.want)
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case Nop:
		return "txstore.Nop"
	case *SQLite:
		return "*txstore.SQLite"
	case *JSONFile:
		return "*txstore.JSONFile"
	case *Postgres:
		return "*txstore.Postgres"
	}
	return "unknown"
}

// A ledger backed by a file survives a restart with its totals intact.
func TestLedgerRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "transactions.json")
	cat := catalog.Default()

	open := func() *ledger.Ledger {
		s, err := Open(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		l, err := ledger.New(ctx, ledger.Config{Catalog: cat, Store: s})
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	l := open()
	for _, id := range []string{"c1", "c2"} {
		if _, err := l.RecordPurchase(ctx, ledger.Purchase{BuyerID: 42, BuyerName: "@alice", ItemID: "stars_200", Amount: 200, ChargeID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.Refund(ctx, 1, "c1"); err != nil {
		t.Fatal(err)
	}
	before := l.Snapshot()
	l.Close()

	reopened := open()
	defer reopened.Close()
	testutil.AssertEqual(t, reopened.Snapshot(), before)
	testutil.AssertEqual(t, reopened.PurchaseTotal(42), int64(400))
	testutil.AssertEqual(t, reopened.RefundTotal(1), int64(200))
}
