// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"go.astrophena.name/starshop/internal/catalog"
	"go.astrophena.name/starshop/internal/cli"
	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/logger"
	"go.astrophena.name/starshop/internal/telegram"
	"go.astrophena.name/starshop/internal/txstore"
)

var (
	errNoToken   = errors.New("TELEGRAM_TOKEN is not set")
	errNoAdminID = errors.New("ADMIN_ID is not set or is not a number")
)

func main() { cli.Main(new(shop)) }

func (s *shop) Flags(fs *flag.FlagSet) {
	fs.StringVar(&s.adminAddr, "addr", "", "Listen on `host:port` for the admin API.")
	fs.StringVar(&s.catalogPath, "catalog", "", "Load the catalog from `file` (config.star or YAML).")
	fs.BoolVar(&s.debug, "debug", false, "Enable debug logging, including Bot API requests.")
	fs.BoolVar(&s.json, "json", false, "Output in JSON format (honored by catalog).")
	fs.StringVar(&s.ledgerDSN, "ledger", "", "Store transactions at `dsn`.")
	fs.StringVar(&s.pendingDSN, "pending", "", "Store admin conversation state at `dsn`.")
	fs.DurationVar(&s.pendingTTL, "pending-ttl", 5*time.Minute, "Abandon admin commands waiting for input after this `duration`.")
	fs.StringVar(&s.accounting, "refund-accounting", "", "Credit refunds to the `requester` or the buyer.")
	fs.IntVar(&s.workers, "workers", 8, "Handle at most `n` updates at once.")
}

func (s *shop) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	s.adminAddr = cmp.Or(s.adminAddr, env.Getenv("ADMIN_ADDR"), "localhost:3000")
	s.adminID = cmp.Or(s.adminID, parseInt(env.Getenv("ADMIN_ID")))
	s.accounting = cmp.Or(s.accounting, env.Getenv("REFUND_ACCOUNTING"))
	s.catalogPath = cmp.Or(s.catalogPath, env.Getenv("CATALOG"))
	s.host = cmp.Or(s.host, env.Getenv("HOST"))
	s.tgSecret = cmp.Or(s.tgSecret, env.Getenv("TG_SECRET"))
	s.tgToken = cmp.Or(s.tgToken, env.Getenv("TELEGRAM_TOKEN"), env.Getenv("BOT_TOKEN"))
	if ttl := env.Getenv("PENDING_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("%w: PENDING_TTL: %v", cli.ErrInvalidArgs, err)
		}
		s.pendingTTL = d
	}
	if s.pendingTTL <= 0 {
		return fmt.Errorf("%w: pending TTL must be positive", cli.ErrInvalidArgs)
	}

	s.ledgerDSN = cmp.Or(s.ledgerDSN, env.Getenv("LEDGER_DSN"))
	s.pendingDSN = cmp.Or(s.pendingDSN, env.Getenv("PENDING_DSN"))
	if s.ledgerDSN == "" || s.pendingDSN == "" {
		stateDir, err := s.stateDirectory(env)
		if err != nil {
			return err
		}
		s.ledgerDSN = cmp.Or(s.ledgerDSN, filepath.Join(stateDir, "transactions.json"))
		s.pendingDSN = cmp.Or(s.pendingDSN, filepath.Join(stateDir, "pending.json"))
	}

	s.logs = logger.NewStreamer(logLineLimit)
	s.log = logger.New(io.MultiWriter(env.Stderr, s.logs))
	if s.debug {
		s.log.Level.Set(slog.LevelDebug)
	}
	ctx = logger.Put(ctx, s.log)

	cat, err := s.loadCatalog()
	if err != nil {
		return err
	}
	s.catalog = cat

	command := "serve"
	if len(env.Args) > 0 {
		command = env.Args[0]
	}
	args := env.Args[min(1, len(env.Args)):]

	switch command {
	case "serve":
		return s.serve(ctx)
	case "catalog":
		return s.printCatalog(env.Stdout)
	case "lookup":
		if len(args) != 1 {
			return fmt.Errorf("%w: lookup expects a transaction ID", cli.ErrInvalidArgs)
		}
		return s.withLedger(ctx, func(l *ledger.Ledger) error {
			rec, err := l.Lookup(args[0])
			if err != nil {
				return err
			}
			return printJSON(env.Stdout, rec)
		})
	case "history":
		if len(args) != 1 {
			return fmt.Errorf("%w: history expects a buyer ID", cli.ErrInvalidArgs)
		}
		buyerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid buyer ID %q", cli.ErrInvalidArgs, args[0])
		}
		return s.withLedger(ctx, func(l *ledger.Ledger) error {
			return printJSON(env.Stdout, buyerHistory(l, buyerID))
		})
	case "refund":
		if len(args) != 1 {
			return fmt.Errorf("%w: refund expects a transaction ID", cli.ErrInvalidArgs)
		}
		if s.adminID == 0 {
			return errNoAdminID
		}
		return s.withLedger(ctx, func(l *ledger.Ledger) error {
			res, err := l.Refund(ctx, s.adminID, args[0])
			if err != nil && !ledger.IsWarning(err) {
				return err
			}
			if err != nil {
				s.log.Warn("refund applied with warnings", "err", err)
			}
			fmt.Fprintf(env.Stdout, "Refunded %d⭐ of transaction %s to buyer %d.\n", res.Amount, res.Record.ID, res.BuyerID)
			return nil
		})
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

const logLineLimit = 300

type shop struct {
	// configuration
	accounting  string
	adminAddr   string
	adminID     int64
	catalogPath string
	debug       bool
	host        string
	json        bool
	ledgerDSN   string
	pendingDSN  string
	pendingTTL  time.Duration
	tgSecret    string
	tgToken     string
	workers     int

	// initialized by Run and serve
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	log     *logger.Logger
	logs    logger.Streamer
	tg      *telegram.Client

	// polling status, for health checks
	lastPoll   atomic.Int64 // unix seconds
	pollErrors atomic.Int64

	// for tests
	httpc     *http.Client
	tgBaseURL string
	ready     func() // see web.Server.Ready
	stateDir  string // overrides stateDirectory
}

func parseInt(s string) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i
	}
	return 0
}

func (s *shop) stateDirectory(env *cli.Env) (string, error) {
	if s.stateDir != "" {
		return s.stateDir, nil
	}
	dir := env.Getenv("STATE_DIRECTORY")
	if dir == "" {
		xdgStateHome := env.Getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(xdgStateHome, "starshop")
	}
	// systemd may pass several colon-separated directories.
	dir, _, _ = strings.Cut(dir, ":")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *shop) loadCatalog() (*catalog.Catalog, error) {
	if s.catalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(s.catalogPath)
}

func (s *shop) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	st, err := txstore.Open(ctx, s.ledgerDSN)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}
	accounting, err := ledger.ParseAccounting(s.accounting)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
	}
	l, err := ledger.New(ctx, ledger.Config{
		Catalog:    s.catalog,
		Store:      st,
		Accounting: accounting,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return l, nil
}

func (s *shop) withLedger(ctx context.Context, f func(*ledger.Ledger) error) error {
	l, err := s.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()
	return f(l)
}

func (s *shop) printCatalog(w io.Writer) error {
	items := s.catalog.Items()
	if s.json {
		return printJSON(w, items)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tDESCRIPTION")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d⭐\t%s\n", item.ID, item.Name, item.Price, item.Description)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// history is the transactions of a buyer with totals.
type history struct {
	BuyerID       int64            `json:"buyer_id"`
	Transactions  []*ledger.Record `json:"transactions"`
	PurchaseTotal int64            `json:"purchase_total"`
	RefundedTotal int64            `json:"refunded_total"`
}

func buyerHistory(l *ledger.Ledger, buyerID int64) history {
	h := history{
		BuyerID:       buyerID,
		Transactions:  l.ListByUser(buyerID),
		PurchaseTotal: l.PurchaseTotal(buyerID),
	}
	for _, r := range h.Transactions {
		if r.Refunded() {
			h.RefundedTotal += r.Amount
		}
	}
	return h
}
