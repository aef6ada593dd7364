// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.astrophena.name/starshop/internal/ledger"
	"go.astrophena.name/starshop/internal/web"
)

const maxBodySize = 1 << 20

// adminMux returns the admin API routes. It is read-only: refunds go
// through the bot, where they are authorized and the buyer is notified.
func (s *shop) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})
	mux.HandleFunc("GET /api/transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("GET /api/users/{id}/transactions", s.handleGetUserTransactions)
	mux.HandleFunc("GET /api/stats", s.handleGetStats)

	dbg := web.Debugger(mux)
	dbg.KVFunc("Transactions", func() any { return s.ledger.Len() })
	dbg.KV("Refund accounting", s.ledger.Accounting())
	dbg.Link("/api/stats", "Stats")

	return mux
}

func (s *shop) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Lookup(r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrNotFound, err))
		return
	}
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, rec)
}

func (s *shop) handleGetUserTransactions(w http.ResponseWriter, r *http.Request) {
	buyerID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: invalid user ID", web.ErrBadRequest))
		return
	}
	web.RespondJSON(w, buyerHistory(s.ledger, buyerID))
}

type statsResponse struct {
	ledger.Stats
	Accounting ledger.Accounting `json:"refund_accounting"`
}

func (s *shop) handleGetStats(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, statsResponse{
		Stats:      s.ledger.Stats(),
		Accounting: s.ledger.Accounting(),
	})
}

func validSecret(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func decodeJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
