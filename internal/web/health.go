// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"go.astrophena.name/starshop/internal/syncx"
)

// Health returns the [HealthHandler] registered on mux at /health, creating it
// if necessary.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{URL: &url.URL{Path: "/health"}})
	if hh, ok := h.(*HealthHandler); ok && pat == "/health" {
		return hh
	}
	ret := &HealthHandler{
		checks: syncx.Protect(make(checksMap)),
	}
	mux.Handle("/health", ret)
	return ret
}

// HealthHandler reports whether the shop can take payments: the ledger is
// loaded and, in polling mode, updates keep arriving.
//
// GET /health runs every check. GET /health?check=ledger runs only the named
// one, so a monitor can watch the poller separately from the ledger.
type HealthHandler struct{ checks *syncx.Protected[checksMap] }

type checksMap = map[string]HealthFunc

// HealthFunc reports the state of one subsystem, such as the ledger store or
// the update poller. It must be safe for concurrent use.
type HealthFunc func() (status string, ok bool)

// RegisterFunc adds a check under name. It panics if name is taken.
func (h *HealthHandler) RegisterFunc(name string, f HealthFunc) {
	h.checks.WriteAccess(func(checks checksMap) {
		if _, dup := checks[name]; dup {
			panic("health: check " + name + " is already registered")
		}
		checks[name] = f
	})
}

// HealthResponse is the body of a /health response.
type HealthResponse struct {
	OK      bool                     `json:"ok"`
	Checks  map[string]CheckResponse `json:"checks"`
	Failing []string                 `json:"failing,omitempty"` // sorted
}

// CheckResponse is the result of a single check.
type CheckResponse struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

// ServeHTTP implements the [http.Handler] interface. It responds with 503
// when any of the checks it ran failed.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	only := r.URL.Query().Get("check")

	var (
		hr    = &HealthResponse{OK: true, Checks: make(map[string]CheckResponse)}
		found bool
	)
	h.checks.ReadAccess(func(checks checksMap) {
		for _, name := range slices.Sorted(maps.Keys(checks)) {
			if only != "" && name != only {
				continue
			}
			found = true
			status, ok := checks[name]()
			if !ok {
				hr.OK = false
				hr.Failing = append(hr.Failing, name)
			}
			hr.Checks[name] = CheckResponse{Status: status, OK: ok}
		}
	})
	if only != "" && !found {
		RespondJSONError(w, r, fmt.Errorf("health check %q %w", only, ErrNotFound))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !hr.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	RespondJSON(w, hr)
}
