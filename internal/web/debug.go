// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file located at
// https://github.com/tailscale/tailscale/blob/main/LICENSE.

// Adapted from https://pkg.go.dev/tailscale.com/tsweb#Debugger.

package web

import (
	"cmp"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"go.astrophena.name/starshop/internal/version"
)

// DebugHandler is an [http.Handler] that serves a JSON debugging index at
// /debug/ and provides helpers to register more debug endpoints.
//
// Methods of DebugHandler can be safely called by multiple goroutines.
type DebugHandler struct {
	mux     *http.ServeMux // where this handler is registered
	mu      sync.RWMutex   // covers all fields below
	kvfuncs []kvfunc
	links   []Link
}

type kvfunc struct {
	k string
	v func() any
}

// Link is a debug endpoint listed on the index.
type Link struct {
	URL  string `json:"url"`
	Desc string `json:"desc"`
}

// DebugResponse is the body served at /debug/.
type DebugResponse struct {
	Version version.Info   `json:"version"`
	KV      map[string]any `json:"kv"`
	Links   []Link         `json:"links"`
}

// Debugger returns the [DebugHandler] registered on mux at /debug/, creating
// it if necessary.
func Debugger(mux *http.ServeMux) *DebugHandler {
	h, pat := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/"}})
	if d, ok := h.(*DebugHandler); ok && pat == "/debug/" {
		return d
	}
	ret := &DebugHandler{mux: mux}
	mux.Handle("/debug/", ret)

	if hostname, err := os.Hostname(); err == nil {
		ret.KV("Machine", hostname)
	}
	ret.KVFunc("Uptime", uptime)
	ret.KVFunc("Goroutines", func() any { return runtime.NumGoroutine() })
	ret.Handle("pprof/", "pprof", http.HandlerFunc(pprof.Index))
	ret.Handle("gc", "Force GC", http.HandlerFunc(serveGC))
	// Covered by the /pprof/ index.
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))

	return ret
}

func serveGC(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Running GC...\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	runtime.GC()
	w.Write([]byte("Done.\n"))
}

var timeStart = time.Now()

func uptime() any { return time.Since(timeStart).Round(time.Second).String() }

// ServeHTTP implements the [http.Handler] interface.
func (d *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/debug/" {
		// Sub-handlers are handled by the parent mux directly.
		RespondJSONError(w, r, ErrNotFound)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	resp := &DebugResponse{
		Version: version.Version(),
		KV:      make(map[string]any, len(d.kvfuncs)),
		Links:   d.links,
	}
	for _, kvf := range d.kvfuncs {
		resp.KV[kvf.k] = kvf.v()
	}
	RespondJSON(w, resp)
}

// Handle registers handler at /debug/<slug> and creates a descriptive entry in
// /debug/ for it.
func (d *DebugHandler) Handle(slug, desc string, handler http.Handler) {
	href := "/debug/" + slug
	d.mux.Handle(href, handler)
	d.Link(href, desc)
}

// KV adds a key/value item to /debug/.
func (d *DebugHandler) KV(k string, v any) {
	d.KVFunc(k, func() any { return v })
}

// KVFunc adds a key/value item to /debug/. v is called on every request to
// /debug/.
func (d *DebugHandler) KVFunc(k string, v func() any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kvfuncs = append(d.kvfuncs, kvfunc{k, v})
}

// Link adds a link to /debug/ pointing to url.
func (d *DebugHandler) Link(url, desc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links = append(d.links, Link{url, desc})
	slices.SortStableFunc(d.links, func(a, b Link) int {
		return cmp.Compare(a.Desc, b.Desc)
	})
}
