// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides a http.RoundTripper middleware that logs
// outgoing requests at the debug level.
package httplogger

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t. If
// t is nil, http.DefaultTransport is used. scrub, if not nil, is applied to
// URLs and errors before they are logged.
func New(t http.RoundTripper, log *slog.Logger, scrub func(string) string) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	if scrub == nil {
		scrub = func(s string) string { return s }
	}
	return &loggingTransport{transport: t, log: log, scrub: scrub}
}

type loggingTransport struct {
	transport http.RoundTripper
	log       *slog.Logger
	scrub     func(string) string
	seq       atomic.Int64
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	if !t.log.Enabled(ctx, slog.LevelDebug) {
		return t.transport.RoundTrip(r)
	}

	log := t.log.With(
		slog.Int64("http_request", t.seq.Add(1)),
		slog.String("method", r.Method),
		slog.String("url", t.scrub(r.URL.String())),
	)
	log.DebugContext(ctx, "HTTP request started")

	start := time.Now()
	resp, err := t.transport.RoundTrip(r)
	took := slog.Duration("took", time.Since(start))

	if err != nil {
		log.DebugContext(ctx, "HTTP request failed", took, slog.String("err", t.scrub(err.Error())))
		return resp, err
	}
	log.DebugContext(ctx, "HTTP request finished", took, slog.Int("status", resp.StatusCode))
	return resp, nil
}
