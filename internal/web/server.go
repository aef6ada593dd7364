// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.astrophena.name/starshop/internal/logger"
)

// Server is an HTTP server that serves Mux, registers internal routes on
// it and shuts down gracefully when the context passed to ListenAndServe is
// canceled.
//
// All fields of Server can't be modified after ListenAndServe is called.
type Server struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Mux is a http.ServeMux to serve.
	Mux *http.ServeMux
	// Debuggable specifies whether to register debug handlers at /debug/.
	Debuggable bool
	// Logs, if set, is served at /debug/logs when Debuggable is true.
	Logs logger.Streamer
	// Ready is called, if set, once the server is listening.
	Ready func()
	// ShutdownTimeout limits graceful shutdown. Zero means 30 seconds.
	ShutdownTimeout time.Duration
}

var (
	errNoAddr = errors.New("Addr is empty")
	errNilMux = errors.New("Mux is nil")
)

// ListenAndServe starts the HTTP server and blocks until ctx is canceled or
// the server fails. Requests are served with contexts derived from ctx, so
// handlers see the same [logger.Logger].
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}
	log := logger.Get(ctx)

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer l.Close()
	log.Info("listening", "addr", l.Addr().String())

	s.initInternalRoutes()

	hs := &http.Server{
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
		Handler:           setHeaders(s.Mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.Ready != nil {
		s.Ready()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("gracefully shutting down")

		timeout := s.ShutdownTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		return hs.Shutdown(shutdownCtx)
	}
}

func (s *Server) initInternalRoutes() {
	Health(s.Mux)
	if s.Debuggable {
		dbg := Debugger(s.Mux)
		if s.Logs != nil {
			dbg.Handle("logs", "Logs", s.Logs)
		}
	}
}

func setHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
