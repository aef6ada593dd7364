// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go.astrophena.name/starshop/internal/cli"
	"go.astrophena.name/starshop/internal/httplogger"
	"go.astrophena.name/starshop/internal/notify"
	"go.astrophena.name/starshop/internal/router"
	"go.astrophena.name/starshop/internal/store"
	"go.astrophena.name/starshop/internal/syncx"
	"go.astrophena.name/starshop/internal/systemd"
	"go.astrophena.name/starshop/internal/telegram"
	"go.astrophena.name/starshop/internal/web"
)

func (s *shop) serve(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	if s.tgToken == "" {
		return errNoToken
	}
	if s.adminID == 0 {
		return errNoAdminID
	}
	if s.host != "" && s.tgSecret == "" {
		return errors.New("TG_SECRET is required when HOST is set")
	}

	var scrubPairs []string
	for _, secret := range []string{s.tgToken, s.tgSecret} {
		if secret != "" {
			scrubPairs = append(scrubPairs, secret, "[EXPUNGED]")
		}
	}
	scrubber := strings.NewReplacer(scrubPairs...)
	httpc := s.httpc
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	if s.debug {
		httpc = &http.Client{
			Timeout:   httpc.Timeout,
			Transport: httplogger.New(httpc.Transport, s.log.Logger, scrubber.Replace),
		}
	}
	s.tg = telegram.New(telegram.Config{
		Token:      s.tgToken,
		BaseURL:    s.tgBaseURL,
		HTTPClient: httpc,
		Scrubber:   scrubber,
		Logger:     s.log.Logger,
	})

	me, err := s.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("checking bot token: %w", err)
	}
	s.log.Info("authorized", "bot", me.Username, "admin_id", s.adminID)

	l, err := s.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()
	s.ledger = l
	s.log.Info("ledger loaded", "transactions", l.Len(), "dsn", redactDSN(s.ledgerDSN))

	// Canceled on return, so store cleanup goroutines stop.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending, err := store.Open(ctx, s.pendingDSN, s.pendingTTL)
	if err != nil {
		return fmt.Errorf("opening pending store: %w", err)
	}
	defer pending.Close()

	rt, err := router.New(ctx, router.Config{
		Ledger:  l,
		Catalog: s.catalog,
		Gateway: notify.New(s.catalog, s.tg, s.adminID),
		Pending: pending,
	})
	if err != nil {
		return err
	}

	mux := s.adminMux()
	health := web.Health(mux)
	health.RegisterFunc("ledger", func() (string, bool) {
		return fmt.Sprintf("%d transactions", l.Len()), true
	})

	g, ctx := errgroup.WithContext(ctx)

	if s.host != "" {
		mux.Handle("POST /telegram", s.webhookHandler(rt))
		if err := s.tg.SetWebhook(ctx, "https://"+s.host+"/telegram", s.tgSecret); err != nil {
			return err
		}
		s.log.Info("receiving updates by webhook", "host", s.host)
	} else {
		if err := s.tg.DeleteWebhook(ctx); err != nil {
			return err
		}
		health.RegisterFunc("poller", s.pollHealth)
		g.Go(func() error { return s.poll(ctx, rt) })
		s.log.Info("receiving updates by long polling")
	}

	sd := systemd.FromEnv(env.Getenv, s.log.Logger)
	srv := &web.Server{
		Addr:       s.adminAddr,
		Mux:        mux,
		Debuggable: true,
		Logs:       s.logs,
		Ready: func() {
			sd.Notify(systemd.Ready)
			if s.ready != nil {
				s.ready()
			}
		},
	}
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error {
		sd.WatchdogLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sd.Notify(systemd.Stopping)
		return nil
	})

	return g.Wait()
}

const (
	pollTimeout = 50 * time.Second
	maxBackoff  = time.Minute
)

// poll receives updates by long polling until ctx is canceled, handling up
// to s.workers of them at once.
func (s *shop) poll(ctx context.Context, rt *router.Router) error {
	workers := max(s.workers, 1)
	lwg := syncx.NewLimitedWaitGroup(workers)
	defer lwg.Wait()

	var (
		offset  int64
		backoff time.Duration
	)
	for {
		updates, err := s.tg.GetUpdates(ctx, offset, pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.pollErrors.Add(1)
			backoff = min(max(2*backoff, time.Second), maxBackoff)
			s.log.Warn("getting updates failed", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		s.lastPoll.Store(time.Now().Unix())

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			lwg.Go(func() { s.handle(ctx, rt, &u) })
		}
	}
}

func (s *shop) handle(ctx context.Context, rt *router.Router, u *telegram.Update) {
	if err := rt.Handle(ctx, u); err != nil {
		s.log.Error("handling update failed", "update_id", u.UpdateID, "err", err)
	}
}

func (s *shop) pollHealth() (string, bool) {
	last := s.lastPoll.Load()
	if last == 0 {
		return "waiting for the first poll", true
	}
	ago := time.Since(time.Unix(last, 0)).Round(time.Second)
	status := fmt.Sprintf("last poll %v ago, %d errors", ago, s.pollErrors.Load())
	return status, ago < 2*pollTimeout+maxBackoff
}

// webhookHandler serves updates sent by Telegram. Requests without the
// secret token look like a missing page.
func (s *shop) webhookHandler(rt *router.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validSecret(r.Header.Get("X-Telegram-Bot-Api-Secret-Token"), s.tgSecret) {
			web.RespondJSONError(w, r, web.ErrNotFound)
			return
		}
		var u telegram.Update
		if err := decodeJSON(r, &u); err != nil {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
			return
		}
		s.handle(r.Context(), rt, &u)
		web.RespondJSON(w, map[string]string{"status": "success"})
	})
}

// redactDSN hides the password of a database URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(userinfo, ":")
	return scheme + "://" + user + ":xxxxx@" + host
}
