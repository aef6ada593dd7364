// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd signals readiness and keeps the watchdog alive when the
// shop runs as a systemd service.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notifier talks to the service manager. The zero value does nothing.
type Notifier struct {
	// Socket is the value of NOTIFY_SOCKET.
	Socket string
	// WatchdogUsec is the value of WATCHDOG_USEC.
	WatchdogUsec string
	Logger       *slog.Logger
}

// FromEnv returns a Notifier configured by getenv.
func FromEnv(getenv func(string) string, log *slog.Logger) *Notifier {
	return &Notifier{
		Socket:       getenv("NOTIFY_SOCKET"),
		WatchdogUsec: getenv("WATCHDOG_USEC"),
		Logger:       log,
	}
}

// Notify sends state to the service manager. Failures are logged.
func (n *Notifier) Notify(state State) {
	if n == nil || n.Socket == "" {
		return
	}
	if err := n.send(state); err != nil {
		n.logger().Warn("systemd: notifying failed", "state", string(state), "err", err)
	}
}

func (n *Notifier) send(state State) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: n.Socket})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// WatchdogLoop pings the watchdog at half its interval until ctx is
// canceled. It returns at once if the watchdog is not enabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if n == nil || n.Socket == "" || n.WatchdogUsec == "" {
		return
	}
	interval, err := watchdogInterval(n.WatchdogUsec)
	if err != nil {
		n.logger().Warn("systemd: watchdog disabled", "err", err)
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

func watchdogInterval(usec string) (time.Duration, error) {
	s, err := strconv.Atoi(usec)
	if err != nil {
		return 0, fmt.Errorf("parsing WATCHDOG_USEC: %w", err)
	}
	if s <= 0 {
		return 0, errors.New("WATCHDOG_USEC must be a positive number")
	}
	return time.Duration(s) * time.Microsecond, nil
}
