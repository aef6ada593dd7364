// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/starshop/internal/testutil"
)

func listen(t *testing.T) (string, *net.UnixConn) {
	t.Helper()
	// Socket paths are limited to about 100 bytes, so keep the name short.
	path := filepath.Join(t.TempDir(), "n.sock")
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return path, l
}

func read(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func TestNotify(t *testing.T) {
	t.Parallel()

	path, l := listen(t)
	n := FromEnv(func(name string) string {
		return map[string]string{"NOTIFY_SOCKET": path}[name]
	}, nil)

	n.Notify(Ready)
	testutil.AssertEqual(t, read(t, l), "READY=1")
	n.Notify(Stopping)
	testutil.AssertEqual(t, read(t, l), "STOPPING=1")
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	// Neither must panic or block.
	var nilNotifier *Notifier
	nilNotifier.Notify(Ready)
	new(Notifier).Notify(Ready)
	new(Notifier).WatchdogLoop(context.Background())
}

func TestWatchdogLoop(t *testing.T) {
	t.Parallel()

	path, l := listen(t)
	n := &Notifier{Socket: path, WatchdogUsec: "100000"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.WatchdogLoop(ctx)
		close(done)
	}()

	testutil.AssertEqual(t, read(t, l), "WATCHDOG=1")
	cancel()
	<-done
}

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()

	d, err := watchdogInterval("250000")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, d, 250*time.Millisecond)

	for _, bad := range []string{"", "soon", "0", "-5"} {
		if _, err := watchdogInterval(bad); err == nil {
			t.Errorf("watchdogInterval(%q) succeeded", bad)
		}
	}
}
