// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package filelock guards state files against a second process with
// advisory flock(2) locks.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyLocked indicates the lock is held by another open file.
var ErrAlreadyLocked = errors.New("already locked")

// Lock is a held lock. The lock file records the pid of its owner.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock at path without blocking. If it is taken, the
// error wraps ErrAlreadyLocked and names the owner when known.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := Owner(path)
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if owner != 0 {
				return nil, fmt.Errorf("%s: %w by process %d", path, ErrAlreadyLocked, owner)
			}
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyLocked)
		}
		return nil, err
	}

	l := &Lock{path: path, file: f}
	if err := l.writeOwner(os.Getpid()); err != nil {
		return nil, errors.Join(err, l.Release())
	}
	return l, nil
}

func (l *Lock) writeOwner(pid int) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0)
	return err
}

// Owner returns the pid recorded in the lock file at path, or 0.
func Owner(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

// Release unlocks and closes the lock file. The file itself is left behind.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}
