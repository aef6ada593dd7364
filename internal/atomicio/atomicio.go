// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package atomicio provides atomic file writing with backups.
package atomicio

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	// Fixed-width fraction keeps backup names sortable.
	backupTimeFormat = "20060102150405.000000000"
	// DefaultBackups is the number of backups WriteFile keeps.
	DefaultBackups = 10
)

// WriteFile writes data to a file atomically, keeping up to
// [DefaultBackups] previous versions of it.
func WriteFile(name string, data []byte, perm fs.FileMode) error {
	return WriteFileBackups(name, data, perm, DefaultBackups)
}

// WriteFileBackups is like [WriteFile], but keeps at most keep backups of
// the previous file contents. If keep is zero, no backups are made.
//
// The data is synced to disk before the temporary file replaces name, so a
// crash leaves either the old or the new contents in place.
func WriteFileBackups(name string, data []byte, perm fs.FileMode, keep int) (err error) {
	// Same directory, so os.Rename stays on one filesystem.
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if keep > 0 {
		if err := backup(name); err != nil {
			return err
		}
	}

	if err := os.Rename(f.Name(), name); err != nil {
		return err
	}
	syncDir(filepath.Dir(name))

	if keep > 0 {
		return pruneBackups(name, keep)
	}
	return nil
}

func backup(name string) error {
	old, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	backupName := name + "." + time.Now().UTC().Format(backupTimeFormat) + ".bak"
	return os.WriteFile(backupName, old, 0o600)
}

// syncDir makes a rename durable. Errors are ignored: not every platform
// supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// Backups returns the backup files of name, oldest first.
func Backups(name string) ([]string, error) {
	backups, err := filepath.Glob(name + ".*.bak")
	if err != nil {
		return nil, err
	}
	slices.Sort(backups)
	return backups, nil
}

func pruneBackups(name string, keep int) error {
	backups, err := Backups(name)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, b := range backups[:len(backups)-keep] {
		if err := os.Remove(b); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
