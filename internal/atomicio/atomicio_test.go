// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package atomicio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/starshop/internal/testutil"
)

func TestWriteFile(t *testing.T) {
	t.Parallel()

	t.Run("new file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "test.txt")
		data := []byte("hello")

		if err := WriteFile(file, data, 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := os.ReadFile(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, string(got), string(data))

		backups, err := Backups(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, len(backups), 0)
	})

	t.Run("overwrite", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "test.txt")

		if err := WriteFile(file, []byte("hello"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := WriteFile(file, []byte("world"), 0o644); err != nil {
			t.Fatal(err)
		}

		got, err := os.ReadFile(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, string(got), "world")

		backups, err := Backups(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, len(backups), 1)

		backupData, err := os.ReadFile(backups[0])
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, string(backupData), "hello")
	})

	t.Run("no backups", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "test.txt")

		for _, s := range []string{"a", "b", "c"} {
			if err := WriteFileBackups(file, []byte(s), 0o600, 0); err != nil {
				t.Fatal(err)
			}
		}

		backups, err := Backups(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, len(backups), 0)
	})

	t.Run("prune", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "test.txt")

		for i := range DefaultBackups + 2 {
			if err := WriteFile(file, []byte{byte(i)}, 0o644); err != nil {
				t.Fatal(err)
			}
			// Unique backup timestamps.
			time.Sleep(2 * time.Millisecond)
		}

		backups, err := Backups(file)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, len(backups), DefaultBackups)

		// The most recent backup holds the previous-to-last write.
		last, err := os.ReadFile(backups[len(backups)-1])
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, last, []byte{byte(DefaultBackups)})
	})
}
