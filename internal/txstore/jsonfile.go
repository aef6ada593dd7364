// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.astrophena.name/starshop/internal/atomicio"
	"go.astrophena.name/starshop/internal/filelock"
	"go.astrophena.name/starshop/internal/ledger"
)

// JSONFile stores records as one JSON object keyed by transaction id. Every
// save rewrites the file atomically and keeps a few timestamped backups.
//
// The file is locked while the store is open, so a second process
// fails to open it instead of overwriting its writes.
//
// It also reads files written by the first version of the bot, where a
// record is {"user_id", "username", "stars", "item"} and refunded records
// were removed.
type JSONFile struct {
	path string
	lock *filelock.Lock
}

// OpenJSONFile returns a JSONFile for path, creating its directory if
// needed. A missing file loads as an empty ledger.
func OpenJSONFile(path string) (*JSONFile, error) {
	if path == "" {
		return nil, errors.New("txstore: empty JSON file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := filelock.Acquire(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("txstore: %w", err)
	}
	return &JSONFile{path: path, lock: lock}, nil
}

// fileRecord is a record as stored in the file.
type fileRecord struct {
	ledger.Record

	// Legacy fields.
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Stars    int64  `json:"stars,omitempty"`
	Item     string `json:"item,omitempty"` // display name, not an item ID
}

func (r *fileRecord) legacy() bool {
	return r.BuyerID == 0 && r.Amount == 0 && r.UserID != 0
}

// Load reads all records from the file.
func (s *JSONFile) Load(context.Context) (map[string]*ledger.Record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*ledger.Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]*fileRecord
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("txstore: parsing %s: %w", s.path, err)
	}

	records := make(map[string]*ledger.Record, len(raw))
	for id, fr := range raw {
		if fr == nil {
			continue
		}
		r := fr.Record
		if fr.legacy() {
			// Old files stored the item's display name. Names need not be
			// unique, so it is kept as is rather than guessed into an ID,
			// and such records don't resolve in the catalog.
			r = ledger.Record{
				BuyerID:   fr.UserID,
				BuyerName: fr.Username,
				ItemID:    fr.Item,
				Amount:    fr.Stars,
				Status:    ledger.StatusActive,
			}
		}
		r.ID = id
		records[id] = &r
	}
	return records, nil
}

// Save replaces the file contents with snapshot.
func (s *JSONFile) Save(_ context.Context, snapshot map[string]*ledger.Record) error {
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteFile(s.path, b, 0o600)
}

// Close releases the file lock.
func (s *JSONFile) Close() error { return s.lock.Release() }
