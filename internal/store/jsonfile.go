// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.astrophena.name/starshop/internal/atomicio"
)

// JSONFile is a file-backed implementation of the [Store] interface. The
// whole store is rewritten atomically on every change.
type JSONFile struct {
	path string
	ttl  time.Duration

	mu   sync.Mutex
	data map[string]entry

	stop    chan struct{}
	stopped sync.WaitGroup
	close   sync.Once
}

type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewJSONFile creates a new [JSONFile] backed by the file at path with the
// given TTL. A missing file is created on first write.
func NewJSONFile(ctx context.Context, path string, ttl time.Duration) (*JSONFile, error) {
	s := &JSONFile{
		path: path,
		ttl:  ttl,
		data: make(map[string]entry),
		stop: make(chan struct{}),
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &s.data); err != nil {
			return nil, err
		}
		if s.data == nil {
			s.data = make(map[string]entry)
		}
	}

	if err := s.performCleanup(); err != nil {
		return nil, err
	}
	s.stopped.Add(1)
	go s.cleanup(ctx)

	return s, nil
}

func (s *JSONFile) cleanup(ctx context.Context) {
	defer s.stopped.Done()
	ticker := time.NewTicker(cleanupInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performCleanup()
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *JSONFile) performCleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var changed bool
	for key, e := range s.data {
		if now.After(e.ExpiresAt) {
			delete(s.data, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

// save must be called with s.mu held.
func (s *JSONFile) save() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	return atomicio.WriteFileBackups(s.path, b, 0o600, 0)
}

// Get retrieves a value for a given key.
func (s *JSONFile) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, nil
	}
	return append([]byte(nil), e.Value...), nil
}

// Set stores a value for a given key.
func (s *JSONFile) Set(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = entry{
		Value:     append([]byte(nil), val...),
		ExpiresAt: time.Now().Add(s.ttl),
	}
	return s.save()
}

// Delete removes a key.
func (s *JSONFile) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.save()
}

// Close stops the background cleanup and waits for it to finish.
func (s *JSONFile) Close() error {
	s.close.Do(func() { close(s.stop) })
	s.stopped.Wait()
	return nil
}
