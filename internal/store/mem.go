// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"time"

	"go.astrophena.name/starshop/internal/syncx"
)

// MemStore is an in-memory implementation of the Store interface.
type MemStore struct {
	ttl   time.Duration
	cache *syncx.Protected[map[string]cacheEntry]
}

// NewMemStore creates a new MemStore with the given TTL.
func NewMemStore(ctx context.Context, ttl time.Duration) *MemStore {
	s := &MemStore{
		ttl:   ttl,
		cache: syncx.Protect(make(map[string]cacheEntry)),
	}
	go s.cleanup(ctx)
	return s
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (s *MemStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.cache.WriteAccess(func(m map[string]cacheEntry) {
				for key, e := range m {
					if now.After(e.expiresAt) {
						delete(m, key)
					}
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

// Get retrieves a value for a given key.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	s.cache.ReadAccess(func(m map[string]cacheEntry) {
		e, ok := m[key]
		if !ok || time.Now().After(e.expiresAt) {
			return
		}
		// Copy, so the caller can't mutate the cache.
		val = append([]byte(nil), e.value...)
	})
	return val, nil
}

// Set stores a value for a given key.
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	e := cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(s.ttl),
	}
	s.cache.WriteAccess(func(m map[string]cacheEntry) { m[key] = e })
	return nil
}

// Delete removes a key.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.cache.WriteAccess(func(m map[string]cacheEntry) { delete(m, key) })
	return nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }
