// Package cache memoizes slow directory lookups for a fixed lifetime.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchFunc retrieves a fresh value.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Memo holds a single value, refetching it once the TTL has passed. When a refetch fails and a
// previous value exists, the previous value is served and the error logged.
type Memo[T any] struct {
	name  string
	ttl   time.Duration
	fetch FetchFunc[T]
	now   func() time.Time

	mu        sync.Mutex
	value     T
	refreshed time.Time
	valid     bool
}

// NewMemo creates a Memo which calls fetch at most once per ttl.
func NewMemo[T any](name string, ttl time.Duration, fetch FetchFunc[T]) *Memo[T] {
	return &Memo[T]{name: name, ttl: ttl, fetch: fetch, now: time.Now}
}

// Get returns the cached value, fetching it if absent or stale.
func (m *Memo[T]) Get(ctx context.Context) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.valid && now.Sub(m.refreshed) < m.ttl {
		return m.value, nil
	}
	v, err := m.fetch(ctx)
	if err != nil {
		if m.valid {
			log.Warn().Str("module", "cache").Str("cache", m.name).Err(err).
				Msg("Refresh failed, serving last known value")
			return m.value, nil
		}
		var zero T
		return zero, err
	}
	m.value = v
	m.refreshed = now
	m.valid = true
	return v, nil
}

// Flush marks the value stale, the next Get will refetch.
func (m *Memo[T]) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = time.Time{}
}

// Refreshed returns the time of the last successful fetch.
func (m *Memo[T]) Refreshed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshed
}

// KeyedFetchFunc retrieves a fresh value for key.
type KeyedFetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Keyed is a Memo per key.
type Keyed[K comparable, V any] struct {
	name  string
	ttl   time.Duration
	fetch KeyedFetchFunc[K, V]
	now   func() time.Time

	mu      sync.Mutex
	entries map[K]*Memo[V]
}

// NewKeyed creates a Keyed cache calling fetch at most once per key per ttl.
func NewKeyed[K comparable, V any](name string, ttl time.Duration, fetch KeyedFetchFunc[K, V]) *Keyed[K, V] {
	return &Keyed[K, V]{
		name:    name,
		ttl:     ttl,
		fetch:   fetch,
		now:     time.Now,
		entries: make(map[K]*Memo[V]),
	}
}

// Get returns the cached value for key, fetching it if absent or stale.
func (k *Keyed[K, V]) Get(ctx context.Context, key K) (V, error) {
	k.mu.Lock()
	m, ok := k.entries[key]
	if !ok {
		m = NewMemo(k.name, k.ttl, func(ctx context.Context) (V, error) {
			return k.fetch(ctx, key)
		})
		m.now = k.now
		k.entries[key] = m
	}
	k.mu.Unlock()
	return m.Get(ctx)
}

// Flush marks every entry stale. Values are retained as last known good.
func (k *Keyed[K, V]) Flush() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, m := range k.entries {
		m.Flush()
	}
}

// Len returns the number of keys seen.
func (k *Keyed[K, V]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
