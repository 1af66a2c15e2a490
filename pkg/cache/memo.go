// Package cache provides a small TTL memo for expensive lookups.
package cache

import (
	"sync"
	"time"
)

// Memo caches one value for a fixed TTL. Errors are never cached: a
// failed fetch leaves any previously cached value untouched and is
// retried on the next Get.
type Memo[T any] struct {
	mu        sync.Mutex
	ttl       time.Duration
	value     T
	fetchedAt time.Time
	valid     bool
}

// NewMemo creates a Memo with the given TTL. A non-positive TTL
// disables caching entirely.
func NewMemo[T any](ttl time.Duration) *Memo[T] {
	return &Memo[T]{ttl: ttl}
}

// Get returns the cached value if it is still fresh, otherwise calls
// fetch and caches the result.
func (m *Memo[T]) Get(fetch func() (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && m.ttl > 0 && time.Since(m.fetchedAt) < m.ttl {
		return m.value, nil
	}

	value, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	m.value = value
	m.fetchedAt = time.Now()
	m.valid = true
	return value, nil
}

// Invalidate drops the cached value.
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}
