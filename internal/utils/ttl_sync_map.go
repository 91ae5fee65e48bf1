package utils

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLSyncMap is a concurrency-safe map whose entries expire after a TTL.
// Expired entries are dropped lazily on read.
type TTLSyncMap[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]ttlEntry[V]
}

func NewTTLSyncMap[K comparable, V any]() *TTLSyncMap[K, V] {
	return &TTLSyncMap[K, V]{
		entries: map[K]ttlEntry[V]{},
	}
}

func (m *TTLSyncMap[K, V]) Set(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = ttlEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

func (m *TTLSyncMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}

	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()

		var zero V
		return zero, false
	}

	return entry.value, true
}

func (m *TTLSyncMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
