package blobstore

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	version   Version
	expiresAt time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// Memory is an in-process Store. It backs tests and single-process development setups.
type Memory struct {
	mu     sync.Mutex
	items  map[string]memItem
	seq    uint64
	now    func() time.Time
	closed bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the clock used for expiry decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		items: make(map[string]memItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live item for key. Callers must hold m.mu.
func (m *Memory) lookup(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if item.expired(m.now()) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

// store writes value under a fresh version. Callers must hold m.mu.
func (m *Memory) store(key string, value []byte, ttl time.Duration) {
	m.seq++
	item := memItem{
		value:   append([]byte(nil), value...),
		version: Version(m.seq),
	}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	item, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

func (m *Memory) Gets(_ context.Context, key string) ([]byte, Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, 0, ErrClosed
	}
	item, ok := m.lookup(key)
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), item.value...), item.version, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, value []byte, version Version, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	item, ok := m.lookup(key)
	if !ok || item.version != version {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *Memory) Append(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	item, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	joined := make([]byte, 0, len(item.value)+len(value))
	joined = append(joined, item.value...)
	joined = append(joined, value...)
	if ttl <= 0 && !item.expiresAt.IsZero() {
		ttl = item.expiresAt.Sub(m.now())
	}
	m.store(key, joined, ttl)
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.store(key, value, ttl)
	return nil
}

func (m *Memory) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if item, ok := m.lookup(key); ok {
			result[key] = append([]byte(nil), item.value...)
		}
	}
	return result, nil
}

// Delete removes key. It simulates eviction in tests.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
