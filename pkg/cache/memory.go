package cache

import (
	"context"
	"sort"
	"sync"
)

type memStore struct {
	seq     int
	entries map[string]*Snapshot
}

// MemoryBackend keeps stores in process memory. It is safe for concurrent use.
type MemoryBackend struct {
	mu     sync.RWMutex
	seq    int
	stores map[string]*memStore
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*memStore)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) CreateStore(_ context.Context, store string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[store]; !ok {
		m.seq++
		m.stores[store] = &memStore{seq: m.seq, entries: make(map[string]*Snapshot)}
	}
	return nil
}

func (m *MemoryBackend) HasStore(_ context.Context, store string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[store]
	return ok, nil
}

func (m *MemoryBackend) StoreNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.stores[names[i]].seq < m.stores[names[j]].seq
	})
	return names, nil
}

func (m *MemoryBackend) DeleteStore(_ context.Context, store string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[store]
	delete(m.stores, store)
	return ok, nil
}

func (m *MemoryBackend) Get(_ context.Context, store, key string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[store]
	if !ok {
		return nil, ErrCacheMiss
	}
	snap, ok := s.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return snap, nil
}

func (m *MemoryBackend) Put(_ context.Context, store, key string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[store]
	if !ok {
		return ErrStoreNotFound
	}
	s.entries[key] = snap
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, store, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[store]
	if !ok {
		return false, nil
	}
	_, ok = s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (m *MemoryBackend) Keys(_ context.Context, store string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[store]
	if !ok {
		return nil, ErrStoreNotFound
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error { return nil }
