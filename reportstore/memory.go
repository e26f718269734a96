package reportstore

import (
	"context"
	"sync"
)

// InMemoryObjectStore keeps blobs in a map. Used by tests and by
// deployments that run without object storage configured.
type InMemoryObjectStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	putOps  int
	headOps int
}

func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{blobs: make(map[string][]byte)}
}

func (m *InMemoryObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headOps++
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *InMemoryObjectStore) Put(ctx context.Context, key string, body []byte, contentType, contentEncoding string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putOps++
	cp := make([]byte, len(body))
	copy(cp, body)
	m.blobs[key] = cp
	return nil
}

func (m *InMemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// Delete removes a blob; handy for simulating eviction in tests.
func (m *InMemoryObjectStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
}

// PutOps reports how many physical writes were performed.
func (m *InMemoryObjectStore) PutOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putOps
}
