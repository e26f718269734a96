package shares

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryKV is the dev/test metadata store. TTL eviction is emulated
// lazily on read.
type InMemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (kv *InMemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	kv.entries[key] = memEntry{value: cp, expiresAt: kv.now().Add(ttl)}
	return nil
}

func (kv *InMemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.entries[key]
	if !ok {
		return nil, false, nil
	}
	if kv.now().After(e.expiresAt) {
		delete(kv.entries, key)
		return nil, false, nil
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, true, nil
}
