package store

import (
	"context"
	"sync"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryKV keeps snapshots in process memory. Used by tests and STORAGE_DRIVER=memory.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	failSet error
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return 0, m.failSet
	}
	if m.entries[key].version != expectedVersion {
		return 0, ErrVersionConflict
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	next := expectedVersion + 1
	m.entries[key] = memoryEntry{value: buf, version: next}
	return next, nil
}

// FailWrites makes every following Set return err; nil restores normal writes.
func (m *MemoryKV) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = err
}

func (m *MemoryKV) Close() error { return nil }
