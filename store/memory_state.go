package store

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/cardflow/types"
)

// MemoryStateStore is the local shared-state store: a versioned map guarded
// by a mutex.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	closed  bool
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty in-process store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]StateEntry)}
}

func memoryKey(ns, key string) string { return ns + "\x00" + key }

// Get returns the current entry for key.
func (s *MemoryStateStore) Get(_ context.Context, ns, key string) (StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateEntry{}, ErrStoreClosed
	}
	e, ok := s.entries[memoryKey(ns, key)]
	if !ok {
		return StateEntry{Key: key}, nil
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

// Put performs a compare-and-set on the entry version.
func (s *MemoryStateStore) Put(_ context.Context, ns, key string, value []byte, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	mk := memoryKey(ns, key)
	cur := s.entries[mk]
	if cur.Version != expected {
		return cur.Version, types.NewVersionConflict(key, expected, cur.Version)
	}
	next := StateEntry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   cur.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	s.entries[mk] = next
	return next.Version, nil
}

// Ping reports whether the store is open.
func (s *MemoryStateStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
