package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. It also
// counts writes so tests can assert write-once guarantees.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]json.RawMessage
	writes int
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make(json.RawMessage, len(value))
	copy(v, value)
	s.data[key] = v
	s.writes++
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Writes returns the number of Set calls observed.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
