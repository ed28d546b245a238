package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) GetJSON(_ context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	data, ok := s.docs[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) PutJSON(_ context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
