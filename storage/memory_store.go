package storage

import (
	"context"
	"errors"
	"sync"
)

var errWriteRefused = errors.New("memory store: write refused")

// MemoryStore is an in-process Store used by tests and as a last-resort
// fallback when no backend is configured. Nothing here survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string

	// FailWrites makes every Set return FailErr, for exercising
	// storage-failure paths in tests.
	FailWrites bool
	FailErr    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if s.FailWrites {
		if s.FailErr != nil {
			return s.FailErr
		}
		return errWriteRefused
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}
