package cache

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize is the number of results a MemoryStore keeps by default.
const DefaultMemorySize = 1024

// MemoryStore is a bounded in-process Store that evicts the least recently used
// result.
type MemoryStore struct {
	entries *lru.Cache[string, []byte]
}

// NewMemoryStore creates a MemoryStore holding at most size results. A size of
// zero or less uses DefaultMemorySize.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &MemoryStore{entries: entries}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.entries.Get(key)
	return v, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.entries.Add(key, value)
	return nil
}

func (s *MemoryStore) Has(_ context.Context, key string) (bool, error) {
	return s.entries.Contains(key), nil
}

func (s *MemoryStore) Clear(_ context.Context, prefix string) (int, error) {
	n := 0
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) && s.entries.Remove(key) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of cached results.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
