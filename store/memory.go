package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

type collection struct {
	docs  map[string]Document
	order []string
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*collection)}
}

func (s *MemoryStore) Save(_ context.Context, name, id string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]Document)}
		s.collections[name] = c
	}
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = maps.Clone(doc)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, name, id string, patch Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}
	c.docs[id] = merge(doc, patch)
	return nil
}

func (s *MemoryStore) Find(_ context.Context, name string, query Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	var out []Document
	for _, id := range c.order {
		if doc := c.docs[id]; query.matches(doc) {
			out = append(out, maps.Clone(doc))
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
