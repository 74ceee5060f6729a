// Package memory provides an in-memory kv.Store used by unit tests and
// the memory storage driver.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/avdeenkov/remindrelay/internal/kv"
)

// Store implements kv.Store on a mutex-guarded map.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Commit applies the batch atomically under the store lock.
func (s *Store) Commit(_ context.Context, batch *kv.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cond := range batch.Conditions() {
		stored, ok := s.data[string(cond.Key)]
		if cond.Value == nil {
			if ok {
				return kv.ErrConditionFailed
			}
			continue
		}
		if !ok || !bytes.Equal(stored, cond.Value) {
			return kv.ErrConditionFailed
		}
	}

	for _, entry := range batch.Puts() {
		value := make([]byte, len(entry.Value))
		copy(value, entry.Value)
		s.data[string(entry.Key)] = value
	}
	for _, key := range batch.Deletes() {
		delete(s.data, string(key))
	}

	return nil
}

// Scan returns entries in [start, end) in ascending key order.
func (s *Store) Scan(_ context.Context, start, end []byte, limit int) ([]kv.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if start != nil && key < string(start) {
			continue
		}
		if end != nil && key >= string(end) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]kv.Entry, 0, len(keys))
	for _, key := range keys {
		value := make([]byte, len(s.data[key]))
		copy(value, s.data[key])
		entries = append(entries, kv.Entry{Key: []byte(key), Value: value})
	}
	return entries, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
