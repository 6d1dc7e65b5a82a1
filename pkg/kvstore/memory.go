package kvstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore keeps every namespace in process memory. It is the default
// backend for tests and single-process runs.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]Record
	closed bool
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, namespace string) (Record, error) {
	if err := validateNamespace("memory", namespace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("memory", "get", namespace, errors.New("store is closed"))
	}
	return s.data[namespace].Clone(), nil
}

func (s *MemoryStore) GetKey(_ context.Context, namespace, key string) (json.RawMessage, bool, error) {
	if err := validateNamespace("memory", namespace); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, unavailable("memory", "get key", namespace, errors.New("store is closed"))
	}
	v, ok := s.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, namespace string, partial Record) error {
	if err := validateNamespace("memory", namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("memory", "set", namespace, errors.New("store is closed"))
	}
	if len(partial) == 0 {
		return nil
	}
	rec, ok := s.data[namespace]
	if !ok {
		rec = Record{}
		s.data[namespace] = rec
	}
	for k, v := range partial {
		rec[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

func (s *MemoryStore) Empty(_ context.Context, namespace string) error {
	if err := validateNamespace("memory", namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("memory", "empty", namespace, errors.New("store is closed"))
	}
	delete(s.data, namespace)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, namespace string, fn UpdateFunc) error {
	if err := validateNamespace("memory", namespace); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("memory store: update func is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("memory", "update", namespace, errors.New("store is closed"))
	}
	next, err := fn(s.data[namespace].Clone())
	if err != nil {
		return err
	}
	if len(next) == 0 {
		delete(s.data, namespace)
		return nil
	}
	s.data[namespace] = next.Clone()
	return nil
}

// Close makes every later call fail with ErrStorageUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
