package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type recordKey struct {
	kind Kind
	id   string
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     map[recordKey]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.records = make(map[recordKey]Record)
	return nil
}

func (s *MemoryStore) Write(_ context.Context, record Record) error {
	if !record.Kind.Valid() {
		return fmt.Errorf("unsupported record kind: %s", record.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	record.Payload = append([]byte(nil), record.Payload...)
	s.records[recordKey{kind: record.Kind, id: record.ID}] = record
	return nil
}

func (s *MemoryStore) Read(_ context.Context, kind Kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey{kind: kind, id: id}]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	record.Payload = append([]byte(nil), record.Payload...)
	return record, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0)
	for key, record := range s.records {
		if key.kind != kind {
			continue
		}
		record.Payload = append([]byte(nil), record.Payload...)
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
