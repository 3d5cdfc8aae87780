package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments
type MemoryStore struct {
	mu          sync.RWMutex
	deadLetters map[string]DeadLetterRecord
	cursors     map[string]uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deadLetters: make(map[string]DeadLetterRecord),
		cursors:     make(map[string]uint64),
	}
}

func (s *MemoryStore) RecordDeadLetter(rec DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[rec.Event.EventID] = rec
	return nil
}

func (s *MemoryStore) ListDeadLetters(limit int, from string) ([]DeadLetterRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.deadLetters))
	for id := range s.deadLetters {
		if from != "" && id <= from {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hasMore := false
	if len(ids) > limit {
		ids = ids[:limit]
		hasMore = true
	}

	records := make([]DeadLetterRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, s.deadLetters[id])
	}
	return records, hasMore, nil
}

func (s *MemoryStore) GetDeadLetter(eventID string) (DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deadLetters[eventID]
	if !ok {
		return DeadLetterRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) RemoveDeadLetter(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, eventID)
	return nil
}

func (s *MemoryStore) CountDeadLetters() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *MemoryStore) GetCursor(partition string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[partition], nil
}

func (s *MemoryStore) SetCursor(partition string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[partition] = position
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
