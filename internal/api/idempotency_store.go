package api

import (
	"sync"
	"time"
)

// IdemRecord is a stored response for an Idempotency-Key.
type IdemRecord struct {
	Key       string
	Status    int
	Body      []byte
	CreatedAt time.Time
}

type InMemoryIdemStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]IdemRecord
}

func NewInMemoryIdemStore(ttl time.Duration) *InMemoryIdemStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemoryIdemStore{ttl: ttl, items: make(map[string]IdemRecord)}
}

func (s *InMemoryIdemStore) Get(key string, now time.Time) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key]
	if !ok {
		return IdemRecord{}, false
	}
	if now.Sub(rec.CreatedAt) > s.ttl {
		delete(s.items, key)
		return IdemRecord{}, false
	}
	return rec, true
}

func (s *InMemoryIdemStore) Put(record IdemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[record.Key] = record
}
