package session

import (
	"context"
	"sync"
)

// InMemoryStore is the session Store used in tests and store-less dev runs.
// It mirrors the mongo store's semantics, including insert-only records and
// multi-record invalidation.
type InMemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record // key: domain + "\x00" + id
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{recs: make(map[string]Record)}
}

func memKey(domain, id string) string { return domain + "\x00" + id }

// Insert writes a new session record.
func (s *InMemoryStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[memKey(rec.Domain, rec.ID)] = rec
	return nil
}

// GetByID loads a session record by token within a domain.
func (s *InMemoryStore) GetByID(ctx context.Context, domain, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[memKey(domain, id)]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	return rec, nil
}

// InvalidateAll marks every record for (domain, user[, client]) invalid.
func (s *InMemoryStore) InvalidateAll(ctx context.Context, domain, user, client string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.recs {
		if rec.Domain != domain || rec.User != user {
			continue
		}
		if client != "" && rec.Client != client {
			continue
		}
		rec.Valid = false
		s.recs[k] = rec
	}
	return nil
}
