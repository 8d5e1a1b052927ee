package state

import (
	"context"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is an in-process state store. Used as the Community tier
// backend and throughout the tests.
//
// The mutex guards the maps against concurrent access for DIFFERENT users;
// concurrent writes for one user cannot happen because the stream delivers
// a user's events in order to a single handler (see domain.Stream).
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]domain.UserState
	log    map[string][]*domain.Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]domain.UserState),
		log:    make(map[string][]*domain.Transaction),
	}
}

// Get returns the user's state, or the zero state for unseen users.
func (s *MemoryStore) Get(ctx context.Context, userID string) (domain.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[userID].Clone(), nil
}

// Put overwrites the user's state.
func (s *MemoryStore) Put(ctx context.Context, userID string, state domain.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userID] = state.Clone()
	return nil
}

// Append records a transaction in the user's recent history, newest first.
func (s *MemoryStore) Append(ctx context.Context, userID string, tx *domain.Transaction, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([]*domain.Transaction{tx}, s.log[userID]...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	s.log[userID] = entries
	return nil
}

// Recent returns the retained transactions, newest first.
func (s *MemoryStore) Recent(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.log[userID]
	out := make([]*domain.Transaction, len(entries))
	copy(out, entries)
	return out, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]domain.UserState)
	s.log = make(map[string][]*domain.Transaction)
	return nil
}
