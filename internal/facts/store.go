// Package facts keeps the set of idempotent game facts (items picked up,
// one-shot events) already known to the server, and relays new ones so
// each reaches the server at least once and is never re-sent once known.
package facts

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/util"
)

// Key builds the composite key for an event on a map.
func Key(mapID, eventID int) string {
	return fmt.Sprintf("%d:%d", mapID, eventID)
}

// Persister mirrors the store to durable storage. db.FactsDatabase
// implements it.
type Persister interface {
	LoadFacts() ([]string, error)
	SaveFact(key string) error
	ReplaceFacts(keys []string) error
}

// Store is a concurrency-safe set of fact keys.
type Store struct {
	mu        sync.RWMutex
	keys      map[string]struct{}
	persister Persister
	logger    zerolog.Logger
}

// NewStore creates an empty store. persister may be nil.
func NewStore(persister Persister) *Store {
	return &Store{
		keys:      make(map[string]struct{}),
		persister: persister,
		logger:    util.ComponentLogger("facts"),
	}
}

// Bootstrap fills the store from the persister, for use before the first
// server snapshot arrives. Existing keys are kept.
func (s *Store) Bootstrap() (int, error) {
	if s.persister == nil {
		return 0, nil
	}

	keys, err := s.persister.LoadFacts()
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted facts: %w", err)
	}

	s.mu.Lock()
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info().Int("count", len(keys)).Msg("facts restored from local store")
	return len(keys), nil
}

// Register marks key as known. It returns true if the key was already
// known, in which case the caller must not transmit the fact.
func (s *Store) Register(key string) (alreadyKnown bool) {
	s.mu.Lock()
	if _, ok := s.keys[key]; ok {
		s.mu.Unlock()
		return true
	}
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveFact(key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to persist fact")
		}
	}
	return false
}

// LoadSnapshot replaces the whole set with keys.
func (s *Store) LoadSnapshot(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}

	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.ReplaceFacts(keys); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist fact snapshot")
		}
	}
}

// Contains reports whether key is known.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// AllKeys returns the known keys in sorted order.
func (s *Store) AllKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of known keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
