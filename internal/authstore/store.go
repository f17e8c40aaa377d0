// Package authstore implements the login-ticket collaborator (§4.7): an
// atomic GET+DEL lookup the login state machine uses to validate a
// newly-connected client exactly once, then forget the ticket forever.
package authstore

import (
	"sync"
	"time"
)

// Ticket is the record issued for one pending login, keyed by the opaque
// ticket value the client presents in CL_API_LOGIN.
type Ticket struct {
	AccountID   uint32
	CharacterID uint32
	IssuedAt    time.Time
}

// Store is an atomic GET+DEL ticket collaborator (§4.7). Consume must
// never return the same ticket twice, even under concurrent callers —
// the login state machine relies on this to reject replay.
type Store interface {
	// Consume atomically looks up and removes key, reporting whether it
	// was present and not yet expired.
	Consume(key string) (Ticket, bool)
	// Issue registers a new ticket, valid until ttl elapses.
	Issue(key string, t Ticket, ttl time.Duration)
}

// MemStore is an in-memory Store backed by a mutex-guarded map, grounded
// on the teacher's SessionManager expiry sweep pattern (periodic
// CleanExpired rather than a timer per entry).
type MemStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	Ticket
	expiresAt time.Time
}

// NewMemStore creates an empty in-memory ticket store.
func NewMemStore() *MemStore {
	return &MemStore{tickets: make(map[string]ticketEntry)}
}

// Issue registers key, valid until ttl elapses.
func (s *MemStore) Issue(key string, t Ticket, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[key] = ticketEntry{Ticket: t, expiresAt: time.Now().Add(ttl)}
}

// Consume atomically looks up and deletes key. An expired entry is
// treated as absent and is removed as a side effect.
func (s *MemStore) Consume(key string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tickets[key]
	delete(s.tickets, key) // single use regardless of outcome
	if !ok {
		return Ticket{}, false
	}
	if time.Now().After(entry.expiresAt) {
		return Ticket{}, false
	}
	return entry.Ticket, true
}

// CleanExpired removes any entries that have passed their TTL without
// being consumed, bounding the store's size under a flood of abandoned
// handshakes. Intended to be called periodically by the process
// supervisor's janitor goroutine, not on every tick.
func (s *MemStore) CleanExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.tickets {
		if now.After(entry.expiresAt) {
			delete(s.tickets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently-held tickets, expired or not.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}
