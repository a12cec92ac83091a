package identity

import (
	"sync"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
)

// Store holds the identity the client currently acts as. Components read it
// on demand so a refreshed token or a new wallet address is picked up on the
// next connect without rebuilding anything.
type Store struct {
	mu      sync.RWMutex
	current chat.Identity
}

// NewStore returns a Store seeded with initial.
func NewStore(initial chat.Identity) *Store {
	return &Store{current: initial}
}

// Current returns a copy of the identity.
func (s *Store) Current() chat.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the identity and returns the previous one.
func (s *Store) Set(next chat.Identity) chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = next
	return prev
}

// SetSessionToken rotates the session token, e.g. after the API returned a
// refreshed one.
func (s *Store) SetSessionToken(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.current.SessionToken = token
	s.mu.Unlock()
}

// SetAddress records the wallet address and reports whether it changed.
func (s *Store) SetAddress(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Address == address {
		return false
	}
	s.current.Address = address
	return true
}

// SetChainID records the wallet's active chain.
func (s *Store) SetChainID(chainID int64) {
	s.mu.Lock()
	s.current.ChainID = chainID
	s.mu.Unlock()
}

// Clear drops all credentials (sign-out).
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = chat.Identity{}
	s.mu.Unlock()
}
