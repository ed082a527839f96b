package main

import (
	"context"
	"fmt"
	"sync"
)

// ProfileStore is the only persistence surface the core knows about.
// Single-key operations are atomic on their own; mutations that span two
// profiles (the like/accept handshake) go through UpdatePair, which the
// implementation must make atomic so the matches relation can never be
// observed asymmetric.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
	ListAll(ctx context.Context) ([]*Profile, error)
	// UpdatePair loads both profiles, hands them to fn for mutation, and
	// persists both as one atomic unit. If fn returns an error nothing is
	// written. Missing profiles fail with ErrProfileNotFound.
	UpdatePair(ctx context.Context, aID, bID string, fn func(a, b *Profile) error) error
}

// MemoryStore keeps profiles in a mutex-guarded map. Used by the test
// suites and as the development fallback when DATABASE_URL is not set.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		return fmt.Errorf("put: profile without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}

// MemoryAccountStore backs AccountStore for tests and for development
// without Postgres.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]memoryAccount
}

type memoryAccount struct {
	passwordHash string
	profileID    string
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]memoryAccount)}
}

func (s *MemoryAccountStore) CreateAccount(ctx context.Context, email, passwordHash, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[email]; exists {
		return ErrEmailExists
	}
	s.accounts[email] = memoryAccount{passwordHash: passwordHash, profileID: profileID}
	return nil
}

func (s *MemoryAccountStore) LookupAccount(ctx context.Context, email string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[email]
	if !ok {
		return "", "", ErrAccountNotFound
	}
	return acc.profileID, acc.passwordHash, nil
}

// UpdatePair holds the store lock for the whole read-mutate-write cycle,
// so concurrent handshake operations on the same pair serialize and the
// second one observes the first one's writes.
func (s *MemoryStore) UpdatePair(ctx context.Context, aID, bID string, fn func(a, b *Profile) error) error {
	if aID == bID {
		return fmt.Errorf("update_pair: same profile on both sides")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.profiles[aID]
	if !ok {
		return ErrProfileNotFound
	}
	pb, ok := s.profiles[bID]
	if !ok {
		return ErrProfileNotFound
	}

	ca, cb := pa.Clone(), pb.Clone()
	if err := fn(ca, cb); err != nil {
		return err
	}

	s.profiles[aID] = ca
	s.profiles[bID] = cb
	return nil
}
