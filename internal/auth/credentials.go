package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoCredential is returned by a HashStore when nothing is stored for the identity.
var ErrNoCredential = errors.New("auth: no credential")

// HashStore persists opaque credential hashes keyed by identity id.
type HashStore interface {
	SetHash(ctx context.Context, identityID, hash string) error
	Hash(ctx context.Context, identityID string) (string, error)
}

// CredentialVerifier is the only place raw secrets are handled.
type CredentialVerifier struct {
	store HashStore
	cost  int
}

// NewCredentialVerifier uses bcrypt.DefaultCost unless cost is positive.
func NewCredentialVerifier(store HashStore, cost int) *CredentialVerifier {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &CredentialVerifier{store: store, cost: cost}
}

// SetCredential hashes secret and stores it for identityID, replacing any previous value.
func (v *CredentialVerifier) SetCredential(ctx context.Context, identityID, secret string) error {
	if identityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if len(secret) == 0 {
		return fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v.store.SetHash(ctx, identityID, string(hash))
}

// VerifyCredential reports whether secret matches. A missing credential is a mismatch, not an error.
func (v *CredentialVerifier) VerifyCredential(ctx context.Context, identityID, secret string) (bool, error) {
	hash, err := v.store.Hash(ctx, identityID)
	if errors.Is(err, ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return false, nil
	}
	return true, nil
}

// MemoryHashStore keeps hashes in process memory.
type MemoryHashStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewMemoryHashStore() *MemoryHashStore {
	return &MemoryHashStore{hashes: make(map[string]string)}
}

func (s *MemoryHashStore) SetHash(_ context.Context, identityID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[identityID] = hash
	return nil
}

func (s *MemoryHashStore) Hash(_ context.Context, identityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[identityID]
	if !ok {
		return "", ErrNoCredential
	}
	return h, nil
}
