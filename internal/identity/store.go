package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"clearance.org/internal/auth"
	"clearance.org/internal/routing"
)

// Store persists eligibility records and identities.
//
// CreateIdentity is insert-if-absent keyed on ExternalID: when an identity already exists
// it returns that identity and created=false instead of an error.
type Store interface {
	FindEligibility(ctx context.Context, externalID, email string) (EligibilityRecord, error)
	UpsertEligibility(ctx context.Context, rec EligibilityRecord) (UpsertOutcome, error)

	CreateIdentity(ctx context.Context, id Identity) (Identity, bool, error)
	IdentityByID(ctx context.Context, id string) (Identity, error)
	IdentityByExternalID(ctx context.Context, externalID string) (Identity, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate, at time.Time) (Identity, error)
	Deactivate(ctx context.Context, id string, at time.Time) (Identity, error)
	ListByDepartment(ctx context.Context, department string) ([]Identity, error)

	routing.Directory
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu          sync.RWMutex
	eligibility map[string]EligibilityRecord // external id -> record
	emails      map[string]string            // email -> external id
	identities  map[string]*Identity         // id -> identity
	byExternal  map[string]string            // external id -> id
}

func NewInMemory() *InMemory {
	return &InMemory{
		eligibility: make(map[string]EligibilityRecord),
		emails:      make(map[string]string),
		identities:  make(map[string]*Identity),
		byExternal:  make(map[string]string),
	}
}

func (s *InMemory) FindEligibility(_ context.Context, externalID, email string) (EligibilityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.eligibility[externalID]
	if !ok || !strings.EqualFold(rec.Email, email) {
		return EligibilityRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemory) UpsertEligibility(_ context.Context, rec EligibilityRecord) (UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(rec.Email)
	if owner, ok := s.emails[email]; ok && owner != rec.ExternalID {
		return "", ErrConflict
	}
	prev, exists := s.eligibility[rec.ExternalID]
	if exists && prev == rec {
		return OutcomeUnchanged, nil
	}
	if _, consumed := s.byExternal[rec.ExternalID]; consumed {
		return "", ErrEligibilityConsumed
	}
	if exists {
		delete(s.emails, strings.ToLower(prev.Email))
	}
	s.eligibility[rec.ExternalID] = rec
	s.emails[email] = rec.ExternalID
	if exists {
		return OutcomeUpdated, nil
	}
	return OutcomeInserted, nil
}

func (s *InMemory) CreateIdentity(_ context.Context, id Identity) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byExternal[id.ExternalID]; ok {
		return *s.identities[existingID], false, nil
	}
	if _, ok := s.identities[id.ID]; ok {
		return Identity{}, false, ErrConflict
	}
	stored := id
	s.identities[id.ID] = &stored
	s.byExternal[id.ExternalID] = id.ID
	return stored, true, nil
}

func (s *InMemory) IdentityByID(_ context.Context, id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return *v, nil
}

func (s *InMemory) IdentityByExternalID(_ context.Context, externalID string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return *s.identities[id], nil
}

func (s *InMemory) UpdateProfile(_ context.Context, id string, upd ProfileUpdate, at time.Time) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	upd.apply(v)
	v.UpdatedAt = at
	return *v, nil
}

func (s *InMemory) Deactivate(_ context.Context, id string, at time.Time) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	if v.Active {
		v.Active = false
		v.UpdatedAt = at
	}
	return *v, nil
}

func (s *InMemory) ListByDepartment(_ context.Context, department string) ([]Identity, error) {
	dept := routing.NormalizeDepartment(department)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Identity
	for _, v := range s.identities {
		if routing.NormalizeDepartment(v.Department) == dept {
			out = append(out, *v)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *InMemory) ReviewersByDomain(_ context.Context, domainTag string) ([]routing.Reviewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []Identity
	for _, v := range s.identities {
		if v.Role == auth.RoleReviewer && v.Active && routing.NormalizeDomain(v.DomainTag) == domainTag {
			ids = append(ids, *v)
		}
	}
	sortByID(ids)
	out := make([]routing.Reviewer, len(ids))
	for i, v := range ids {
		out[i] = v.Reviewer()
	}
	return out, nil
}
