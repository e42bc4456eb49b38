package identity

import (
	"errors"
	"time"

	"clearance.org/internal/auth"
	"clearance.org/internal/routing"
)

var (
	ErrNotEligible         = errors.New("identity: not eligible")
	ErrNotFound            = errors.New("identity: not found")
	ErrInvalidInput        = errors.New("identity: invalid input")
	ErrInactive            = errors.New("identity: inactive")
	ErrEligibilityConsumed = errors.New("identity: eligibility record already consumed")
	ErrConflict            = errors.New("identity: conflict")
)

type EligibilityStatus string

const (
	EligibilityActive  EligibilityStatus = "active"
	EligibilityRevoked EligibilityStatus = "revoked"
)

// EligibilityRecord is the institution-of-record entry that allows one activation.
type EligibilityRecord struct {
	ExternalID string            `json:"external_id" yaml:"external_id"`
	Email      string            `json:"email" yaml:"email"`
	FullName   string            `json:"full_name" yaml:"full_name"`
	Department string            `json:"department" yaml:"department"`
	DomainTag  string            `json:"domain_tag,omitempty" yaml:"domain_tag"`
	Role       auth.Role         `json:"role" yaml:"role"`
	Status     EligibilityStatus `json:"status" yaml:"status"`
	Phone      string            `json:"phone,omitempty" yaml:"phone"`
}

// Identity is an activated account.
type Identity struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Role       auth.Role `json:"role"`
	Department string    `json:"department"`
	DomainTag  string    `json:"domain_tag,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Bio        string    `json:"bio,omitempty"`
	Position   string    `json:"position,omitempty"`
	AvatarRef  string    `json:"avatar_ref,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (i Identity) Actor() auth.Actor {
	return auth.Actor{ID: i.ID, Role: i.Role}
}

// Reviewer projects the identity for routing.
func (i Identity) Reviewer() routing.Reviewer {
	return routing.Reviewer{
		ID:         i.ID,
		Department: i.Department,
		DomainTag:  i.DomainTag,
		Reviewer:   i.Role == auth.RoleReviewer,
		Active:     i.Active,
	}
}

// ActivationRequest carries untrusted caller input. Only ExternalID, Email, Role and Domain
// are used for matching; every stored attribute comes from the eligibility record.
type ActivationRequest struct {
	ExternalID string
	Email      string
	Password   string
	Role       auth.Role
	Domain     string
}

// Activation is the outcome of Activate. AlreadyActivated is a signal, not an error.
type Activation struct {
	Identity         Identity
	AlreadyActivated bool
}

// ProfileUpdate holds self-editable fields. Nil leaves a field unchanged.
type ProfileUpdate struct {
	Phone     *string `json:"phone,omitempty"`
	Bio       *string `json:"bio,omitempty"`
	Position  *string `json:"position,omitempty"`
	AvatarRef *string `json:"avatar_ref,omitempty"`
}

func (u ProfileUpdate) Empty() bool {
	return u.Phone == nil && u.Bio == nil && u.Position == nil && u.AvatarRef == nil
}

func (u ProfileUpdate) apply(id *Identity) {
	if u.Phone != nil {
		id.Phone = *u.Phone
	}
	if u.Bio != nil {
		id.Bio = *u.Bio
	}
	if u.Position != nil {
		id.Position = *u.Position
	}
	if u.AvatarRef != nil {
		id.AvatarRef = *u.AvatarRef
	}
}

// UpsertOutcome reports what an eligibility import did with one record.
type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// ImportResult summarises a feed import. Rejected records do not abort the import.
type ImportResult struct {
	Inserted  int            `json:"inserted"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Rejected  []ImportReject `json:"rejected,omitempty"`
}

type ImportReject struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}
