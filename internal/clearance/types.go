package clearance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clearance.org/internal/routing"
)

var (
	ErrDuplicateRequest = errors.New("clearance: duplicate request")
	ErrNotFound         = errors.New("clearance: not found")
	ErrInvalidInput     = errors.New("clearance: invalid input")
	ErrAlreadyDecided   = errors.New("clearance: already decided")
)

// Status is the lifecycle state of a request and of its decision.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no transition is defined out of s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseStatus accepts any of the three statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// ParseVerdict accepts only terminal statuses.
func ParseVerdict(s string) (Status, error) {
	st, err := ParseStatus(s)
	if err != nil {
		return "", err
	}
	if !st.Terminal() {
		return "", fmt.Errorf("%w: verdict must be approved or rejected", ErrInvalidInput)
	}
	return st, nil
}

// Request is one requester seeking sign-off in one domain.
// Department is the requester's department captured at submission.
type Request struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	Domain      string           `json:"domain"`
	Department  string           `json:"department"`
	DocumentRef string           `json:"document_ref,omitempty"`
	Status      Status           `json:"status"`
	Priority    routing.Priority `json:"priority,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Decision    *Decision        `json:"decision,omitempty"`
}

// DecisionKind classifies a decision write.
type DecisionKind string

const (
	KindFirst      DecisionKind = "first"
	KindRepeat     DecisionKind = "repeat"
	KindCorrection DecisionKind = "correction"
	KindOverride   DecisionKind = "override"
)

// Decision is the single verdict attached to a request.
type Decision struct {
	RequestID  string    `json:"request_id"`
	ReviewerID string    `json:"reviewer_id"`
	Status     Status    `json:"status"`
	Remarks    string    `json:"remarks,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
	Revision   int       `json:"revision"`
	Overridden bool      `json:"overridden,omitempty"`
}

// Revision is an immutable entry in a decision's trail.
type Revision struct {
	RequestID string       `json:"request_id"`
	Revision  int          `json:"revision"`
	ActorID   string       `json:"actor_id"`
	Kind      DecisionKind `json:"kind"`
	Status    Status       `json:"status"`
	Remarks   string       `json:"remarks,omitempty"`
	DecidedAt time.Time    `json:"decided_at"`
}

// Message is an append-only note on a request.
type Message struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sent_at"`
	Read        bool      `json:"read"`
}

// FilterKind selects a ListFor projection.
type FilterKind string

const (
	FilterMine     FilterKind = "mine"
	FilterHistory  FilterKind = "history"
	FilterAssigned FilterKind = "assigned"
	FilterReviewed FilterKind = "reviewed"
	FilterAll      FilterKind = "all"
)

func ParseFilterKind(s string) (FilterKind, error) {
	switch k := FilterKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FilterMine, FilterHistory, FilterAssigned, FilterReviewed, FilterAll:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown view %q", ErrInvalidInput, s)
	}
}

// Filter narrows ListFor. Status is optional.
type Filter struct {
	Kind   FilterKind
	Status Status
}

// Query is the storage-level selection. Empty fields do not constrain.
type Query struct {
	RequesterID   string
	Domain        string
	DepartmentKey string
	DecidedBy     string
	Statuses      []Status
}

// Counts is a per-status tally taken from one consistent read.
type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

func (c Counts) Total() int { return c.Pending + c.Approved + c.Rejected }

func (c *Counts) add(s Status) {
	switch s {
	case StatusPending:
		c.Pending++
	case StatusApproved:
		c.Approved++
	case StatusRejected:
		c.Rejected++
	}
}
