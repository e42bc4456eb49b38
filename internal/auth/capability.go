package auth

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Role is the capability role of an activated identity.
type Role string

const (
	RoleRequester Role = "requester"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

// Capability names a permitted operation.
type Capability string

const (
	CapSubmitRequest            Capability = "submit_request"
	CapUploadDocuments          Capability = "upload_documents"
	CapViewOwnRequests          Capability = "view_own_requests"
	CapViewRequestHistory       Capability = "view_request_history"
	CapCommunicateWithReviewer  Capability = "communicate_with_reviewer"
	CapViewAssignedRequests     Capability = "view_assigned_requests"
	CapApproveRequests          Capability = "approve_requests"
	CapRejectRequests           Capability = "reject_requests"
	CapCommunicateWithRequester Capability = "communicate_with_requester"
	CapViewAllRequests          Capability = "view_all_requests"
	CapOverrideDecisions        Capability = "override_decisions"
	CapManageIdentities         Capability = "manage_identities"
	CapViewSystemActivities     Capability = "view_system_activities"
	CapEditOwnProfile           Capability = "edit_own_profile"
	CapChangeOwnPassword        Capability = "change_own_password"
)

var knownRoles = []Role{RoleRequester, RoleReviewer, RoleAdmin}

var knownCapabilities = []Capability{
	CapSubmitRequest, CapUploadDocuments, CapViewOwnRequests, CapViewRequestHistory,
	CapCommunicateWithReviewer, CapViewAssignedRequests, CapApproveRequests, CapRejectRequests,
	CapCommunicateWithRequester, CapViewAllRequests, CapOverrideDecisions, CapManageIdentities,
	CapViewSystemActivities, CapEditOwnProfile, CapChangeOwnPassword,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(knownRoles, r) {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(knownCapabilities, c) {
		return "", fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Actor is the minimum an authorization check needs to know about the caller.
type Actor struct {
	ID   string
	Role Role
}

// Model is an immutable role to capability table. Build it once and share the pointer.
type Model struct {
	grants map[Role]map[Capability]struct{}
}

// DefaultGrants returns a fresh copy of the built-in table.
func DefaultGrants() map[Role][]Capability {
	return map[Role][]Capability{
		RoleRequester: {
			CapSubmitRequest, CapUploadDocuments, CapViewOwnRequests,
			CapViewRequestHistory, CapCommunicateWithReviewer,
			CapEditOwnProfile, CapChangeOwnPassword,
		},
		RoleReviewer: {
			CapViewAssignedRequests, CapApproveRequests, CapRejectRequests,
			CapCommunicateWithRequester, CapViewRequestHistory,
			CapEditOwnProfile, CapChangeOwnPassword,
		},
		RoleAdmin: {
			CapViewAllRequests, CapOverrideDecisions, CapManageIdentities, CapViewSystemActivities,
			CapEditOwnProfile, CapChangeOwnPassword,
		},
	}
}

// DefaultModel returns the built-in capability model.
func DefaultModel() *Model {
	m, _ := NewModel(DefaultGrants())
	return m
}

// NewModel validates grants and freezes them. Only recognised roles and capabilities are accepted.
func NewModel(grants map[Role][]Capability) (*Model, error) {
	m := &Model{grants: make(map[Role]map[Capability]struct{}, len(grants))}
	for role, caps := range grants {
		if !slices.Contains(knownRoles, role) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		}
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			if !slices.Contains(knownCapabilities, c) {
				return nil, fmt.Errorf("%w: unknown capability %q for role %s", ErrInvalidInput, c, role)
			}
			set[c] = struct{}{}
		}
		m.grants[role] = set
	}
	return m, nil
}

// Has reports whether role holds capability. Unknown role or capability yields false.
func (m *Model) Has(role Role, capability Capability) bool {
	if m == nil {
		return false
	}
	set, ok := m.grants[role]
	if !ok {
		return false
	}
	_, ok = set[capability]
	return ok
}

// Require returns a *DeniedError unless actor's role holds capability.
func (m *Model) Require(actor Actor, capability Capability) error {
	if m.Has(actor.Role, capability) {
		return nil
	}
	return &DeniedError{ActorID: actor.ID, Role: actor.Role, Capability: capability, Reason: "capability not granted"}
}

// Capabilities lists the grants of role in lexical order.
func (m *Model) Capabilities(role Role) []Capability {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.grants[role]))
}
