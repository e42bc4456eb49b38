package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// DeniedError describes a failed capability or scope check.
type DeniedError struct {
	ActorID    string
	Role       Role
	Capability Capability
	Reason     string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("auth: actor %q (%s) denied %s", e.ActorID, e.Role, e.Capability)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrUnauthorized) hold for every denial.
func (e *DeniedError) Is(target error) bool {
	return target == ErrUnauthorized
}

// Deny builds a scope denial for checks made outside the capability table
// (domain tag, department, ownership).
func Deny(actor Actor, capability Capability, reason string) error {
	return &DeniedError{ActorID: actor.ID, Role: actor.Role, Capability: capability, Reason: reason}
}
