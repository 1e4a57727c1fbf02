package models

import "github.com/google/uuid"

// TokenScope limits what a bearer token may do.
type TokenScope string

const (
	ScopeFull TokenScope = "full"
	// ScopeDevices is issued when login is refused for the device limit.
	// It only allows listing and revoking the holder's own sessions.
	ScopeDevices TokenScope = "devices"
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	AccountID uuid.UUID
	PublicID  string
	Role      Role
	// SessionID is nil for limited tokens, which are not bound to a session.
	SessionID *uuid.UUID
	TokenID   string
	Scope     TokenScope
}

// Limited reports whether the principal holds a device-management-only token.
func (p *Principal) Limited() bool {
	return p.Scope != ScopeFull
}
