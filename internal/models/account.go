package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is the closed set of principal kinds. Capability checks go through
// the predicate methods, never through string comparison at call sites.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleReseller Role = "reseller"
	RoleAdmin    Role = "admin"
)

// ParseRole returns the Role for s and false if s is not a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleCustomer, RoleReseller, RoleAdmin:
		return r, true
	}
	return "", false
}

func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// CanManageWallet reports whether the role holds a prepaid wallet
// (top-ups, ledger history).
func (r Role) CanManageWallet() bool {
	return r == RoleReseller || r == RoleAdmin
}

// CanAssignPlan reports whether the role may assign a plan to another
// account against its own wallet.
func (r Role) CanAssignPlan() bool {
	return r == RoleReseller || r == RoleAdmin
}

// CanAdminister reports whether the role may use operator endpoints.
func (r Role) CanAdminister() bool {
	return r == RoleAdmin
}

// AccountStatus values. Inactive accounts have no current subscription
// and may still sign in to buy one; blocked and deleted accounts may not.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountBlocked  AccountStatus = "blocked"
	AccountDeleted  AccountStatus = "deleted"
)

type Account struct {
	ID                    uuid.UUID       `json:"-"`
	PublicID              string          `json:"public_id"`
	Role                  Role            `json:"role"`
	Status                AccountStatus   `json:"status"`
	Email                 string          `json:"email"`
	Username              string          `json:"username"`
	PasswordHash          string          `json:"-"`
	WalletBalance         decimal.Decimal `json:"wallet_balance"`
	SubscriptionPlanID    *uuid.UUID      `json:"subscription_plan_id,omitempty"`
	SubscriptionExpiresAt *time.Time      `json:"subscription_expires_at,omitempty"`
	DeviceLimit           *int            `json:"device_limit,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// SubscriptionActive reports whether the account has an unexpired subscription at now.
func (a *Account) SubscriptionActive(now time.Time) bool {
	return a.SubscriptionExpiresAt != nil && a.SubscriptionExpiresAt.After(now)
}
