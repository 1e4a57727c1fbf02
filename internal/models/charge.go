package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargeSuccess ChargeStatus = "success"
	ChargeFailed  ChargeStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ChargeStatus) Terminal() bool {
	return s == ChargeSuccess || s == ChargeFailed
}

// Charge is a checkout in flight: a plan purchase (PlanID set) or a
// wallet top-up (PlanID nil).
type Charge struct {
	ID               uuid.UUID       `json:"-"`
	Reference        string          `json:"reference"`
	AccountID        uuid.UUID       `json:"-"`
	PlanID           *uuid.UUID      `json:"plan_id,omitempty"`
	Gateway          string          `json:"gateway"`
	GatewayOrderID   *string         `json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string         `json:"gateway_payment_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           ChargeStatus    `json:"status"`
	RawPayload       json.RawMessage `json:"-"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
}

// IsTopUp reports whether the charge credits a wallet rather than a plan.
func (c *Charge) IsTopUp() bool {
	return c.PlanID == nil
}
