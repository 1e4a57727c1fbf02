package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanArchived PlanStatus = "archived"
)

type Plan struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	ResellerPrice decimal.Decimal `json:"reseller_price"`
	DurationDays  int             `json:"duration_days"`
	DeviceLimit   int             `json:"device_limit"`
	Platforms     []string        `json:"platforms"`
	Status        PlanStatus      `json:"status"`
	// SupersededBy points at the plan row that replaced this one on reprice.
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AllowsPlatform reports whether the plan grants access on platform.
// An empty platform set means every platform.
func (p *Plan) AllowsPlatform(platform string) bool {
	return len(p.Platforms) == 0 || slices.Contains(p.Platforms, platform)
}

// Duration returns the plan length as a time.Duration.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
