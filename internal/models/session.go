package models

import (
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"-"`
	TokenID     string    `json:"-"`
	DeviceLabel string    `json:"device_label"`
	Platform    string    `json:"platform"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}
