package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey identifies a calling application (web storefront, set-top box
// app, reseller panel). Only the SHA-256 of the raw key is stored.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
