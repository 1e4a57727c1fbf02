package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/streamvault/entitlements/internal/models"
)

// AccountStore is the account access the issuer needs.
type AccountStore interface {
	Create(ctx context.Context, a *models.Account) error
	GetByPublicID(ctx context.Context, publicID string) (*models.Account, error)
	GetByCredentialKey(ctx context.Context, identifier string) (*models.Account, error)
}

// SessionRegistry admits and tracks device sessions. *registry.Service
// satisfies it.
type SessionRegistry interface {
	Admit(ctx context.Context, accountID uuid.UUID, platform, deviceLabel string) (*models.Session, error)
	EffectiveLimit(ctx context.Context, acc *models.Account) (int, error)
	List(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error)
	Lookup(ctx context.Context, tokenID string) (*models.Session, error)
	Touch(ctx context.Context, sessionID uuid.UUID) error
	Revoke(ctx context.Context, accountID, sessionID uuid.UUID) error
}
