package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/models"
)

// AccountStore is the account access settlement needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByPublicID(ctx context.Context, publicID string) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	UpdateSubscription(ctx context.Context, tx pgx.Tx, id, planID uuid.UUID, expiresAt time.Time, status models.AccountStatus) error
}

// PlanStore reads catalog plans. Purchases hold a share lock so a
// concurrent reprice waits for the pending charge to be recorded.
type PlanStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	GetByIDForShare(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error)
}

// ChargeStore persists pending charges and their terminal outcome.
type ChargeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Charge) error
	AttachOrder(ctx context.Context, id uuid.UUID, orderID string, raw json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	GetByReference(ctx context.Context, ref string) (*models.Charge, error)
	GetByGatewayOrderID(ctx context.Context, gateway, orderID string) (*models.Charge, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Charge, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.ChargeStatus, paymentID *string, raw json.RawMessage, errMsg *string) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Charge, error)
}

// Wallet moves money inside the caller's transaction. *ledger.Service
// satisfies it.
type Wallet interface {
	Credit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount decimal.Decimal, description, externalRef string) (*models.WalletTransaction, bool, error)
	Debit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*models.WalletTransaction, error)
}

// Gateways selects a payment adapter by name. *gateway.Registry
// satisfies it.
type Gateways interface {
	Get(name string) (gateway.Adapter, error)
}

// Receipts mints merchant receipt references.
type Receipts interface {
	Next() string
}
