package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
)

// AccountStore is the slice of the account repository the ledger needs.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	UpdateWalletBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error
}

// TransactionStore is the append-only wallet_transactions table.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.WalletTransaction) error
	GetCreditByExternalRefTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, ref string) (*models.WalletTransaction, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.WalletTransaction, error)
}
