package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/entitlements/internal/models"
)

// WalletRepo stores wallet_transactions. The table is append-only: there
// is deliberately no update or delete method.
type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `id, account_id, type, amount, description, external_ref, balance_after, created_at`

func scanWalletTx(row pgx.Row) (*models.WalletTransaction, error) {
	var t models.WalletTransaction
	if err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Description, &t.ExternalRef, &t.BalanceAfter, &t.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// CreateTx appends a ledger entry inside the given transaction.
func (r *WalletRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.WalletTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, account_id, type, amount, description, external_ref, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Type, t.Amount, t.Description, t.ExternalRef, t.BalanceAfter).Scan(&t.CreatedAt)
	return mapErr(err)
}

// GetCreditByExternalRefTx finds a prior credit carrying ref for the account.
func (r *WalletRepo) GetCreditByExternalRefTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, ref string) (*models.WalletTransaction, error) {
	return scanWalletTx(tx.QueryRow(ctx, `
		SELECT `+walletColumns+` FROM wallet_transactions
		WHERE account_id = $1 AND external_ref = $2 AND type = 'credit'
	`, accountID, ref))
}

// ListByAccountID returns the ledger in write order (oldest first).
func (r *WalletRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+walletColumns+` FROM wallet_transactions WHERE account_id = $1 ORDER BY seq
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.WalletTransaction{}
	for rows.Next() {
		t, err := scanWalletTx(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
