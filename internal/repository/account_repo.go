package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, public_id, role, status, email, username, password_hash, wallet_balance,
	subscription_plan_id, subscription_expires_at, device_limit, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.PublicID, &a.Role, &a.Status, &a.Email, &a.Username, &a.PasswordHash, &a.WalletBalance,
		&a.SubscriptionPlanID, &a.SubscriptionExpiresAt, &a.DeviceLimit, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// Create inserts a new account with a zero wallet balance.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.WalletBalance = decimal.Zero
	err := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, public_id, role, status, email, username, password_hash, device_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.PublicID, a.Role, a.Status, a.Email, a.Username, a.PasswordHash, a.DeviceLimit).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapErr(err)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByPublicID(ctx context.Context, publicID string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE public_id = $1`, publicID))
}

// GetByCredentialKey resolves a login identifier, which may be either the
// email or the username (case-insensitive).
func (r *AccountRepo) GetByCredentialKey(ctx context.Context, identifier string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE lower(email) = lower($1) OR lower(username) = lower($1)
		LIMIT 1
	`, identifier))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// UpdateWalletBalance sets wallet_balance. Call after GetByIDForUpdate in the same tx.
func (r *AccountRepo) UpdateWalletBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET wallet_balance = $2, updated_at = now() WHERE id = $1
	`, id, balance)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubscription sets plan, expiry and status. Call after GetByIDForUpdate in the same tx.
func (r *AccountRepo) UpdateSubscription(ctx context.Context, tx pgx.Tx, id, planID uuid.UUID, expiresAt time.Time, status models.AccountStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET subscription_plan_id = $2, subscription_expires_at = $3, status = $4, updated_at = now()
		WHERE id = $1
	`, id, planID, expiresAt, status)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
