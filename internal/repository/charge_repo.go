package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/entitlements/internal/models"
)

type ChargeRepo struct {
	pool *pgxpool.Pool
}

func NewChargeRepo(pool *pgxpool.Pool) *ChargeRepo {
	return &ChargeRepo{pool: pool}
}

const chargeColumns = `id, reference, account_id, plan_id, gateway, gateway_order_id, gateway_payment_id,
	amount, currency, status, raw_payload, error_message, created_at, updated_at, settled_at`

func scanCharge(row pgx.Row) (*models.Charge, error) {
	var c models.Charge
	err := row.Scan(&c.ID, &c.Reference, &c.AccountID, &c.PlanID, &c.Gateway, &c.GatewayOrderID, &c.GatewayPaymentID,
		&c.Amount, &c.Currency, &c.Status, &c.RawPayload, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt, &c.SettledAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// CreateTx inserts a pending charge.
func (r *ChargeRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Charge) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = models.ChargePending
	err := tx.QueryRow(ctx, `
		INSERT INTO charges (id, reference, account_id, plan_id, gateway, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING created_at, updated_at
	`, c.ID, c.Reference, c.AccountID, c.PlanID, c.Gateway, c.Amount, c.Currency).Scan(&c.CreatedAt, &c.UpdatedAt)
	return mapErr(err)
}

// AttachOrder records the gateway order id on a pending charge.
func (r *ChargeRepo) AttachOrder(ctx context.Context, id uuid.UUID, orderID string, raw json.RawMessage) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE charges SET gateway_order_id = $2, raw_payload = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, orderID, nullJSON(raw))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MarkFailed moves a still-pending charge to failed outside any
// settlement transaction. Returns ErrStale if it was already terminal.
func (r *ChargeRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE charges SET status = 'failed', error_message = $2, settled_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *ChargeRepo) GetByReference(ctx context.Context, ref string) (*models.Charge, error) {
	return scanCharge(r.pool.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE reference = $1`, ref))
}

func (r *ChargeRepo) GetByGatewayOrderID(ctx context.Context, gateway, orderID string) (*models.Charge, error) {
	return scanCharge(r.pool.QueryRow(ctx, `
		SELECT `+chargeColumns+` FROM charges WHERE gateway = $1 AND gateway_order_id = $2
	`, gateway, orderID))
}

// GetByIDForUpdate locks the charge row. Call within a transaction.
func (r *ChargeRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Charge, error) {
	return scanCharge(tx.QueryRow(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1 FOR UPDATE`, id))
}

// CompleteTx moves a locked pending charge to its terminal status. The
// unique (gateway, gateway_payment_id) index rejects a second charge
// claiming the same payment with ErrDuplicate.
func (r *ChargeRepo) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.ChargeStatus, paymentID *string, raw json.RawMessage, errMsg *string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE charges
		SET status = $2, gateway_payment_id = COALESCE($3, gateway_payment_id),
		    raw_payload = COALESCE($4, raw_payload), error_message = $5,
		    settled_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, status, paymentID, nullJSON(raw), errMsg)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// ListStalePending returns pending charges created before cutoff, oldest first.
func (r *ChargeRepo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Charge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// CountPendingByPlanTx counts pending charges priced from the plan.
func (r *ChargeRepo) CountPendingByPlanTx(ctx context.Context, tx pgx.Tx, planID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM charges WHERE plan_id = $1 AND status = 'pending'`, planID).Scan(&n)
	return n, mapErr(err)
}
