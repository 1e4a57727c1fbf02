package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/entitlements/internal/models"
)

// PlanRepo has no price update: a reprice inserts a new row and archives
// the old one so settled charges keep pointing at the price they paid.
type PlanRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

const planColumns = `id, name, price, reseller_price, duration_days, device_limit, platforms, status, superseded_by, created_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.ResellerPrice, &p.DurationDays, &p.DeviceLimit, &p.Platforms,
		&p.Status, &p.SupersededBy, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (r *PlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

// GetByIDForShare takes a shared lock so a concurrent reprice waits for
// the caller's transaction.
func (r *PlanRepo) GetByIDForShare(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error) {
	return scanPlan(tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1 FOR SHARE`, id))
}

func (r *PlanRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error) {
	return scanPlan(tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1 FOR UPDATE`, id))
}

func (r *PlanRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Platforms == nil {
		p.Platforms = []string{}
	}
	if p.Status == "" {
		p.Status = models.PlanActive
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO plans (id, name, price, reseller_price, duration_days, device_limit, platforms, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, p.ID, p.Name, p.Price, p.ResellerPrice, p.DurationDays, p.DeviceLimit, p.Platforms, p.Status).Scan(&p.CreatedAt)
	return mapErr(err)
}

// ArchiveTx retires a plan in favour of its replacement.
func (r *PlanRepo) ArchiveTx(ctx context.Context, tx pgx.Tx, id, supersededBy uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE plans SET status = 'archived', superseded_by = $2 WHERE id = $1 AND status = 'active'
	`, id, supersededBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *PlanRepo) ListActive(ctx context.Context) ([]*models.Plan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE status = 'active' ORDER BY price`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
