// Package catalog serves the plan catalog and reprices plans. A plan row
// is never edited in place: a reprice archives it and inserts a
// replacement, so settled charges keep pointing at the price they paid.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrPlanArchived   = errors.New("plan is archived")
	ErrPendingCharges = errors.New("plan has pending charges")
	ErrInvalidPrice   = errors.New("prices must be positive with at most two decimal places")
)

type PlanStore interface {
	ListActive(ctx context.Context) ([]*models.Plan, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Plan, error)
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Plan) error
	ArchiveTx(ctx context.Context, tx pgx.Tx, id, supersededBy uuid.UUID) error
}

// PendingCounter counts open checkouts for a plan.
type PendingCounter interface {
	CountPendingByPlanTx(ctx context.Context, tx pgx.Tx, planID uuid.UUID) (int, error)
}

type Service struct {
	DB      repository.TxBeginner
	Plans   PlanStore
	Charges PendingCounter
	log     *zap.SugaredLogger
}

func NewService(db repository.TxBeginner, plans PlanStore, charges PendingCounter, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{DB: db, Plans: plans, Charges: charges, log: log}
}

// ListActive returns the plans open for purchase, cheapest first.
func (s *Service) ListActive(ctx context.Context) ([]*models.Plan, error) {
	return s.Plans.ListActive(ctx)
}

func validPrice(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

// Reprice replaces the plan with a copy at the new prices and returns the
// replacement. It fails with ErrPendingCharges while a checkout for the
// plan is open; purchases hold the plan row in share mode, so none can
// start while the reprice holds it.
func (s *Service) Reprice(ctx context.Context, planID uuid.UUID, price, resellerPrice decimal.Decimal) (*models.Plan, error) {
	if !validPrice(price) || !validPrice(resellerPrice) {
		return nil, ErrInvalidPrice
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	old, err := s.Plans.GetByIDForUpdate(ctx, tx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock plan: %w", err)
	}
	if old.Status != models.PlanActive {
		return nil, ErrPlanArchived
	}
	n, err := s.Charges.CountPendingByPlanTx(ctx, tx, planID)
	if err != nil {
		return nil, fmt.Errorf("count pending charges: %w", err)
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: %d open", ErrPendingCharges, n)
	}

	next := &models.Plan{
		Name:          old.Name,
		Price:         price,
		ResellerPrice: resellerPrice,
		DurationDays:  old.DurationDays,
		DeviceLimit:   old.DeviceLimit,
		Platforms:     append([]string(nil), old.Platforms...),
		Status:        models.PlanActive,
	}
	if err := s.Plans.CreateTx(ctx, tx, next); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	if err := s.Plans.ArchiveTx(ctx, tx, old.ID, next.ID); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, ErrPlanArchived
		}
		return nil, fmt.Errorf("archive plan: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Infow("plan repriced",
		"old_plan_id", old.ID,
		"new_plan_id", next.ID,
		"price", price.StringFixed(2),
		"reseller_price", resellerPrice.StringFixed(2),
	)
	return next, nil
}
