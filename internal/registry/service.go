// Package registry tracks device sessions per account and enforces the
// concurrent-device limit at admission time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/ids"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

var (
	// ErrRefused is returned by Admit when the account is at its device limit.
	ErrRefused = errors.New("device limit reached")
	// ErrNotOwner is returned when revoking a session of another account.
	ErrNotOwner = errors.New("session belongs to another account")
	// ErrSessionNotFound is returned for unknown or already revoked sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// AccountStore is the account lock the admission check serializes on.
type AccountStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
}

// PlanStore resolves the device limit of the account's current plan.
type PlanStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

type SessionStore interface {
	CountByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteOldestTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Session, error)
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	DB       repository.TxBeginner
	Accounts AccountStore
	Plans    PlanStore
	Sessions SessionStore

	// DefaultLimit applies when neither the account nor its plan sets one.
	DefaultLimit int
	Now          func() time.Time
	log          *zap.SugaredLogger
}

func NewService(db repository.TxBeginner, accounts AccountStore, plans PlanStore, sessions SessionStore, defaultLimit int, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if defaultLimit < 1 {
		defaultLimit = 1
	}
	return &Service{
		DB:           db,
		Accounts:     accounts,
		Plans:        plans,
		Sessions:     sessions,
		DefaultLimit: defaultLimit,
		Now:          time.Now,
		log:          log,
	}
}

// EffectiveLimit resolves the device limit: the account override, then
// the limit of the account's plan, then the configured default.
func (s *Service) EffectiveLimit(ctx context.Context, acc *models.Account) (int, error) {
	if acc.DeviceLimit != nil && *acc.DeviceLimit > 0 {
		return *acc.DeviceLimit, nil
	}
	if acc.SubscriptionPlanID != nil {
		plan, err := s.Plans.GetByID(ctx, *acc.SubscriptionPlanID)
		switch {
		case err == nil && plan.DeviceLimit > 0:
			return plan.DeviceLimit, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return 0, fmt.Errorf("load plan: %w", err)
		}
	}
	return s.DefaultLimit, nil
}

// Admit counts the account's live sessions under the account row lock
// and inserts a new one if a slot is free. Concurrent calls for the same
// account queue on the lock, so with one slot left exactly one succeeds.
func (s *Service) Admit(ctx context.Context, accountID uuid.UUID, platform, deviceLabel string) (*models.Session, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	limit, err := s.EffectiveLimit(ctx, acc)
	if err != nil {
		return nil, err
	}
	n, err := s.Sessions.CountByAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if n >= limit {
		return nil, ErrRefused
	}
	sess := &models.Session{
		AccountID:   accountID,
		TokenID:     ids.NewTokenID(),
		DeviceLabel: deviceLabel,
		Platform:    platform,
	}
	if err := s.Sessions.CreateTx(ctx, tx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Infow("session admitted", "account_id", accountID, "session_id", sess.ID, "platform", platform, "active", n+1, "limit", limit)
	return sess, nil
}

// List returns the account's sessions, most recently active first.
func (s *Service) List(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error) {
	return s.Sessions.ListByAccountID(ctx, accountID)
}

// Lookup resolves a session by the token id carried in the sid claim.
func (s *Service) Lookup(ctx context.Context, tokenID string) (*models.Session, error) {
	sess, err := s.Sessions.GetByTokenID(ctx, tokenID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// Touch records activity on the session.
func (s *Service) Touch(ctx context.Context, sessionID uuid.UUID) error {
	err := s.Sessions.Touch(ctx, sessionID, s.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Revoke deletes one of the account's sessions, freeing a slot.
func (s *Service) Revoke(ctx context.Context, accountID, sessionID uuid.UUID) error {
	sess, err := s.Sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if sess.AccountID != accountID {
		return ErrNotOwner
	}
	if err := s.Sessions.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	s.log.Infow("session revoked", "account_id", accountID, "session_id", sessionID)
	return nil
}

// EvictOldest removes the account's least recently active session. It is
// an operator action and never runs as part of admission.
func (s *Service) EvictOldest(ctx context.Context, accountID uuid.UUID) (*models.Session, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if _, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	sess, err := s.Sessions.DeleteOldestTx(ctx, tx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Infow("oldest session evicted", "account_id", accountID, "session_id", sess.ID, "last_active", sess.LastActive)
	return sess, nil
}

// ReapStale deletes sessions idle for longer than maxIdle. It only
// deletes, so it is safe alongside admission.
func (s *Service) ReapStale(ctx context.Context, maxIdle time.Duration) (int64, error) {
	n, err := s.Sessions.DeleteIdleSince(ctx, s.Now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infow("stale sessions reaped", "count", n, "max_idle", maxIdle)
	}
	return n, nil
}
