package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/entitlements/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, account_id, token_id, device_label, platform, created_at, last_active`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.AccountID, &s.TokenID, &s.DeviceLabel, &s.Platform, &s.CreatedAt, &s.LastActive); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

// CountByAccountTx counts live sessions. The caller must hold the account row lock.
func (r *SessionRepo) CountByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE account_id = $1`, accountID).Scan(&n)
	return n, mapErr(err)
}

func (r *SessionRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO sessions (id, account_id, token_id, device_label, platform)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, last_active
	`, s.ID, s.AccountID, s.TokenID, s.DeviceLabel, s.Platform).Scan(&s.CreatedAt, &s.LastActive)
	return mapErr(err)
}

// ListByAccountID returns the account's sessions, most recently active first.
func (r *SessionRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY last_active DESC, created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *SessionRepo) GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_id = $1`, tokenID))
}

// Touch bumps last_active. Returns ErrNotFound if the session was revoked.
func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sessions SET last_active = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOldestTx removes the least recently active session of the account.
func (r *SessionRepo) DeleteOldestTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Session, error) {
	return scanSession(tx.QueryRow(ctx, `
		DELETE FROM sessions WHERE id = (
			SELECT id FROM sessions WHERE account_id = $1 ORDER BY last_active ASC, created_at ASC LIMIT 1
		)
		RETURNING `+sessionColumns, accountID))
}

// DeleteIdleSince removes every session whose last_active is before cutoff.
func (r *SessionRepo) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE last_active < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
