package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/entitlements/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, k.ID, k.Name, k.KeyHash, k.KeyPrefix, k.IsActive).Scan(&k.CreatedAt)
	return mapErr(err)
}

// List returns every application key, newest first.
func (r *APIKeyRepo) List(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, key_hash, key_prefix, is_active, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	return list, rows.Err()
}

// Deactivate revokes a key; the row is kept for audit.
func (r *APIKeyRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByKeyHash returns the active key with the given hash.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, key_prefix, is_active, created_at
		FROM api_keys WHERE key_hash = $1 AND is_active = TRUE
	`, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}
