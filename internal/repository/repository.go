package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate")
	// ErrStale is returned when a conditional update matched no row
	// because the row already left the expected state.
	ErrStale = errors.New("row changed concurrently")
)

// TxBeginner abstracts transaction creation so services can run against
// a *pgxpool.Pool or an in-memory store in tests.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

// IsDuplicate reports whether err came from a unique-constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
