// Package ledger keeps reseller wallets as an append-only transaction log
// with the running balance mirrored on the account row.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Service is the only writer of wallet balances. Credit and Debit run
// inside the caller's transaction so a settlement can combine a money
// movement with its entitlement change.
type Service struct {
	DB           repository.TxBeginner
	Accounts     AccountStore
	Transactions TransactionStore
}

func NewService(db repository.TxBeginner, accounts AccountStore, txs TransactionStore) *Service {
	return &Service{DB: db, Accounts: accounts, Transactions: txs}
}

// Credit locks the account, appends a credit and raises the balance.
// A non-empty externalRef already credited to this account makes the call
// a no-op that returns the earlier transaction with duplicate=true.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount decimal.Decimal, description, externalRef string) (*models.WalletTransaction, bool, error) {
	if !amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, false, fmt.Errorf("lock account: %w", err)
	}
	if externalRef != "" {
		prior, err := s.Transactions.GetCreditByExternalRefTx(ctx, tx, accountID, externalRef)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("lookup external ref: %w", err)
		}
	}
	entry := &models.WalletTransaction{
		AccountID:    accountID,
		Type:         models.WalletCredit,
		Amount:       amount,
		Description:  description,
		ExternalRef:  optional(externalRef),
		BalanceAfter: acc.WalletBalance.Add(amount),
	}
	if err := s.apply(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// Debit locks the account, checks the balance covers amount, lowers it
// and appends a debit carrying referenceID. On ErrInsufficientFunds
// nothing is written.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if acc.WalletBalance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	entry := &models.WalletTransaction{
		AccountID:    accountID,
		Type:         models.WalletDebit,
		Amount:       amount,
		Description:  description,
		ExternalRef:  optional(referenceID),
		BalanceAfter: acc.WalletBalance.Sub(amount),
	}
	if err := s.apply(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) apply(ctx context.Context, tx pgx.Tx, entry *models.WalletTransaction) error {
	if err := s.Accounts.UpdateWalletBalance(ctx, tx, entry.AccountID, entry.BalanceAfter); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if err := s.Transactions.CreateTx(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s: %w", entry.Type, err)
	}
	return nil
}

// CreditStandalone runs Credit in its own transaction.
func (s *Service) CreditStandalone(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description, externalRef string) (*models.WalletTransaction, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)
	entry, dup, err := s.Credit(ctx, tx, accountID, amount, description, externalRef)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return entry, dup, nil
}

// DebitStandalone runs Debit in its own transaction.
func (s *Service) DebitStandalone(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, description, referenceID string) (*models.WalletTransaction, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	entry, err := s.Debit(ctx, tx, accountID, amount, description, referenceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the stored wallet balance, which always equals the
// balance_after of the account's last ledger entry.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	acc, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.WalletBalance, nil
}

// History returns the ledger oldest first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID) ([]*models.WalletTransaction, error) {
	return s.Transactions.ListByAccountID(ctx, accountID)
}

// Reconciliation is the result of replaying an account's ledger.
type Reconciliation struct {
	Stored   decimal.Decimal `json:"stored_balance"`
	Replayed decimal.Decimal `json:"replayed_balance"`
	Entries  int             `json:"entries"`
	// FirstMismatch is the id of the first entry whose balance_after
	// disagrees with the running sum.
	FirstMismatch *uuid.UUID `json:"first_mismatch,omitempty"`
	Consistent    bool       `json:"consistent"`
}

// Reconcile replays the ledger in write order and compares every
// balance_after and the final sum with the stored wallet balance. The
// account row is locked for the duration so no mutation lands between
// the two reads.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Transactions.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	rec := Replay(entries)
	rec.Stored = acc.WalletBalance
	rec.Consistent = rec.FirstMismatch == nil && rec.Replayed.Equal(rec.Stored)
	return rec, nil
}

// Replay sums entries in order and records the first entry whose
// balance_after breaks the running total. Stored and Consistent are left
// for the caller.
func Replay(entries []*models.WalletTransaction) *Reconciliation {
	rec := &Reconciliation{Replayed: decimal.Zero, Entries: len(entries)}
	for _, e := range entries {
		rec.Replayed = rec.Replayed.Add(e.Signed())
		if rec.FirstMismatch == nil && !rec.Replayed.Equal(e.BalanceAfter) {
			id := e.ID
			rec.FirstMismatch = &id
		}
	}
	return rec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
