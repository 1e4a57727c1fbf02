package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletTxType string

const (
	WalletCredit WalletTxType = "credit"
	WalletDebit  WalletTxType = "debit"
)

// WalletTransaction is one append-only ledger row. Amount is always
// positive; Type carries the sign.
type WalletTransaction struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"-"`
	Type         WalletTxType    `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	ExternalRef  *string         `json:"external_ref,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign of the transaction type.
func (t *WalletTransaction) Signed() decimal.Decimal {
	if t.Type == WalletDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
