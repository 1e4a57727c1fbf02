package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository/memstore"
)

func newTestService(balance int64) (*Service, *memstore.Store, uuid.UUID) {
	st := memstore.New()
	acc := st.AddAccount(&models.Account{Role: models.RoleReseller, WalletBalance: decimal.NewFromInt(balance)})
	return NewService(st, st.Accounts(), st.Wallet()), st, acc.ID
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// assertLedgerMatchesBalance checks that credits minus debits equals the
// stored balance and that every balance_after reconstructs.
func assertLedgerMatchesBalance(t *testing.T, st *memstore.Store, id uuid.UUID) {
	t.Helper()
	entries := st.Ledger(id)
	rec := Replay(entries)
	if rec.FirstMismatch != nil {
		t.Fatalf("balance_after mismatch at entry %s", rec.FirstMismatch)
	}
	stored := st.Account(id).WalletBalance
	if !rec.Replayed.Equal(stored) {
		t.Fatalf("ledger sum %s != stored balance %s", rec.Replayed, stored)
	}
}

// ---------------------------------------------------------------------------
// Credit
// ---------------------------------------------------------------------------

func TestCredit_AppendsAndRaisesBalance(t *testing.T) {
	svc, st, id := newTestService(0)
	entry, dup, err := svc.CreditStandalone(context.Background(), id, dec(250), "top-up", "pay_1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if dup {
		t.Error("first credit reported as duplicate")
	}
	if !entry.BalanceAfter.Equal(dec(250)) {
		t.Errorf("balance_after: got %s, want 250", entry.BalanceAfter)
	}
	assertLedgerMatchesBalance(t, st, id)
}

func TestCredit_IdempotentOnExternalRef(t *testing.T) {
	svc, st, id := newTestService(0)
	ctx := context.Background()
	first, _, err := svc.CreditStandalone(ctx, id, dec(100), "top-up", "pay_dup")
	if err != nil {
		t.Fatal(err)
	}
	second, dup, err := svc.CreditStandalone(ctx, id, dec(100), "top-up", "pay_dup")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("second credit should be a duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate should return the original transaction")
	}
	if n := len(st.Ledger(id)); n != 1 {
		t.Errorf("ledger rows: got %d, want 1", n)
	}
	if got := st.Account(id).WalletBalance; !got.Equal(dec(100)) {
		t.Errorf("balance: got %s, want 100", got)
	}
}

func TestCredit_ConcurrentSameRefCreditsOnce(t *testing.T) {
	svc, st, id := newTestService(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.CreditStandalone(context.Background(), id, dec(40), "webhook", "pay_race"); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(st.Ledger(id)); n != 1 {
		t.Errorf("ledger rows: got %d, want 1", n)
	}
	assertLedgerMatchesBalance(t, st, id)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	svc, _, id := newTestService(0)
	if _, _, err := svc.CreditStandalone(context.Background(), id, dec(0), "x", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

// ---------------------------------------------------------------------------
// Debit
// ---------------------------------------------------------------------------

func TestDebit_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, st, id := newTestService(100)
	_, err := svc.DebitStandalone(context.Background(), id, dec(150), "plan", "SUB-x")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if got := st.Account(id).WalletBalance; !got.Equal(dec(100)) {
		t.Errorf("balance changed: %s", got)
	}
	if n := len(st.Ledger(id)); n != 0 {
		t.Errorf("ledger rows: got %d, want 0", n)
	}
}

func TestDebit_Succeeds(t *testing.T) {
	svc, _, id := newTestService(200)
	entry, err := svc.DebitStandalone(context.Background(), id, dec(150), "plan", "SUB-abc")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.BalanceAfter.Equal(dec(50)) {
		t.Errorf("balance_after: got %s, want 50", entry.BalanceAfter)
	}
	if entry.ExternalRef == nil || *entry.ExternalRef != "SUB-abc" {
		t.Errorf("reference not recorded: %v", entry.ExternalRef)
	}
}

func TestDebit_ConcurrentOnlyOneFits(t *testing.T) {
	svc, st, id := newTestService(150)
	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		okCount, insuffCnt int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DebitStandalone(context.Background(), id, dec(100), "plan", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrInsufficientFunds):
				insuffCnt++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if okCount != 1 || insuffCnt != 1 {
		t.Errorf("got %d successes and %d refusals, want 1 and 1", okCount, insuffCnt)
	}
	assertLedgerMatchesBalance(t, st, id)
}

func TestDebit_AppendFailureRollsBackBalance(t *testing.T) {
	svc, st, id := newTestService(200)
	st.FailNext("CreateWalletTx", errors.New("disk full"))
	if _, err := svc.DebitStandalone(context.Background(), id, dec(50), "plan", ""); err == nil {
		t.Fatal("expected error")
	}
	if got := st.Account(id).WalletBalance; !got.Equal(dec(200)) {
		t.Errorf("balance: got %s, want 200", got)
	}
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func TestReconcile_MixedHistory(t *testing.T) {
	svc, st, id := newTestService(0)
	ctx := context.Background()
	if _, _, err := svc.CreditStandalone(ctx, id, dec(500), "top-up", "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DebitStandalone(ctx, id, dec(150), "plan", "SUB-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.CreditStandalone(ctx, id, decimal.RequireFromString("12.50"), "top-up", "p2"); err != nil {
		t.Fatal(err)
	}
	rec, err := svc.Reconcile(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Consistent || rec.Entries != 3 {
		t.Errorf("reconcile: %+v", rec)
	}
	if !rec.Stored.Equal(decimal.RequireFromString("362.50")) {
		t.Errorf("stored: got %s", rec.Stored)
	}
	assertLedgerMatchesBalance(t, st, id)
}

func TestReplay_FlagsBrokenEntry(t *testing.T) {
	bad := uuid.New()
	entries := []*models.WalletTransaction{
		{ID: uuid.New(), Type: models.WalletCredit, Amount: dec(100), BalanceAfter: dec(100)},
		{ID: bad, Type: models.WalletDebit, Amount: dec(30), BalanceAfter: dec(80)},
	}
	rec := Replay(entries)
	if rec.FirstMismatch == nil || *rec.FirstMismatch != bad {
		t.Errorf("first mismatch: got %v, want %s", rec.FirstMismatch, bad)
	}
	if !rec.Replayed.Equal(dec(70)) {
		t.Errorf("replayed: got %s, want 70", rec.Replayed)
	}
}

func TestBalance_TracksLastEntry(t *testing.T) {
	svc, _, id := newTestService(0)
	ctx := context.Background()

	got, err := svc.Balance(ctx, id)
	if err != nil || !got.IsZero() {
		t.Fatalf("empty wallet: got %s, %v", got, err)
	}
	if _, _, err := svc.CreditStandalone(ctx, id, dec(200), "top-up", "pay_b1"); err != nil {
		t.Fatal(err)
	}
	last, err := svc.DebitStandalone(ctx, id, dec(150), "plan", "SUB-cus_b")
	if err != nil {
		t.Fatal(err)
	}
	got, err = svc.Balance(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(last.BalanceAfter) || !got.Equal(dec(50)) {
		t.Errorf("balance: got %s, last balance_after %s", got, last.BalanceAfter)
	}
}
