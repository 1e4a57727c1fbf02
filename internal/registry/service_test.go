package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository/memstore"
)

func newTestRegistry(defaultLimit int) (*Service, *memstore.Store) {
	st := memstore.New()
	return NewService(st, st.Accounts(), st.Plans(), st.Sessions(), defaultLimit, nil), st
}

func intPtr(n int) *int { return &n }

// admitConcurrently fires m admits at once and returns the number of
// successes and refusals.
func admitConcurrently(t *testing.T, svc *Service, accountID uuid.UUID, m int) (ok, refused int) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Admit(context.Background(), accountID, "web", "browser")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrRefused):
				refused++
			default:
				t.Errorf("admit: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return ok, refused
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestAdmit_TwoConcurrentWithLimitOne(t *testing.T) {
	svc, st := newTestRegistry(1)
	acc := st.AddAccount(&models.Account{Role: models.RoleCustomer})

	ok, refused := admitConcurrently(t, svc, acc.ID, 2)
	if ok != 1 || refused != 1 {
		t.Errorf("got %d admitted, %d refused; want 1 and 1", ok, refused)
	}
	if n := st.SessionCount(acc.ID); n != 1 {
		t.Errorf("live sessions: got %d, want 1", n)
	}
}

func TestAdmit_ManyConcurrentNeverExceedLimit(t *testing.T) {
	svc, st := newTestRegistry(1)
	acc := st.AddAccount(&models.Account{Role: models.RoleCustomer, DeviceLimit: intPtr(3)})

	ok, refused := admitConcurrently(t, svc, acc.ID, 20)
	if ok != 3 || refused != 17 {
		t.Errorf("got %d admitted, %d refused; want 3 and 17", ok, refused)
	}
	if n := st.SessionCount(acc.ID); n != 3 {
		t.Errorf("live sessions: got %d, want 3", n)
	}
}

func TestAdmit_AccountsDoNotShareSlots(t *testing.T) {
	svc, st := newTestRegistry(1)
	a := st.AddAccount(&models.Account{Role: models.RoleCustomer})
	b := st.AddAccount(&models.Account{Role: models.RoleCustomer})
	if _, err := svc.Admit(context.Background(), a.ID, "web", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Admit(context.Background(), b.ID, "web", "b"); err != nil {
		t.Fatalf("second account refused: %v", err)
	}
}

func TestEffectiveLimit_Precedence(t *testing.T) {
	svc, st := newTestRegistry(1)
	plan := st.AddPlan(&models.Plan{Name: "family", DurationDays: 30, DeviceLimit: 4})
	ctx := context.Background()

	cases := []struct {
		name string
		acc  *models.Account
		want int
	}{
		{"default", &models.Account{}, 1},
		{"plan", &models.Account{SubscriptionPlanID: &plan.ID}, 4},
		{"override wins", &models.Account{SubscriptionPlanID: &plan.ID, DeviceLimit: intPtr(2)}, 2},
		{"missing plan falls back", &models.Account{SubscriptionPlanID: func() *uuid.UUID { id := uuid.New(); return &id }()}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.EffectiveLimit(ctx, tc.acc)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Revoke, evict, reap
// ---------------------------------------------------------------------------

func TestRevoke_FreesSlot(t *testing.T) {
	svc, st := newTestRegistry(1)
	acc := st.AddAccount(&models.Account{})
	ctx := context.Background()
	sess, err := svc.Admit(ctx, acc.ID, "web", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Admit(ctx, acc.ID, "ios", "phone"); !errors.Is(err, ErrRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if err := svc.Revoke(ctx, acc.ID, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Admit(ctx, acc.ID, "ios", "phone"); err != nil {
		t.Errorf("admit after revoke: %v", err)
	}
}

func TestRevoke_OtherAccount(t *testing.T) {
	svc, st := newTestRegistry(1)
	owner := st.AddAccount(&models.Account{})
	other := st.AddAccount(&models.Account{})
	sess := st.AddSession(&models.Session{AccountID: owner.ID, TokenID: "tok"})
	if err := svc.Revoke(context.Background(), other.ID, sess.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
	if err := svc.Revoke(context.Background(), owner.ID, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestEvictOldest_RemovesLeastRecentlyActive(t *testing.T) {
	svc, st := newTestRegistry(3)
	acc := st.AddAccount(&models.Account{})
	now := time.Now()
	old := st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "a", LastActive: now.Add(-3 * time.Hour)})
	st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "b", LastActive: now.Add(-1 * time.Hour)})

	evicted, err := svc.EvictOldest(context.Background(), acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if evicted.ID != old.ID {
		t.Errorf("evicted %s, want %s", evicted.ID, old.ID)
	}
	if n := st.SessionCount(acc.ID); n != 1 {
		t.Errorf("live sessions: got %d, want 1", n)
	}
	empty := st.AddAccount(&models.Account{})
	if _, err := svc.EvictOldest(context.Background(), empty.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestList_MostRecentFirst(t *testing.T) {
	svc, st := newTestRegistry(3)
	acc := st.AddAccount(&models.Account{})
	now := time.Now()
	st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "a", LastActive: now.Add(-time.Hour)})
	recent := st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "b", LastActive: now})
	list, err := svc.List(context.Background(), acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != recent.ID {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestReapStale(t *testing.T) {
	svc, st := newTestRegistry(3)
	acc := st.AddAccount(&models.Account{})
	now := time.Now()
	svc.Now = func() time.Time { return now }
	st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "idle", LastActive: now.Add(-48 * time.Hour)})
	st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "fresh", LastActive: now.Add(-time.Minute)})

	n, err := svc.ReapStale(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || st.SessionCount(acc.ID) != 1 {
		t.Errorf("reaped %d, remaining %d", n, st.SessionCount(acc.ID))
	}
}

func TestTouch_RevokedSession(t *testing.T) {
	svc, _ := newTestRegistry(1)
	if err := svc.Touch(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}
