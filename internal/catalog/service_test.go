package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/repository/memstore"
	"github.com/streamvault/entitlements/internal/validate"
)

func newTestCatalog() (*Service, *memstore.Store) {
	st := memstore.New()
	return NewService(st, st.Plans(), st.Charges(), nil), st
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openCharge(t *testing.T, st *memstore.Store, plan *models.Plan) *models.Charge {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c := &models.Charge{Reference: "rcpt_" + plan.ID.String()[:8], PlanID: &plan.ID, Gateway: "razorpay", Amount: plan.Price, Currency: "INR"}
	if err := st.Charges().CreateTx(ctx, tx, c); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Reprice
// ---------------------------------------------------------------------------

func TestReprice_CreatesReplacementAndArchives(t *testing.T) {
	svc, st := newTestCatalog()
	old := st.AddPlan(&models.Plan{Name: "Premium", Price: dec("299"), ResellerPrice: dec("199"), DurationDays: 30, DeviceLimit: 2, Platforms: []string{"web", "ios"}})

	next, err := svc.Reprice(context.Background(), old.ID, dec("349"), dec("229.50"))
	if err != nil {
		t.Fatalf("Reprice: %v", err)
	}
	if next.ID == old.ID || !next.Price.Equal(dec("349")) || !next.ResellerPrice.Equal(dec("229.5")) {
		t.Errorf("replacement: %+v", next)
	}
	if next.DurationDays != 30 || next.DeviceLimit != 2 || len(next.Platforms) != 2 {
		t.Errorf("replacement lost plan terms: %+v", next)
	}

	active, err := svc.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != next.ID {
		t.Errorf("active plans: %+v", active)
	}

	if _, err := svc.Reprice(context.Background(), old.ID, dec("1"), dec("1")); !errors.Is(err, ErrPlanArchived) {
		t.Errorf("reprice archived: got %v, want ErrPlanArchived", err)
	}
}

func TestReprice_Rejections(t *testing.T) {
	svc, st := newTestCatalog()
	busy := st.AddPlan(&models.Plan{Name: "Busy", Price: dec("99"), DurationDays: 7})
	openCharge(t, st, busy)
	free := st.AddPlan(&models.Plan{Name: "Free", Price: dec("49"), DurationDays: 7})

	if _, err := svc.Reprice(context.Background(), busy.ID, dec("109"), dec("79")); !errors.Is(err, ErrPendingCharges) {
		t.Errorf("pending charge: got %v, want ErrPendingCharges", err)
	}
	for _, tc := range []struct {
		name                 string
		price, resellerPrice string
	}{
		{"negative price", "-1", "1"},
		{"zero price", "0", "1"},
		{"zero reseller price", "49", "0"},
		{"sub-paisa price", "1.005", "1"},
	} {
		if _, err := svc.Reprice(context.Background(), free.ID, dec(tc.price), dec(tc.resellerPrice)); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("%s: got %v, want ErrInvalidPrice", tc.name, err)
		}
	}
	if _, err := svc.Reprice(context.Background(), st.AddPlan(&models.Plan{Name: "x"}).ID, dec("1"), dec("1")); err != nil {
		t.Errorf("plain reprice: %v", err)
	}

	active, _ := svc.ListActive(context.Background())
	for _, p := range active {
		if p.ID == busy.ID {
			return
		}
	}
	t.Error("plan with pending charge was archived")
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_Reprice(t *testing.T) {
	svc, st := newTestCatalog()
	plan := st.AddPlan(&models.Plan{Name: "Premium", Price: dec("299"), DurationDays: 30})
	v, err := validate.New()
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(svc, v, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /plans", h.List)
	mux.HandleFunc("POST /admin/plans/{id}/reprice", h.Reprice)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad id", "/admin/plans/nope/reprice", `{"price":"1","reseller_price":"1"}`, http.StatusBadRequest},
		{"missing field", "/admin/plans/" + plan.ID.String() + "/reprice", `{"price":"1"}`, http.StatusBadRequest},
		{"unknown plan", "/admin/plans/00000000-0000-0000-0000-000000000001/reprice", `{"price":"1","reseller_price":"1"}`, http.StatusNotFound},
		{"ok", "/admin/plans/" + plan.ID.String() + "/reprice", `{"price":"349","reseller_price":249}`, http.StatusCreated},
		{"already archived", "/admin/plans/" + plan.ID.String() + "/reprice", `{"price":"1","reseller_price":"1"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"349"`) {
		t.Errorf("list: got %d: %s", rec.Code, rec.Body)
	}
}
