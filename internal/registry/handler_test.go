package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/streamvault/entitlements/internal/models"
)

func newAdminMux(svc *Service, accounts AccountLookup) *http.ServeMux {
	h := NewHandler(svc, accounts, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/accounts/{publicId}/sessions", h.ListForAccount)
	mux.HandleFunc("POST /admin/accounts/{publicId}/sessions/evict-oldest", h.EvictOldest)
	return mux
}

func TestHandler_ListAndEvict(t *testing.T) {
	svc, st := newTestRegistry(2)
	acc := st.AddAccount(&models.Account{PublicID: "acc_list", Role: models.RoleCustomer, DeviceLimit: intPtr(3)})
	now := time.Now()
	oldest := st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "t1", Platform: "web", LastActive: now.Add(-2 * time.Hour)})
	st.AddSession(&models.Session{AccountID: acc.ID, TokenID: "t2", Platform: "android", LastActive: now.Add(-time.Minute)})
	mux := newAdminMux(svc, st.Accounts())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts/acc_list/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d: %s", rec.Code, rec.Body)
	}
	var list SessionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 2 || list.Limit != 3 {
		t.Fatalf("list: %d sessions, limit %d", len(list.Sessions), list.Limit)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/acc_list/sessions/evict-oldest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("evict: got %d: %s", rec.Code, rec.Body)
	}
	var evicted models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &evicted); err != nil {
		t.Fatal(err)
	}
	if evicted.ID != oldest.ID {
		t.Errorf("evicted %s, want oldest %s", evicted.ID, oldest.ID)
	}
	if n := st.SessionCount(acc.ID); n != 1 {
		t.Errorf("live sessions after evict: got %d, want 1", n)
	}
}

func TestHandler_NotFound(t *testing.T) {
	svc, st := newTestRegistry(2)
	st.AddAccount(&models.Account{PublicID: "acc_empty", Role: models.RoleCustomer})
	mux := newAdminMux(svc, st.Accounts())

	tests := []struct {
		name, method, path string
	}{
		{"unknown account list", http.MethodGet, "/admin/accounts/nobody/sessions"},
		{"unknown account evict", http.MethodPost, "/admin/accounts/nobody/sessions/evict-oldest"},
		{"no sessions to evict", http.MethodPost, "/admin/accounts/acc_empty/sessions/evict-oldest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != http.StatusNotFound {
				t.Errorf("got %d, want 404: %s", rec.Code, rec.Body)
			}
		})
	}
}
