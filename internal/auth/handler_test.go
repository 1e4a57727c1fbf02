package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/validate"
)

func newTestMux(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	v, err := validate.New()
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	h := NewHandler(f.svc, v, nil)
	full := middleware.BearerAuth(f.svc)
	limited := middleware.BearerAuthAllowLimited(f.svc)
	admin := func(next http.Handler) http.Handler {
		return full(middleware.RequireCapability(models.Role.CanAdminister)(next))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.Handle("POST /auth/logout", full(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /sessions", limited(http.HandlerFunc(h.ListSessions)))
	mux.Handle("DELETE /sessions/{id}", limited(http.HandlerFunc(h.RevokeSession)))
	mux.Handle("POST /admin/accounts", admin(http.HandlerFunc(h.CreateAccount)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(middleware.WithPlatform(r.Context(), "web")))
	})
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Login flow
// ---------------------------------------------------------------------------

func TestHandler_LoginAndDeviceLimitFlow(t *testing.T) {
	f := newFixture(t, 1)
	f.account(t, "zoe", models.AccountActive)
	h := newTestMux(t, f)

	rec := do(t, h, http.MethodPost, "/auth/login", "", `{"identifier":"zoe","password":"s3cret-pass","device_label":"tv"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first login: got %d: %s", rec.Code, rec.Body)
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
		Session     struct {
			ID       string `json:"id"`
			Platform string `json:"platform"`
		} `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tokens.Session.Platform != "web" {
		t.Errorf("session platform: got %q, want web", tokens.Session.Platform)
	}

	rec = do(t, h, http.MethodPost, "/auth/login", "", `{"identifier":"zoe","password":"s3cret-pass"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second login: got %d, want 409", rec.Code)
	}
	var refused DeviceLimitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refused); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if refused.Limit != 1 || len(refused.Sessions) != 1 || refused.LimitedToken == "" {
		t.Fatalf("409 body: %+v", refused)
	}

	// The limited token cannot reach normal routes.
	if rec := do(t, h, http.MethodPost, "/auth/logout", refused.LimitedToken, ""); rec.Code != http.StatusForbidden {
		t.Errorf("logout with limited token: got %d, want 403", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/sessions", refused.LimitedToken, ""); rec.Code != http.StatusOK {
		t.Errorf("list with limited token: got %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/"+tokens.Session.ID, refused.LimitedToken, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke with limited token: got %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/sessions", tokens.AccessToken, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token: got %d, want 401", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/auth/login", "", `{"identifier":"zoe","password":"s3cret-pass"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("login after revoke: got %d", rec.Code)
	}
}

func TestHandler_LoginErrors(t *testing.T) {
	f := newFixture(t, 1)
	f.account(t, "yan", models.AccountActive)
	f.account(t, "xia", models.AccountBlocked)
	h := newTestMux(t, f)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing password", `{"identifier":"yan"}`, http.StatusBadRequest},
		{"unknown field", `{"identifier":"yan","password":"x","admin":true}`, http.StatusBadRequest},
		{"invalid JSON", `{`, http.StatusBadRequest},
		{"wrong password", `{"identifier":"yan","password":"wrong"}`, http.StatusUnauthorized},
		{"blocked", `{"identifier":"xia","password":"s3cret-pass"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/auth/login", "", tt.body)
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHandler_RevokeSessionErrors(t *testing.T) {
	f := newFixture(t, 2)
	f.account(t, "una", models.AccountActive)
	f.account(t, "vic", models.AccountActive)
	una := f.login(t, "una")
	vic := f.login(t, "vic")
	h := newTestMux(t, f)

	if rec := do(t, h, http.MethodDelete, "/sessions/not-a-uuid", una.AccessToken, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/"+vic.Session.ID.String(), una.AccessToken, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other account: got %d, want 403", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/00000000-0000-0000-0000-000000000001", una.AccessToken, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: got %d, want 404", rec.Code)
	}
}

func TestHandler_RefreshAndLogout(t *testing.T) {
	f := newFixture(t, 2)
	f.account(t, "wes", models.AccountActive)
	tok := f.login(t, "wes")
	h := newTestMux(t, f)

	if rec := do(t, h, http.MethodPost, "/auth/refresh", "", `{"token":"`+tok.AccessToken+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("refresh: got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/auth/logout", tok.AccessToken, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/auth/refresh", "", `{"token":"`+tok.AccessToken+`"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout: got %d, want 401", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin account creation
// ---------------------------------------------------------------------------

func TestHandler_CreateAccount(t *testing.T) {
	f := newFixture(t, 2)
	admin := f.account(t, "root", models.AccountActive)
	admin.Role = models.RoleAdmin
	f.st.AddAccount(admin)
	f.account(t, "plain", models.AccountActive)
	adminTok := f.login(t, "root")
	plainTok := f.login(t, "plain")
	h := newTestMux(t, f)

	body := `{"email":"new@example.com","username":"newbie","password":"longenough","role":"customer"}`
	if rec := do(t, h, http.MethodPost, "/admin/accounts", plainTok.AccessToken, body); rec.Code != http.StatusForbidden {
		t.Errorf("customer caller: got %d, want 403", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/admin/accounts", adminTok.AccessToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("response leaks password hash: %s", rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/admin/accounts", adminTok.AccessToken, body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: got %d, want 409", rec.Code)
	}
	bad := `{"email":"not-an-email","username":"ok_name","password":"longenough","role":"customer"}`
	if rec := do(t, h, http.MethodPost, "/admin/accounts", adminTok.AccessToken, bad); rec.Code != http.StatusBadRequest {
		t.Errorf("bad email: got %d, want 400", rec.Code)
	}
}
