package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/middleware"
	"github.com/streamvault/entitlements/internal/models"
	"github.com/streamvault/entitlements/internal/validate"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []*gateway.WebhookEvent
	err    error
}

func (q *recordingQueue) EnqueueWebhook(_ context.Context, _ string, ev *gateway.WebhookEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func newTestHandler(t *testing.T, f *fixture, queue Enqueuer) http.Handler {
	t.Helper()
	v, err := validate.New()
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	h := NewHandler(f.svc, queue, v, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /charges", h.CreateCharge)
	mux.HandleFunc("GET /charges/{ref}", h.GetCharge)
	mux.HandleFunc("POST /charges/{ref}/verify", h.VerifyCharge)
	mux.HandleFunc("POST /webhooks/{gateway}", h.Webhook)
	mux.HandleFunc("POST /reseller/assignments", h.Assign)
	return mux
}

func call(h http.Handler, acc *models.Account, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	ctx := middleware.WithPlatform(req.Context(), "web")
	if acc != nil {
		ctx = middleware.WithPrincipal(ctx, &models.Principal{
			AccountID: acc.ID, PublicID: acc.PublicID, Role: acc.Role, Scope: models.ScopeFull,
		})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

// ---------------------------------------------------------------------------
// Charges
// ---------------------------------------------------------------------------

func TestHandler_TopUpAndVerify(t *testing.T) {
	f := newFixture(t)
	res := f.reseller(0)
	h := newTestHandler(t, f, nil)

	rec := call(h, res, http.MethodPost, "/charges", `{"gateway":"fakepay","amount":"500.00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body)
	}
	var co struct {
		Charge struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
		} `json:"charge"`
		Order struct {
			ID string `json:"order_id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &co); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if co.Charge.Status != "pending" || co.Order.ID == "" {
		t.Fatalf("checkout: %+v", co)
	}

	path := "/charges/" + co.Charge.Reference + "/verify"
	if rec := call(h, res, http.MethodPost, path, `{}`); rec.Code != http.StatusAccepted {
		t.Errorf("verify before capture: got %d, want 202", rec.Code)
	}

	f.gw.pay(co.Order.ID, "pay_1", dec(500))
	rec = call(h, res, http.MethodPost, path, `{"order_id":"`+co.Order.ID+`","payment_id":"pay_1","signature":"sig"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: got %d: %s", rec.Code, rec.Body)
	}
	if got := f.st.Account(res.ID).WalletBalance; !got.Equal(dec(500)) {
		t.Errorf("balance: got %s, want 500", got)
	}

	rec = call(h, res, http.MethodPost, path, `{}`)
	var again Result
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !again.Duplicate {
		t.Errorf("second verify: got %d duplicate=%v", rec.Code, again.Duplicate)
	}
	if got := f.st.Account(res.ID).WalletBalance; !got.Equal(dec(500)) {
		t.Errorf("balance after duplicate: got %s, want 500", got)
	}
}

func TestHandler_CreateChargeErrors(t *testing.T) {
	f := newFixture(t)
	res := f.reseller(0)
	cus := f.customer(models.AccountActive, nil)
	plan := f.plan(299, 199, 30)
	h := newTestHandler(t, f, nil)

	tests := []struct {
		name string
		acc  *models.Account
		body string
		want int
	}{
		{"no principal", nil, `{"gateway":"fakepay","amount":"500"}`, http.StatusUnauthorized},
		{"plan and amount", res, `{"gateway":"fakepay","amount":"500","plan_id":"` + plan.ID.String() + `"}`, http.StatusBadRequest},
		{"neither", res, `{"gateway":"fakepay"}`, http.StatusBadRequest},
		{"customer top-up", cus, `{"gateway":"fakepay","amount":"500"}`, http.StatusForbidden},
		{"below minimum", res, `{"gateway":"fakepay","amount":"10"}`, http.StatusBadRequest},
		{"unknown gateway", res, `{"gateway":"paypal","amount":"500"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := call(h, tt.acc, http.MethodPost, "/charges", tt.body); rec.Code != tt.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}

	f.gw.createErr = gateway.ErrGatewayUnavailable
	if rec := call(h, cus, http.MethodPost, "/charges", `{"gateway":"fakepay","plan_id":"`+plan.ID.String()+`"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("gateway down: got %d, want 503", rec.Code)
	}
}

func TestHandler_VerifyRejected(t *testing.T) {
	f := newFixture(t)
	res := f.reseller(0)
	co := f.topUp(t, res, 500)
	f.gw.pay(co.Order.ID, "pay_1", dec(500))
	f.gw.verifyOK = false
	h := newTestHandler(t, f, nil)

	path := "/charges/" + co.Charge.Reference + "/verify"
	for i := 0; i < 2; i++ {
		rec := call(h, res, http.MethodPost, path, `{"payment_id":"pay_1","signature":"forged"}`)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("verify %d: got %d, want 402: %s", i, rec.Code, rec.Body)
		}
	}
	if got := f.st.Account(res.ID).WalletBalance; !got.IsZero() {
		t.Errorf("balance: got %s, want 0", got)
	}
}

func TestHandler_ChargeOwnership(t *testing.T) {
	f := newFixture(t)
	owner := f.reseller(0)
	other := f.reseller(0)
	admin := f.st.AddAccount(&models.Account{PublicID: "adm_1", Role: models.RoleAdmin})
	co := f.topUp(t, owner, 500)
	h := newTestHandler(t, f, nil)

	path := "/charges/" + co.Charge.Reference
	if rec := call(h, owner, http.MethodGet, path, ""); rec.Code != http.StatusOK {
		t.Errorf("owner: got %d, want 200", rec.Code)
	}
	if rec := call(h, other, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("other account: got %d, want 404", rec.Code)
	}
	if rec := call(h, other, http.MethodPost, path+"/verify", `{}`); rec.Code != http.StatusNotFound {
		t.Errorf("other account verify: got %d, want 404", rec.Code)
	}
	if rec := call(h, admin, http.MethodGet, path, ""); rec.Code != http.StatusOK {
		t.Errorf("admin: got %d, want 200", rec.Code)
	}
	if rec := call(h, owner, http.MethodGet, "/charges/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing: got %d, want 404", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestHandler_WebhookSignatureAndEnqueue(t *testing.T) {
	f := newFixture(t)
	q := &recordingQueue{}
	h := newTestHandler(t, f, q)

	paid := `{"kind":"paid","order_id":"order_rcpt_1","payment_id":"pay_1"}`
	tests := []struct {
		name    string
		gateway string
		body    string
		sig     string
		want    int
	}{
		{"unknown gateway", "paypal", paid, "valid", http.StatusNotFound},
		{"missing signature", "fakepay", paid, "", http.StatusBadRequest},
		{"bad signature", "fakepay", paid, "forged", http.StatusUnauthorized},
		{"malformed", "fakepay", `{not json`, "valid", http.StatusBadRequest},
		{"ignored", "fakepay", `{"kind":"ignored","type":"refund.created"}`, "valid", http.StatusOK},
		{"paid", "fakepay", paid, "valid", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr []string
			if tt.sig != "" {
				hdr = []string{"X-Fake-Signature", tt.sig}
			}
			rec := call(h, nil, http.MethodPost, "/webhooks/"+tt.gateway, tt.body, hdr...)
			if rec.Code != tt.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
	if len(q.events) != 1 || q.events[0].OrderID != "order_rcpt_1" {
		t.Errorf("enqueued: %+v", q.events)
	}
}

func TestHandler_WebhookInlineSettles(t *testing.T) {
	f := newFixture(t)
	res := f.reseller(0)
	co := f.topUp(t, res, 500)
	f.gw.pay(co.Order.ID, "pay_9", dec(500))
	h := newTestHandler(t, f, nil)

	body := `{"kind":"paid","order_id":"` + co.Order.ID + `","payment_id":"pay_9"}`
	for i := 0; i < 2; i++ {
		if rec := call(h, nil, http.MethodPost, "/webhooks/fakepay", body, "X-Fake-Signature", "valid"); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: got %d: %s", i, rec.Code, rec.Body)
		}
	}
	if got := f.st.Account(res.ID).WalletBalance; !got.Equal(dec(500)) {
		t.Errorf("balance after redelivery: got %s, want 500", got)
	}

	unknown := `{"kind":"paid","order_id":"order_nobody","payment_id":"pay_x"}`
	if rec := call(h, nil, http.MethodPost, "/webhooks/fakepay", unknown, "X-Fake-Signature", "valid"); rec.Code != http.StatusOK {
		t.Errorf("unknown order: got %d, want 200", rec.Code)
	}
}

func TestHandler_WebhookInlineOutageAsksForRedelivery(t *testing.T) {
	f := newFixture(t)
	res := f.reseller(0)
	co := f.topUp(t, res, 500)
	f.gw.lookupErr = gateway.ErrGatewayUnavailable
	h := newTestHandler(t, f, nil)

	body := `{"kind":"failed","order_id":"` + co.Order.ID + `","payment_id":"pay_1"}`
	if rec := call(h, nil, http.MethodPost, "/webhooks/fakepay", body, "X-Fake-Signature", "valid"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503: %s", rec.Code, rec.Body)
	}
	if c := f.st.Charge(co.Charge.ID); c.Status != models.ChargePending {
		t.Errorf("status: got %s, want pending", c.Status)
	}
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

func TestHandler_Assign(t *testing.T) {
	f := newFixture(t)
	poor := f.reseller(100)
	rich := f.reseller(200)
	cus := f.customer(models.AccountInactive, nil)
	plan := f.plan(299, 150, 30)
	h := newTestHandler(t, f, nil)

	body := `{"customer_id":"` + cus.PublicID + `","plan_id":"` + plan.ID.String() + `"}`
	if rec := call(h, poor, http.MethodPost, "/reseller/assignments", body); rec.Code != http.StatusPaymentRequired {
		t.Errorf("insufficient funds: got %d, want 402", rec.Code)
	}
	if rec := call(h, rich, http.MethodPost, "/reseller/assignments", body); rec.Code != http.StatusCreated {
		t.Fatalf("assign: got %d: %s", rec.Code, rec.Body)
	}
	if got := f.st.Account(rich.ID).WalletBalance; !got.Equal(dec(50)) {
		t.Errorf("reseller balance: got %s, want 50", got)
	}
	if got := f.st.Account(cus.ID).Status; got != models.AccountActive {
		t.Errorf("customer status: got %s, want active", got)
	}

	missing := `{"customer_id":"cus_missing","plan_id":"` + plan.ID.String() + `"}`
	if rec := call(h, rich, http.MethodPost, "/reseller/assignments", missing); rec.Code != http.StatusNotFound {
		t.Errorf("unknown customer: got %d, want 404", rec.Code)
	}
	if rec := call(h, rich, http.MethodPost, "/reseller/assignments", `{"customer_id":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing plan_id: got %d, want 400", rec.Code)
	}
}
