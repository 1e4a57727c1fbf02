package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type RazorpayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// Razorpay opens orders for the checkout modal. The modal returns
// order id, payment id and an HMAC signature over both.
type Razorpay struct {
	cfg    RazorpayConfig
	client *httpClient
}

func NewRazorpay(cfg RazorpayConfig, hc *http.Client, retry RetryPolicy) (*Razorpay, error) {
	client, err := newHTTPClient(hc, retry)
	if err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Razorpay{cfg: cfg, client: client}, nil
}

func (r *Razorpay) Name() string { return "razorpay" }

func (r *Razorpay) WebhookHeaders() (signature, timestamp string) {
	return "X-Razorpay-Signature", ""
}

func (r *Razorpay) auth() map[string]string {
	cred := base64.StdEncoding.EncodeToString([]byte(r.cfg.KeyID + ":" + r.cfg.KeySecret))
	return map[string]string{"Authorization": "Basic " + cred}
}

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	minor, err := toMinorUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"amount":   minor,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    map[string]string{"customer_id": req.CustomerID},
	})
	if err != nil {
		return nil, err
	}
	raw, err := r.client.do(ctx, requestSpec{
		method:  http.MethodPost,
		url:     r.cfg.BaseURL + "/v1/orders",
		headers: r.auth(),
		body:    body,
	})
	if err != nil {
		return nil, translate("razorpay", "create order", err, false)
	}
	var o razorpayOrder
	if err := json.Unmarshal(raw, &o); err != nil || o.ID == "" {
		return nil, fmt.Errorf("%w: razorpay create order: malformed response", ErrGatewayUnavailable)
	}
	return &Order{ID: o.ID, Amount: fromMinorUnits(o.Amount), Currency: o.Currency, Raw: raw}, nil
}

// Verify checks the checkout signature: hex HMAC-SHA256 of
// "order_id|payment_id" keyed with the API key secret.
func (r *Razorpay) Verify(_ context.Context, c Confirmation) (bool, error) {
	if c.OrderID == "" || c.PaymentID == "" || c.Signature == "" {
		return false, nil
	}
	return hmacHexEqual(r.cfg.KeySecret, []byte(c.OrderID+"|"+c.PaymentID), c.Signature), nil
}

// VerifyWebhook checks X-Razorpay-Signature: hex HMAC-SHA256 of the raw
// body keyed with the webhook secret. Razorpay sends no timestamp.
func (r *Razorpay) VerifyWebhook(payload []byte, signature, _ string) bool {
	if r.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	return hmacHexEqual(r.cfg.WebhookSecret, payload, signature)
}

type razorpayPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func (r *Razorpay) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var w razorpayWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("razorpay webhook: %w", err)
	}
	p := w.Payload.Payment.Entity
	ev := &WebhookEvent{
		Type:      w.Event,
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Amount:    fromMinorUnits(p.Amount),
		Currency:  p.Currency,
		Raw:       payload,
	}
	switch w.Event {
	case "payment.captured", "order.paid":
		ev.Kind = EventPaid
	case "payment.failed":
		ev.Kind = EventFailed
		ev.Reason = p.ErrorDescription
	default:
		ev.Kind = EventIgnored
	}
	if ev.Kind != EventIgnored && ev.OrderID == "" {
		return nil, fmt.Errorf("razorpay webhook %s: missing order id", w.Event)
	}
	return ev, nil
}

func (r *Razorpay) LookupPayment(ctx context.Context, orderID, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return r.lookupByOrder(ctx, orderID)
	}
	raw, err := r.client.do(ctx, requestSpec{
		method:     http.MethodGet,
		url:        r.cfg.BaseURL + "/v1/payments/" + url.PathEscape(paymentID),
		headers:    r.auth(),
		idempotent: true,
	})
	if err != nil {
		return nil, translate("razorpay", "fetch payment", err, true)
	}
	var p razorpayPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: razorpay fetch payment: malformed response", ErrGatewayUnavailable)
	}
	if p.OrderID != orderID {
		return nil, fmt.Errorf("%w: payment %s belongs to order %s", ErrVerificationFailed, p.ID, p.OrderID)
	}
	return p.toPayment(raw), nil
}

// lookupByOrder lists the order's payments and prefers a captured one.
func (r *Razorpay) lookupByOrder(ctx context.Context, orderID string) (*Payment, error) {
	raw, err := r.client.do(ctx, requestSpec{
		method:     http.MethodGet,
		url:        r.cfg.BaseURL + "/v1/orders/" + url.PathEscape(orderID) + "/payments",
		headers:    r.auth(),
		idempotent: true,
	})
	if err != nil {
		return nil, translate("razorpay", "list payments", err, true)
	}
	var list struct {
		Items []razorpayPayment `json:"items"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: razorpay list payments: malformed response", ErrGatewayUnavailable)
	}
	if len(list.Items) == 0 {
		return &Payment{OrderID: orderID, Status: PaymentPending, Raw: raw}, nil
	}
	chosen := list.Items[0]
	for _, p := range list.Items {
		if p.Status == "captured" {
			chosen = p
			break
		}
	}
	chosen.OrderID = orderID
	return chosen.toPayment(raw), nil
}

func (p razorpayPayment) toPayment(raw json.RawMessage) *Payment {
	return &Payment{
		ID:       p.ID,
		OrderID:  p.OrderID,
		Amount:   fromMinorUnits(p.Amount),
		Currency: p.Currency,
		Status:   razorpayStatus(p.Status),
		Raw:      raw,
	}
}

// razorpayStatus maps payment states. "authorized" is not yet captured.
func razorpayStatus(s string) PaymentStatus {
	switch s {
	case "captured":
		return PaymentCaptured
	case "failed", "refunded":
		return PaymentFailed
	default:
		return PaymentPending
	}
}

func hmacHexEqual(secret string, msg []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), want)
}

var _ Adapter = (*Razorpay)(nil)
