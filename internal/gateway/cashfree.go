package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const cashfreeAPIVersion = "2023-08-01"

type CashfreeConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	// ReturnURL receives the customer after checkout; {order_id} is
	// substituted by Cashfree.
	ReturnURL string
}

// Cashfree uses a hosted redirect checkout. The client comes back with
// only the order id, so confirmation is always a server-side lookup.
type Cashfree struct {
	cfg    CashfreeConfig
	client *httpClient
}

func NewCashfree(cfg CashfreeConfig, hc *http.Client, retry RetryPolicy) (*Cashfree, error) {
	client, err := newHTTPClient(hc, retry)
	if err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Cashfree{cfg: cfg, client: client}, nil
}

func (c *Cashfree) Name() string { return "cashfree" }

func (c *Cashfree) WebhookHeaders() (signature, timestamp string) {
	return "x-webhook-signature", "x-webhook-timestamp"
}

func (c *Cashfree) headers() map[string]string {
	return map[string]string{
		"x-client-id":     c.cfg.ClientID,
		"x-client-secret": c.cfg.ClientSecret,
		"x-api-version":   cashfreeAPIVersion,
	}
}

type cashfreeOrder struct {
	OrderID          string          `json:"order_id"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	OrderCurrency    string          `json:"order_currency"`
	OrderStatus      string          `json:"order_status"`
	PaymentSessionID string          `json:"payment_session_id"`
}

func (c *Cashfree) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if _, err := toMinorUnits(req.Amount); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"order_id":       req.Receipt,
		"order_amount":   json.Number(req.Amount.StringFixed(2)),
		"order_currency": req.Currency,
		"customer_details": map[string]string{
			"customer_id":    req.CustomerID,
			"customer_email": req.CustomerEmail,
		},
	}
	if c.cfg.ReturnURL != "" {
		payload["order_meta"] = map[string]string{"return_url": c.cfg.ReturnURL}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.do(ctx, requestSpec{
		method:  http.MethodPost,
		url:     c.cfg.BaseURL + "/pg/orders",
		headers: c.headers(),
		body:    body,
	})
	if err != nil {
		return nil, translate("cashfree", "create order", err, false)
	}
	var o cashfreeOrder
	if err := json.Unmarshal(raw, &o); err != nil || o.OrderID == "" {
		return nil, fmt.Errorf("%w: cashfree create order: malformed response", ErrGatewayUnavailable)
	}
	return &Order{
		ID:           o.OrderID,
		Amount:       o.OrderAmount,
		Currency:     o.OrderCurrency,
		SessionToken: o.PaymentSessionID,
		Raw:          raw,
	}, nil
}

// Verify fetches the order and requires order_status PAID. An order that
// is still ACTIVE returns ErrPaymentPending so the charge stays open.
func (c *Cashfree) Verify(ctx context.Context, conf Confirmation) (bool, error) {
	if conf.OrderID == "" {
		return false, nil
	}
	raw, err := c.client.do(ctx, requestSpec{
		method:     http.MethodGet,
		url:        c.cfg.BaseURL + "/pg/orders/" + url.PathEscape(conf.OrderID),
		headers:    c.headers(),
		idempotent: true,
	})
	if err != nil {
		err = translate("cashfree", "fetch order", err, true)
		if errors.Is(err, ErrVerificationFailed) {
			return false, nil
		}
		return false, err
	}
	var o cashfreeOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return false, fmt.Errorf("%w: cashfree fetch order: malformed response", ErrGatewayUnavailable)
	}
	switch o.OrderStatus {
	case "PAID":
		return true, nil
	case "ACTIVE":
		return false, ErrPaymentPending
	default:
		return false, nil
	}
}

// VerifyWebhook checks x-webhook-signature: base64 HMAC-SHA256 of
// timestamp concatenated with the raw body.
func (c *Cashfree) VerifyWebhook(payload []byte, signature, timestamp string) bool {
	if c.cfg.WebhookSecret == "" || signature == "" || timestamp == "" {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

type cashfreePayment struct {
	CFPaymentID     json.Number     `json:"cf_payment_id"`
	OrderID         string          `json:"order_id"`
	PaymentStatus   string          `json:"payment_status"`
	PaymentAmount   decimal.Decimal `json:"payment_amount"`
	PaymentCurrency string          `json:"payment_currency"`
	PaymentMessage  string          `json:"payment_message"`
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID       string          `json:"order_id"`
			OrderAmount   decimal.Decimal `json:"order_amount"`
			OrderCurrency string          `json:"order_currency"`
		} `json:"order"`
		Payment cashfreePayment `json:"payment"`
	} `json:"data"`
}

func (c *Cashfree) ParseWebhook(payload []byte) (*WebhookEvent, error) {
	var w cashfreeWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("cashfree webhook: %w", err)
	}
	p := w.Data.Payment
	ev := &WebhookEvent{
		Type:      w.Type,
		OrderID:   w.Data.Order.OrderID,
		PaymentID: p.CFPaymentID.String(),
		Amount:    p.PaymentAmount,
		Currency:  p.PaymentCurrency,
		Raw:       payload,
	}
	switch w.Type {
	case "PAYMENT_SUCCESS_WEBHOOK":
		ev.Kind = EventPaid
	case "PAYMENT_FAILED_WEBHOOK", "PAYMENT_USER_DROPPED_WEBHOOK":
		ev.Kind = EventFailed
		ev.Reason = p.PaymentMessage
	default:
		ev.Kind = EventIgnored
	}
	if ev.Kind != EventIgnored && ev.OrderID == "" {
		return nil, fmt.Errorf("cashfree webhook %s: missing order id", w.Type)
	}
	return ev, nil
}

// LookupPayment fetches one payment of the order, or with an empty
// paymentID the order's successful payment if there is one.
func (c *Cashfree) LookupPayment(ctx context.Context, orderID, paymentID string) (*Payment, error) {
	base := c.cfg.BaseURL + "/pg/orders/" + url.PathEscape(orderID) + "/payments"
	if paymentID != "" {
		raw, err := c.client.do(ctx, requestSpec{
			method:     http.MethodGet,
			url:        base + "/" + url.PathEscape(paymentID),
			headers:    c.headers(),
			idempotent: true,
		})
		if err != nil {
			return nil, translate("cashfree", "fetch payment", err, true)
		}
		var p cashfreePayment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: cashfree fetch payment: malformed response", ErrGatewayUnavailable)
		}
		if p.OrderID != "" && p.OrderID != orderID {
			return nil, fmt.Errorf("%w: payment %s belongs to order %s", ErrVerificationFailed, p.CFPaymentID, p.OrderID)
		}
		return p.toPayment(orderID, raw), nil
	}

	raw, err := c.client.do(ctx, requestSpec{
		method:     http.MethodGet,
		url:        base,
		headers:    c.headers(),
		idempotent: true,
	})
	if err != nil {
		return nil, translate("cashfree", "list payments", err, true)
	}
	var list []cashfreePayment
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: cashfree list payments: malformed response", ErrGatewayUnavailable)
	}
	if len(list) == 0 {
		return &Payment{OrderID: orderID, Status: PaymentPending, Raw: raw}, nil
	}
	chosen := list[len(list)-1]
	for _, p := range list {
		if p.PaymentStatus == "SUCCESS" {
			chosen = p
			break
		}
	}
	return chosen.toPayment(orderID, raw), nil
}

func (p cashfreePayment) toPayment(orderID string, raw json.RawMessage) *Payment {
	out := &Payment{
		ID:       p.CFPaymentID.String(),
		OrderID:  orderID,
		Amount:   p.PaymentAmount,
		Currency: p.PaymentCurrency,
		Raw:      raw,
	}
	switch p.PaymentStatus {
	case "SUCCESS":
		out.Status = PaymentCaptured
	case "FAILED", "USER_DROPPED", "CANCELLED", "VOID":
		out.Status = PaymentFailed
	default:
		out.Status = PaymentPending
	}
	return out
}

var _ Adapter = (*Cashfree)(nil)
