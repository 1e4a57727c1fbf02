// Package gateway is the uniform surface over external payment
// processors. Each vendor implements Adapter and translates its own
// failures into ErrGatewayUnavailable or ErrVerificationFailed; raw
// vendor errors do not leave this package.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable covers transport failures, timeouts and vendor
	// 5xx responses. The operation may be retried later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrVerificationFailed means the vendor does not confirm the payment.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrPaymentPending means the vendor knows the order but has not yet
	// captured a payment for it.
	ErrPaymentPending = errors.New("payment not completed yet")
	// ErrUnknownGateway is returned by Registry.Get for unregistered names.
	ErrUnknownGateway = errors.New("unknown payment gateway")
)

// OrderRequest describes the checkout to open with the vendor.
type OrderRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Receipt       string
	CustomerID    string
	CustomerEmail string
}

// Order is the vendor's handle for a checkout.
type Order struct {
	ID       string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	// SessionToken is what the client SDK needs to open the checkout
	// (Cashfree payment_session_id). Empty for modal vendors.
	SessionToken string          `json:"session_token,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Confirmation is what the client submits after checkout. Vendors that
// sign the redirect fill PaymentID and Signature; redirect-only vendors
// send just the order id and are verified by server lookup.
type Confirmation struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "captured"
	PaymentPending  PaymentStatus = "pending"
	PaymentFailed   PaymentStatus = "failed"
)

// Payment is the vendor's record of a payment, used as the trusted
// amount instead of anything the client declares.
type Payment struct {
	ID       string
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Status   PaymentStatus
	Raw      json.RawMessage
}

type EventKind string

const (
	EventPaid    EventKind = "paid"
	EventFailed  EventKind = "failed"
	EventIgnored EventKind = "ignored"
)

// WebhookEvent is a parsed, signature-checked server notification.
type WebhookEvent struct {
	Kind      EventKind       `json:"kind"`
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reason    string          `json:"reason,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// Adapter is implemented once per vendor.
type Adapter interface {
	Name() string
	// WebhookHeaders names the request headers carrying the webhook
	// signature and, if the vendor sends one, its timestamp.
	WebhookHeaders() (signature, timestamp string)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// Verify checks a client confirmation. It returns false for tampered
	// or mismatched payloads.
	Verify(ctx context.Context, c Confirmation) (bool, error)
	// VerifyWebhook checks the signature of a raw notification body.
	VerifyWebhook(payload []byte, signature, timestamp string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
	// LookupPayment fetches the payment from the vendor. An empty
	// paymentID asks for the captured payment of the order.
	LookupPayment(ctx context.Context, orderID, paymentID string) (*Payment, error)
}

// Registry selects adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return a, nil
}

// Names returns the registered gateway names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// toMinorUnits converts a two-decimal currency amount to its smallest unit.
func toMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", amount)
	}
	return minor.IntPart(), nil
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
