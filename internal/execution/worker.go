// Package execution holds the river workers that run settlement off the
// request path.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/streamvault/entitlements/internal/gateway"
	"github.com/streamvault/entitlements/internal/settlement"
)

// SettleWebhookArgs carries a signature-checked gateway notification.
// Redeliveries of the same event collapse into one job while it is queued.
type SettleWebhookArgs struct {
	Gateway   string               `json:"gateway" river:"unique"`
	EventKind gateway.EventKind    `json:"event_kind" river:"unique"`
	OrderID   string               `json:"order_id" river:"unique"`
	PaymentID string               `json:"payment_id" river:"unique"`
	Event     gateway.WebhookEvent `json:"event"`
}

func (SettleWebhookArgs) Kind() string { return "settle_webhook" }

func (SettleWebhookArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:      river.QueueDefault,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// NewSettleWebhookArgs builds job args for ev.
func NewSettleWebhookArgs(gatewayName string, ev *gateway.WebhookEvent) SettleWebhookArgs {
	return SettleWebhookArgs{
		Gateway:   gatewayName,
		EventKind: ev.Kind,
		OrderID:   ev.OrderID,
		PaymentID: ev.PaymentID,
		Event:     *ev,
	}
}

// Settler applies webhook events. *settlement.Service satisfies it.
type Settler interface {
	SettleWebhook(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) (*settlement.Result, error)
}

type SettleWebhookWorker struct {
	river.WorkerDefaults[SettleWebhookArgs]
	settler Settler
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewSettleWebhookWorker(s Settler, timeout time.Duration, log *zap.SugaredLogger) *SettleWebhookWorker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SettleWebhookWorker{settler: s, timeout: timeout, log: log}
}

func (w *SettleWebhookWorker) Timeout(*river.Job[SettleWebhookArgs]) time.Duration {
	return w.timeout
}

// Work settles the event. Transient failures are returned so river
// retries with backoff; an order we never issued cancels the job.
func (w *SettleWebhookWorker) Work(ctx context.Context, job *river.Job[SettleWebhookArgs]) error {
	args := job.Args
	res, err := w.settler.SettleWebhook(ctx, args.Gateway, &args.Event)
	switch {
	case errors.Is(err, settlement.ErrChargeNotFound):
		w.log.Infow("webhook for unknown order dropped", "gateway", args.Gateway, "order_id", args.OrderID)
		return river.JobCancel(err)
	case err != nil:
		w.log.Infow("webhook settlement will retry",
			"gateway", args.Gateway, "order_id", args.OrderID, "attempt", job.Attempt, "error", err)
		return fmt.Errorf("settle %s order %s: %w", args.Gateway, args.OrderID, err)
	}
	if res != nil {
		w.log.Infow("webhook settled",
			"gateway", args.Gateway,
			"reference", res.Charge.Reference,
			"status", res.Charge.Status,
			"duplicate", res.Duplicate,
		)
	}
	return nil
}
