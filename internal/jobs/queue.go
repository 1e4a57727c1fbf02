// Package jobs runs background work: the river queue that settles
// webhooks and the cron schedule for periodic sweeps.
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/streamvault/entitlements/internal/execution"
	"github.com/streamvault/entitlements/internal/gateway"
)

// Inserter is the part of *river.Client the queue uses.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Queue enqueues verified webhook events for settlement.
type Queue struct {
	client      Inserter
	maxAttempts int
}

func NewQueue(client Inserter, maxAttempts int) *Queue {
	return &Queue{client: client, maxAttempts: maxAttempts}
}

func (q *Queue) EnqueueWebhook(ctx context.Context, gatewayName string, ev *gateway.WebhookEvent) error {
	args := execution.NewSettleWebhookArgs(gatewayName, ev)
	opts := args.InsertOpts()
	if q.maxAttempts > 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	if _, err := q.client.Insert(ctx, args, &opts); err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}
	return nil
}
