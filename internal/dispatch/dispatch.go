// Package dispatch expands a claimed campaign into per-recipient
// deliveries and queues their email jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/campaigns"
	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/queue"
)

// QueueName is the durable queue carrying campaign dispatch jobs.
const QueueName = "campaign-dispatch"

// Options is the dispatch retry policy: a campaign expansion gets
// three attempts with a 5s base backoff before the campaign is failed.
var Options = queue.Options{
	MaxAttempts: 3,
	BackoffBase: 5 * time.Second,
}

// Store is the persistence surface the dispatch worker needs.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	ExpandCampaign(ctx context.Context, id uuid.UUID, recipients []string) ([]domain.Delivery, bool, error)
	MarkCampaignFailed(ctx context.Context, id uuid.UUID) (bool, error)
}

// EmailEnqueuer queues the per-recipient email jobs of a campaign.
type EmailEnqueuer interface {
	EnqueueEmails(ctx context.Context, c domain.Campaign, deliveries []domain.Delivery) error
}

// Enqueuer puts dispatch jobs on the campaign-dispatch queue. It is
// shared by the scheduler and the campaign service's send-now path.
type Enqueuer struct {
	queue *queue.Queue
}

// NewEnqueuer creates a dispatch Enqueuer.
func NewEnqueuer(q *queue.Queue) *Enqueuer {
	return &Enqueuer{queue: q}
}

// EnqueueDispatch adds the campaign's dispatch job. The dedup key is
// derived from the campaign ID, so a second enqueue of the same
// campaign is a no-op.
func (e *Enqueuer) EnqueueDispatch(ctx context.Context, c domain.Campaign) error {
	payload, err := json.Marshal(domain.DispatchJob{
		CampaignID: c.ID,
		UserID:     c.UserID,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}
	return e.queue.Enqueue(ctx, QueueName, DedupKey(c.ID), payload, Options)
}

// DedupKey returns the dispatch dedup key for a campaign.
func DedupKey(campaignID uuid.UUID) string {
	return "dispatch:" + campaignID.String()
}

// Worker handles campaign dispatch jobs. Expansion is idempotent: the
// store flips the campaign's dispatch claim exactly once, and email
// jobs carry per-delivery dedup keys, so a retried dispatch re-enqueues
// the same work instead of duplicating it.
type Worker struct {
	store  Store
	emails EmailEnqueuer
	sink   metrics.Sink
}

// NewWorker creates a dispatch worker.
func NewWorker(store Store, emails EmailEnqueuer, sink metrics.Sink) *Worker {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Worker{store: store, emails: emails, sink: sink}
}

// Handle runs one dispatch attempt.
func (w *Worker) Handle(ctx context.Context, job queue.Job) queue.Result {
	var payload domain.DispatchJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fail(fmt.Errorf("malformed dispatch payload: %w", err))
	}

	c, err := w.store.GetCampaign(ctx, payload.CampaignID)
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			return queue.Fail(fmt.Errorf("campaign %s: %w", payload.CampaignID, err))
		}
		return queue.Retry(fmt.Errorf("load campaign %s: %w", payload.CampaignID, err))
	}

	if c.Status.Terminal() {
		// A stale job for a campaign that already finished or was
		// failed by an operator. Nothing to do.
		logx.L().Warnw("dispatch: skipping terminal campaign",
			"campaign_id", c.ID, "status", c.Status)
		return queue.Success()
	}

	if len(c.Recipients) == 0 {
		// No deliveries to create and never will be; retrying cannot
		// help, so settle the campaign now instead of leaving it in
		// SENDING with nothing to aggregate.
		if ok, err := w.store.MarkCampaignFailed(ctx, c.ID); err != nil {
			return queue.Retry(fmt.Errorf("fail empty campaign %s: %w", c.ID, err))
		} else if ok {
			w.sink.CampaignFailed()
		}
		return queue.Fail(fmt.Errorf("campaign %s has no recipients", c.ID))
	}

	deliveries, claimed, err := w.store.ExpandCampaign(ctx, c.ID, c.Recipients)
	if err != nil {
		return queue.Retry(fmt.Errorf("expand campaign %s: %w", c.ID, err))
	}

	if err := w.emails.EnqueueEmails(ctx, c, deliveries); err != nil {
		// Safe to retry: per-delivery dedup keys absorb the overlap.
		return queue.Retry(fmt.Errorf("enqueue emails for %s: %w", c.ID, err))
	}

	if claimed {
		w.sink.CampaignDispatched(len(deliveries))
		logx.L().Infow("dispatch: campaign expanded",
			"campaign_id", c.ID, "deliveries", len(deliveries), "attempt", job.Attempt)
	} else {
		logx.L().Infow("dispatch: re-enqueued existing deliveries",
			"campaign_id", c.ID, "deliveries", len(deliveries), "attempt", job.Attempt)
	}
	return queue.Success()
}

// Exhausted marks the campaign FAILED once the dispatch retry budget
// runs out. Recipients never had delivery rows created, so there is
// nothing to clean up.
func (w *Worker) Exhausted(ctx context.Context, job queue.Job, lastErr error) {
	var payload domain.DispatchJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logx.L().Errorw("dispatch: exhausted job has malformed payload", "job_id", job.ID, "error", err)
		return
	}

	ok, err := w.store.MarkCampaignFailed(ctx, payload.CampaignID)
	if err != nil {
		logx.L().Errorw("dispatch: failed to mark campaign FAILED",
			"campaign_id", payload.CampaignID, "error", err)
		return
	}
	if ok {
		w.sink.CampaignFailed()
		logx.L().Warnw("dispatch: campaign failed after exhausting retries",
			"campaign_id", payload.CampaignID, "error", lastErr)
	}
}
