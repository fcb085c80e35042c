// Package delivery sends individual campaign emails and records the
// outcome of every recipient.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/queue"
	"github.com/djlord-it/easy-blast/internal/transport"
)

// QueueName is the durable queue carrying per-recipient email jobs.
const QueueName = "email-delivery"

// Options is the email retry policy: five attempts with a 3s base
// backoff before the delivery is abandoned.
var Options = queue.Options{
	MaxAttempts: 5,
	BackoffBase: 3 * time.Second,
}

// Store is the persistence surface the delivery worker needs.
type Store interface {
	MarkDeliverySent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error)
	RecordDeliveryError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, errMsg string) (bool, error)
}

// CompletionChecker settles a campaign once its last delivery lands.
type CompletionChecker interface {
	CheckCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// SendRecorder receives fire-and-forget per-campaign send analytics.
type SendRecorder interface {
	RecordSend(ctx context.Context, campaignID uuid.UUID)
}

// Enqueuer puts email jobs on the email-delivery queue.
type Enqueuer struct {
	queue *queue.Queue
}

// NewEnqueuer creates a delivery Enqueuer.
func NewEnqueuer(q *queue.Queue) *Enqueuer {
	return &Enqueuer{queue: q}
}

// EnqueueEmails bulk-adds one email job per delivery. Dedup keys are
// derived from delivery IDs, so re-enqueueing after a dispatch retry
// only fills the gaps.
func (e *Enqueuer) EnqueueEmails(ctx context.Context, c domain.Campaign, deliveries []domain.Delivery) error {
	items := make([]queue.BulkItem, 0, len(deliveries))
	for _, d := range deliveries {
		if d.Status != domain.DeliveryStatusQueued {
			// Already settled on a previous dispatch run.
			continue
		}
		payload, err := json.Marshal(domain.EmailJob{
			CampaignID: c.ID,
			DeliveryID: d.ID,
			Recipient:  d.Recipient,
			Subject:    c.Subject,
			Content:    c.Content,
		})
		if err != nil {
			return fmt.Errorf("marshal email job: %w", err)
		}
		items = append(items, queue.BulkItem{
			DedupKey: DedupKey(d.ID),
			Payload:  payload,
		})
	}
	return e.queue.EnqueueBulk(ctx, QueueName, items, Options)
}

// DedupKey returns the email dedup key for a delivery.
func DedupKey(deliveryID uuid.UUID) string {
	return "email:" + deliveryID.String()
}

// Worker handles email jobs: one send attempt per execution, with the
// outcome written through a status-guarded update so a duplicate
// execution can never double-count a recipient.
type Worker struct {
	store      Store
	sender     transport.Sender
	completion CompletionChecker
	analytics  SendRecorder // optional, nil = disabled
	sink       metrics.Sink
	clock      func() time.Time
}

// NewWorker creates a delivery worker.
func NewWorker(store Store, sender transport.Sender, completion CompletionChecker, sink metrics.Sink) *Worker {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Worker{
		store:      store,
		sender:     sender,
		completion: completion,
		sink:       sink,
		clock:      time.Now,
	}
}

// WithAnalytics attaches a send recorder to the worker.
func (w *Worker) WithAnalytics(recorder SendRecorder) *Worker {
	w.analytics = recorder
	return w
}

// WithClock overrides the worker clock, for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Handle runs one email send attempt.
func (w *Worker) Handle(ctx context.Context, job queue.Job) queue.Result {
	var payload domain.EmailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Fail(fmt.Errorf("malformed email payload: %w", err))
	}

	res := w.sender.Send(ctx, transport.Message{
		CampaignID: payload.CampaignID,
		DeliveryID: payload.DeliveryID,
		To:         payload.Recipient,
		Subject:    payload.Subject,
		HTML:       payload.Content,
	})

	statusClass := metrics.ClassifyStatus(res.StatusCode, res.Err)

	switch {
	case res.Sent():
		return w.handleSent(ctx, job, payload, res, statusClass)
	case res.Retryable():
		w.sink.EmailAttemptCompleted(metrics.OutcomeRetryable, statusClass, res.Duration)
		err := sendError(res)
		if recErr := w.store.RecordDeliveryError(ctx, payload.DeliveryID, job.Attempt, err.Error()); recErr != nil {
			logx.L().Errorw("delivery: record error failed",
				"delivery_id", payload.DeliveryID, "error", recErr)
		}
		return queue.Retry(err)
	default:
		// The provider rejected the message outright; retrying the
		// same request cannot succeed.
		w.sink.EmailAttemptCompleted(metrics.OutcomeFailed, statusClass, res.Duration)
		err := sendError(res)
		w.settleFailed(ctx, payload, job.Attempt, err)
		return queue.Fail(err)
	}
}

func (w *Worker) handleSent(ctx context.Context, job queue.Job, payload domain.EmailJob, res transport.Result, statusClass string) queue.Result {
	w.sink.EmailAttemptCompleted(metrics.OutcomeSuccess, statusClass, res.Duration)

	ok, err := w.store.MarkDeliverySent(ctx, payload.DeliveryID, job.Attempt, w.clock().UTC())
	if err != nil {
		// The email went out. Retrying the job would send it again,
		// which is worse than a delivery row that lags behind; the
		// stale-claim requeue will surface the job once more and the
		// guarded update then settles the record without resending.
		logx.L().Errorw("delivery: sent but mark failed",
			"delivery_id", payload.DeliveryID, "campaign_id", payload.CampaignID, "error", err)
		return queue.Success()
	}
	if !ok {
		logx.L().Warnw("delivery: duplicate send settled by guard",
			"delivery_id", payload.DeliveryID, "campaign_id", payload.CampaignID)
		return queue.Success()
	}

	if w.analytics != nil {
		w.analytics.RecordSend(ctx, payload.CampaignID)
	}

	logx.L().Infow("delivery: email sent",
		"delivery_id", payload.DeliveryID, "campaign_id", payload.CampaignID,
		"attempt", job.Attempt, "message_id", res.MessageID)

	w.checkCompletion(ctx, payload.CampaignID)
	return queue.Success()
}

// Exhausted marks the delivery FAILED after the final retryable error,
// then checks whether the campaign is now complete: abandoned
// recipients are terminal and must not hold the campaign open.
func (w *Worker) Exhausted(ctx context.Context, job queue.Job, lastErr error) {
	var payload domain.EmailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logx.L().Errorw("delivery: exhausted job has malformed payload", "job_id", job.ID, "error", err)
		return
	}

	w.sink.EmailExhausted()
	w.settleFailed(ctx, payload, job.Attempt, lastErr)
}

func (w *Worker) settleFailed(ctx context.Context, payload domain.EmailJob, attempts int, cause error) {
	ok, err := w.store.MarkDeliveryFailed(ctx, payload.DeliveryID, attempts, errMessage(cause))
	if err != nil {
		logx.L().Errorw("delivery: mark failed error",
			"delivery_id", payload.DeliveryID, "campaign_id", payload.CampaignID, "error", err)
		return
	}
	if !ok {
		// Already settled by an earlier execution.
		return
	}

	logx.L().Warnw("delivery: email abandoned",
		"delivery_id", payload.DeliveryID, "campaign_id", payload.CampaignID,
		"attempts", attempts, "error", cause)

	w.checkCompletion(ctx, payload.CampaignID)
}

func (w *Worker) checkCompletion(ctx context.Context, campaignID uuid.UUID) {
	if err := w.completion.CheckCampaign(ctx, campaignID); err != nil {
		// The next settling delivery, or the reconciler, retries this.
		logx.L().Errorw("delivery: completion check failed",
			"campaign_id", campaignID, "error", err)
	}
}

func sendError(res transport.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("provider returned status %d", res.StatusCode)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
