package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/queue"
	"github.com/djlord-it/easy-blast/internal/testutil"
	"github.com/djlord-it/easy-blast/internal/transport"
)

type deliveryRecord struct {
	status   domain.DeliveryStatus
	attempts int
	errMsg   string
	sentAt   time.Time
}

type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*deliveryRecord
	markErr error
}

func newFakeStore(ids ...uuid.UUID) *fakeStore {
	s := &fakeStore{records: make(map[uuid.UUID]*deliveryRecord)}
	for _, id := range ids {
		s.records[id] = &deliveryRecord{status: domain.DeliveryStatusQueued}
	}
	return s
}

func (s *fakeStore) MarkDeliverySent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	r, ok := s.records[id]
	if !ok || r.status != domain.DeliveryStatusQueued {
		return false, nil
	}
	r.status = domain.DeliveryStatusSent
	r.attempts = attempts
	r.sentAt = at
	return true, nil
}

func (s *fakeStore) RecordDeliveryError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok && r.status == domain.DeliveryStatusQueued {
		r.attempts = attempts
		r.errMsg = errMsg
	}
	return nil
}

func (s *fakeStore) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.status != domain.DeliveryStatusQueued {
		return false, nil
	}
	r.status = domain.DeliveryStatusFailed
	r.attempts = attempts
	r.errMsg = errMsg
	return true, nil
}

func (s *fakeStore) record(id uuid.UUID) deliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

type scriptedSender struct {
	mu      sync.Mutex
	results []transport.Result
	calls   int
}

func (s *scriptedSender) Send(ctx context.Context, msg transport.Message) transport.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

type fakeChecker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeChecker) CheckCampaign(ctx context.Context, campaignID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *fakeChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeRecorder struct {
	mu    sync.Mutex
	sends int
}

func (r *fakeRecorder) RecordSend(ctx context.Context, campaignID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
}

type deliverySink struct {
	*metrics.NoopSink
	mu        sync.Mutex
	outcomes  map[string]int
	classes   map[string]int
	exhausted int
}

func newDeliverySink() *deliverySink {
	return &deliverySink{
		NoopSink: metrics.NewNoopSink(),
		outcomes: make(map[string]int),
		classes:  make(map[string]int),
	}
}

func (s *deliverySink) EmailAttemptCompleted(outcome, statusClass string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome]++
	s.classes[statusClass]++
}

func (s *deliverySink) EmailExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted++
}

func emailJob(t *testing.T, campaignID, deliveryID uuid.UUID, attempt int) queue.Job {
	t.Helper()
	payload, err := json.Marshal(domain.EmailJob{
		CampaignID: campaignID,
		DeliveryID: deliveryID,
		Recipient:  "a@example.com",
		Subject:    "hi",
		Content:    "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return queue.Job{
		ID:          uuid.New(),
		Queue:       QueueName,
		DedupKey:    DedupKey(deliveryID),
		Payload:     payload,
		Attempt:     attempt,
		MaxAttempts: Options.MaxAttempts,
		BackoffBase: Options.BackoffBase,
	}
}

func accepted() transport.Result  { return transport.Result{StatusCode: 200, MessageID: "m-1"} }
func throttled() transport.Result { return transport.Result{StatusCode: 503} }
func rejected() transport.Result  { return transport.Result{StatusCode: 422} }

func TestHandle_SuccessMarksSentAndChecksCompletion(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	checker := &fakeChecker{}
	recorder := &fakeRecorder{}
	sink := newDeliverySink()
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	w := NewWorker(store, &scriptedSender{results: []transport.Result{accepted()}}, checker, sink).
		WithAnalytics(recorder).
		WithClock(clock.Now)

	res := w.Handle(testutil.TestContext(t), emailJob(t, campaignID, deliveryID, 1))
	if res.Err() != nil {
		t.Fatalf("Handle: %v", res.Err())
	}

	rec := store.record(deliveryID)
	if rec.status != domain.DeliveryStatusSent {
		t.Errorf("status = %s, want SENT", rec.status)
	}
	if rec.attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.attempts)
	}
	if !rec.sentAt.Equal(clock.Now()) {
		t.Errorf("sentAt = %v, want %v", rec.sentAt, clock.Now())
	}
	if checker.count() != 1 {
		t.Errorf("completion checks = %d, want 1", checker.count())
	}
	if recorder.sends != 1 {
		t.Errorf("analytics sends = %d, want 1", recorder.sends)
	}
	if sink.outcomes[metrics.OutcomeSuccess] != 1 {
		t.Errorf("success outcomes = %d, want 1", sink.outcomes[metrics.OutcomeSuccess])
	}
}

func TestHandle_RetryableRecordsErrorAndRetries(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	checker := &fakeChecker{}
	sink := newDeliverySink()

	w := NewWorker(store, &scriptedSender{results: []transport.Result{throttled()}}, checker, sink)

	res := w.Handle(testutil.TestContext(t), emailJob(t, campaignID, deliveryID, 2))
	if res.Err() == nil {
		t.Fatal("throttled send should return a retryable error")
	}

	rec := store.record(deliveryID)
	if rec.status != domain.DeliveryStatusQueued {
		t.Errorf("status = %s, want QUEUED while retrying", rec.status)
	}
	if rec.attempts != 2 || rec.errMsg == "" {
		t.Errorf("record = %+v, want attempts and error captured", rec)
	}
	if checker.count() != 0 {
		t.Error("retryable attempt must not trigger a completion check")
	}
	if sink.outcomes[metrics.OutcomeRetryable] != 1 {
		t.Errorf("retryable outcomes = %d, want 1", sink.outcomes[metrics.OutcomeRetryable])
	}
}

func TestHandle_RejectionFailsImmediately(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	checker := &fakeChecker{}
	sink := newDeliverySink()

	w := NewWorker(store, &scriptedSender{results: []transport.Result{rejected()}}, checker, sink)

	res := w.Handle(testutil.TestContext(t), emailJob(t, campaignID, deliveryID, 1))
	if res.Err() == nil {
		t.Fatal("rejected send should return a terminal error")
	}

	rec := store.record(deliveryID)
	if rec.status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want FAILED", rec.status)
	}
	if checker.count() != 1 {
		t.Errorf("completion checks = %d, want 1 (failed is terminal)", checker.count())
	}
}

func TestHandle_AttemptsLabeledByProviderStatusClass(t *testing.T) {
	campaignID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := newFakeStore(ids...)
	sink := newDeliverySink()
	sender := &scriptedSender{results: []transport.Result{
		accepted(),
		throttled(),
		{Err: errors.New("dial tcp: connection refused")},
	}}

	w := NewWorker(store, sender, &fakeChecker{}, sink)
	ctx := testutil.TestContext(t)
	for _, id := range ids {
		w.Handle(ctx, emailJob(t, campaignID, id, 1))
	}

	want := map[string]int{
		metrics.StatusClass2xx:             1,
		metrics.StatusClass5xx:             1,
		metrics.StatusClassConnectionError: 1,
	}
	for class, n := range want {
		if sink.classes[class] != n {
			t.Errorf("attempts{status_class=%s} = %d, want %d", class, sink.classes[class], n)
		}
	}
}

func TestHandle_SentButMarkFailedDoesNotResend(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	store.markErr = errors.New("db down")

	sender := &scriptedSender{results: []transport.Result{accepted()}}
	w := NewWorker(store, sender, &fakeChecker{}, nil)

	res := w.Handle(testutil.TestContext(t), emailJob(t, campaignID, deliveryID, 1))
	if res.Err() != nil {
		t.Fatalf("a sent email must not be retried: %v", res.Err())
	}
	if sender.calls != 1 {
		t.Errorf("sender calls = %d, want 1", sender.calls)
	}
}

func TestHandle_DuplicateExecutionIsSettledByGuard(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	recorder := &fakeRecorder{}
	checker := &fakeChecker{}

	w := NewWorker(store, &scriptedSender{results: []transport.Result{accepted()}}, checker, nil).
		WithAnalytics(recorder)
	ctx := testutil.TestContext(t)

	w.Handle(ctx, emailJob(t, campaignID, deliveryID, 1))
	w.Handle(ctx, emailJob(t, campaignID, deliveryID, 1))

	if recorder.sends != 1 {
		t.Errorf("analytics sends = %d, want 1 despite duplicate execution", recorder.sends)
	}
	if store.record(deliveryID).attempts != 1 {
		t.Errorf("attempts = %d, want first execution's count preserved", store.record(deliveryID).attempts)
	}
}

func TestHandle_MalformedPayloadFails(t *testing.T) {
	w := NewWorker(newFakeStore(), &scriptedSender{results: []transport.Result{accepted()}}, &fakeChecker{}, nil)

	res := w.Handle(testutil.TestContext(t), queue.Job{
		ID:      uuid.New(),
		Queue:   QueueName,
		Payload: []byte("not-json"),
	})
	if res.Err() == nil {
		t.Fatal("malformed payload should fail terminally")
	}
}

func TestExhausted_AbandonsDeliveryAndChecksCompletion(t *testing.T) {
	campaignID, deliveryID := uuid.New(), uuid.New()
	store := newFakeStore(deliveryID)
	checker := &fakeChecker{}
	sink := newDeliverySink()

	w := NewWorker(store, &scriptedSender{}, checker, sink)
	ctx := testutil.TestContext(t)
	cause := errors.New("provider down")

	w.Exhausted(ctx, emailJob(t, campaignID, deliveryID, 5), cause)

	rec := store.record(deliveryID)
	if rec.status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want FAILED", rec.status)
	}
	if rec.attempts != 5 {
		t.Errorf("attempts = %d, want 5", rec.attempts)
	}
	if checker.count() != 1 {
		t.Errorf("completion checks = %d, want 1", checker.count())
	}
	if sink.exhausted != 1 {
		t.Errorf("exhausted metric = %d, want 1", sink.exhausted)
	}

	// Replay of the exhaustion is absorbed by the status guard.
	w.Exhausted(ctx, emailJob(t, campaignID, deliveryID, 5), cause)
	if checker.count() != 1 {
		t.Errorf("completion checks after replay = %d, want still 1", checker.count())
	}
}

func TestRetryPolicy(t *testing.T) {
	if Options.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", Options.MaxAttempts)
	}
	if Options.BackoffBase != 3*time.Second {
		t.Errorf("BackoffBase = %v, want 3s", Options.BackoffBase)
	}
}
