package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/testutil"
)

type fakeStore struct {
	mu        sync.Mutex
	counts    domain.DeliveryCounts
	countsErr error
	completed bool
	sentAt    time.Time
}

func (s *fakeStore) CountDeliveries(ctx context.Context, campaignID uuid.UUID) (domain.DeliveryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countsErr != nil {
		return domain.DeliveryCounts{}, s.countsErr
	}
	return s.counts, nil
}

func (s *fakeStore) CompleteCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return false, nil
	}
	s.completed = true
	s.sentAt = at
	return true, nil
}

type completionSink struct {
	*metrics.NoopSink
	mu        sync.Mutex
	completed int
	sent      int
	failed    int
}

func newCompletionSink() *completionSink {
	return &completionSink{NoopSink: metrics.NewNoopSink()}
}

func (s *completionSink) CampaignCompleted(sent, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.sent += sent
	s.failed += failed
}

func TestCheckCampaign_CompletesWhenNothingInFlight(t *testing.T) {
	store := &fakeStore{counts: domain.DeliveryCounts{Sent: 8, Failed: 2}}
	sink := newCompletionSink()
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	agg := New(store, sink).WithClock(clock.Now)

	if err := agg.CheckCampaign(testutil.TestContext(t), uuid.New()); err != nil {
		t.Fatalf("CheckCampaign: %v", err)
	}

	if !store.completed {
		t.Fatal("campaign should be completed")
	}
	if !store.sentAt.Equal(clock.Now()) {
		t.Errorf("sentAt = %v, want %v", store.sentAt, clock.Now())
	}
	if sink.completed != 1 || sink.sent != 8 || sink.failed != 2 {
		t.Errorf("sink = %+v", sink)
	}
}

func TestCheckCampaign_WaitsForQueuedDeliveries(t *testing.T) {
	store := &fakeStore{counts: domain.DeliveryCounts{Queued: 1, Sent: 9}}
	agg := New(store, nil)

	if err := agg.CheckCampaign(testutil.TestContext(t), uuid.New()); err != nil {
		t.Fatalf("CheckCampaign: %v", err)
	}
	if store.completed {
		t.Error("campaign with queued deliveries must not complete")
	}
}

func TestCheckCampaign_EmptyCampaignIsNotComplete(t *testing.T) {
	// Zero rows means the expansion has not run, not that it finished.
	store := &fakeStore{}
	agg := New(store, nil)

	if err := agg.CheckCampaign(testutil.TestContext(t), uuid.New()); err != nil {
		t.Fatalf("CheckCampaign: %v", err)
	}
	if store.completed {
		t.Error("unexpanded campaign must not complete")
	}
}

func TestCheckCampaign_AllFailedStillCompletes(t *testing.T) {
	store := &fakeStore{counts: domain.DeliveryCounts{Failed: 5}}
	sink := newCompletionSink()
	agg := New(store, sink)

	if err := agg.CheckCampaign(testutil.TestContext(t), uuid.New()); err != nil {
		t.Fatalf("CheckCampaign: %v", err)
	}
	if !store.completed {
		t.Fatal("campaign with only failed deliveries should still complete")
	}
	if sink.sent != 0 || sink.failed != 5 {
		t.Errorf("sink sent=%d failed=%d, want 0 and 5", sink.sent, sink.failed)
	}
}

func TestCheckCampaign_SideEffectsFireOnce(t *testing.T) {
	// Many workers settle their last delivery at the same moment and
	// all run the completion check; the conditional update lets exactly
	// one of them perform the side effects.
	store := &fakeStore{counts: domain.DeliveryCounts{Sent: 10}}
	sink := newCompletionSink()
	agg := New(store, sink)
	ctx := testutil.TestContext(t)
	id := uuid.New()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agg.CheckCampaign(ctx, id); err != nil {
				t.Errorf("CheckCampaign: %v", err)
			}
		}()
	}
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.completed != 1 {
		t.Errorf("completion side effects fired %d times, want exactly 1", sink.completed)
	}
}

func TestCheckCampaign_CountErrorPropagates(t *testing.T) {
	store := &fakeStore{countsErr: errors.New("db down")}
	agg := New(store, nil)

	if err := agg.CheckCampaign(testutil.TestContext(t), uuid.New()); err == nil {
		t.Fatal("CheckCampaign should propagate count errors")
	}
}
