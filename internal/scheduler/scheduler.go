// Package scheduler detects due campaigns and hands them to the
// dispatch queue, exactly once per campaign.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
)

// Store is the campaign persistence the scheduler needs.
type Store interface {
	FindDueCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
	ClaimForDispatch(ctx context.Context, id uuid.UUID) (bool, error)
}

// Enqueuer puts a claimed campaign on the dispatch queue.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, c domain.Campaign) error
}

// Config holds scheduler settings.
type Config struct {
	// TickInterval is how often the scheduler scans for due campaigns.
	TickInterval time.Duration
	// BatchSize bounds the number of campaigns claimed per tick.
	BatchSize int
}

// Scheduler scans for SCHEDULED campaigns whose send time has passed
// and claims each one with a conditional SCHEDULED->SENDING update, so
// overlapping ticks and concurrent instances never dispatch the same
// campaign twice.
type Scheduler struct {
	config   Config
	store    Store
	enqueuer Enqueuer
	sink     metrics.Sink
	clock    func() time.Time
}

// New creates a Scheduler.
func New(config Config, store Store, enqueuer Enqueuer, sink metrics.Sink) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Scheduler{
		config:   config,
		store:    store,
		enqueuer: enqueuer,
		sink:     sink,
		clock:    time.Now,
	}
}

// WithClock overrides the scheduler clock, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run blocks until ctx is cancelled, processing one tick per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	logx.L().Infow("scheduler: started", "tick", s.config.TickInterval.String())

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				logx.L().Errorw("scheduler: tick error", "error", err)
			}
		}
	}
}

// Tick performs one scan-claim-enqueue pass and returns the number of
// campaigns claimed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.sink.TickStarted()
	start := s.clock()
	now := start.UTC()

	due, err := s.store.FindDueCampaigns(ctx, now, s.config.BatchSize)
	if err != nil {
		err = fmt.Errorf("find due campaigns: %w", err)
		s.sink.TickCompleted(s.clock().Sub(start), 0, err)
		return 0, err
	}

	claimed := 0
	for _, c := range due {
		won, err := s.store.ClaimForDispatch(ctx, c.ID)
		if err != nil {
			logx.L().Errorw("scheduler: claim error", "campaign_id", c.ID, "error", err)
			continue
		}
		if !won {
			// Another instance or a send-now call got there first.
			continue
		}
		claimed++

		c.Status = domain.CampaignStatusSending
		if err := s.enqueuer.EnqueueDispatch(ctx, c); err != nil {
			// The campaign is SENDING with no job behind it; the
			// reconciler will flag it as stuck.
			logx.L().Errorw("scheduler: enqueue failed after claim",
				"campaign_id", c.ID, "error", err)
			s.sink.CampaignStuck()
			continue
		}

		logx.L().Infow("scheduler: campaign dispatched",
			"campaign_id", c.ID, "scheduled_at", formatTime(c.ScheduledAt))
	}

	s.sink.TickCompleted(s.clock().Sub(start), claimed, nil)
	return claimed, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
