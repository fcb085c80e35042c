// Package reconciler watches for campaigns stuck in SENDING.
//
// A campaign is stuck when it entered SENDING but stopped making
// progress: its dispatch job was lost before expansion, or the final
// completion check failed after the last delivery settled. The
// reconciler periodically re-runs the completion check, which settles
// the second case, skips campaigns whose dispatch job is still live on
// the queue, and raises an alert for whatever remains. It never
// re-sends mail; delivery retries belong to the queue.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
)

// Store defines the interface for finding stuck campaigns.
type Store interface {
	FindStuckCampaigns(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error)
}

// Completer re-runs the campaign completion check.
type Completer interface {
	CheckCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// JobChecker probes the queue for a live (pending or running) job under
// a dedup key.
type JobChecker interface {
	HasLiveJob(ctx context.Context, queueName, dedupKey string) (bool, error)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age without progress after which a SENDING
	// campaign is considered stuck.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of stuck campaigns per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects stuck campaigns, repairs missed completions and
// alerts on the rest.
type Reconciler struct {
	config    Config
	store     Store
	completer Completer
	jobs      JobChecker
	sink      metrics.Sink
	clock     func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, completer Completer, sink metrics.Sink) *Reconciler {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Reconciler{
		config:    config,
		store:     store,
		completer: completer,
		sink:      sink,
		clock:     time.Now,
	}
}

// WithClock overrides the reconciler clock, for tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// WithJobChecker lets the reconciler tell an aged campaign whose
// dispatch job is still on the queue (retrying on backoff) apart from
// one whose job was lost. Without it every aged campaign is flagged.
func (r *Reconciler) WithJobChecker(jobs JobChecker) *Reconciler {
	r.jobs = jobs
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	logx.L().Infow("reconciler: started",
		"interval", r.config.Interval.String(),
		"threshold", r.config.Threshold.String(),
		"batch", r.config.BatchSize)

	// Run immediately on startup, then on ticker.
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("reconciler: stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle and returns the number of
// campaigns flagged as stuck.
func (r *Reconciler) RunCycle(ctx context.Context) int {
	now := r.clock().UTC()
	cutoff := now.Add(-r.config.Threshold)

	stuck, err := r.store.FindStuckCampaigns(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		logx.L().Errorw("reconciler: failed to scan for stuck campaigns", "error", err)
		return 0
	}

	r.sink.StuckCampaignsUpdate(len(stuck))
	if len(stuck) == 0 {
		return 0
	}

	flagged := 0
	for _, c := range stuck {
		if ctx.Err() != nil {
			logx.L().Warnw("reconciler: cycle interrupted",
				"processed", flagged, "total", len(stuck))
			return flagged
		}

		// A missed completion check resolves here; everything else is
		// an operator problem.
		if err := r.completer.CheckCampaign(ctx, c.ID); err != nil {
			logx.L().Errorw("reconciler: completion check failed",
				"campaign_id", c.ID, "error", err)
		}

		if r.jobs != nil {
			live, err := r.jobs.HasLiveJob(ctx, dispatch.QueueName, dispatch.DedupKey(c.ID))
			if err != nil {
				logx.L().Errorw("reconciler: dispatch job liveness check failed",
					"campaign_id", c.ID, "error", err)
			} else if live {
				// The dispatch job is still on the queue, likely on
				// backoff. Not an alert yet; the exhaustion path fails
				// the campaign if it never lands.
				logx.L().Infow("reconciler: dispatch still in flight",
					"campaign_id", c.ID,
					"age", now.Sub(c.UpdatedAt).Round(time.Second).String())
				continue
			}
		}

		r.sink.CampaignStuck()
		flagged++
		logx.L().Warnw("reconciler: campaign stuck in SENDING",
			"campaign_id", c.ID,
			"user_id", c.UserID,
			"age", now.Sub(c.UpdatedAt).Round(time.Second).String(),
			"dispatch_claimed", c.DispatchClaimed)
	}

	logx.L().Infow("reconciler: cycle complete", "stuck", flagged)
	return flagged
}
