// Package completion settles a campaign once every delivery has
// reached a terminal state.
package completion

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
)

// Store is the persistence surface the aggregator needs.
type Store interface {
	CountDeliveries(ctx context.Context, campaignID uuid.UUID) (domain.DeliveryCounts, error)
	CompleteCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// Aggregator checks whether a campaign's delivery phase has finished
// and, if so, moves the campaign to SENT. The SENDING->SENT transition
// is a conditional update, so any number of workers can run the check
// concurrently and the completion side effects still fire exactly once.
//
// A campaign completes as SENT even when some deliveries failed; the
// per-recipient outcomes stay on the delivery records.
type Aggregator struct {
	store Store
	sink  metrics.Sink
	clock func() time.Time
}

// New creates an Aggregator.
func New(store Store, sink metrics.Sink) *Aggregator {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Aggregator{
		store: store,
		sink:  sink,
		clock: time.Now,
	}
}

// WithClock overrides the aggregator clock, for tests.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// CheckCampaign settles the campaign if nothing is left in flight.
// Safe to call after every delivery settles; losing the completion
// race is not an error.
func (a *Aggregator) CheckCampaign(ctx context.Context, campaignID uuid.UUID) error {
	counts, err := a.store.CountDeliveries(ctx, campaignID)
	if err != nil {
		return err
	}

	// A campaign with no delivery rows has not been expanded yet; the
	// zero counts look "complete" but mean the opposite.
	if counts.Total() == 0 || !counts.Complete() {
		return nil
	}

	won, err := a.store.CompleteCampaign(ctx, campaignID, a.clock().UTC())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	a.sink.CampaignCompleted(counts.Sent, counts.Failed)
	logx.L().Infow("completion: campaign sent",
		"campaign_id", campaignID, "sent", counts.Sent, "failed", counts.Failed)
	return nil
}
