// Package campaigns implements the campaign lifecycle service: create,
// schedule, cancel and send-now operations plus per-campaign stats.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
)

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrDuplicateCampaign = errors.New("campaign already exists")
	ErrInvalidTransition = errors.New("campaign state does not allow this operation")
	ErrScheduleInPast    = errors.New("scheduled time must be in the future")
	ErrNoRecipients      = errors.New("campaign has no recipients")
	ErrTooManyRecipients = fmt.Errorf("campaign exceeds %d recipients", domain.MaxRecipients)
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Campaign, error)
	ScheduleCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CancelSchedule(ctx context.Context, id uuid.UUID) (bool, error)
	ClaimForDispatch(ctx context.Context, id uuid.UUID) (bool, error)
	CountDeliveries(ctx context.Context, campaignID uuid.UUID) (domain.DeliveryCounts, error)
	ListDeliveries(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.Delivery, error)
}

// Enqueuer puts a campaign on the dispatch queue; SendNow uses it to
// bypass the scheduler tick.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, c domain.Campaign) error
}

// NewCampaign is the input to Create.
type NewCampaign struct {
	UserID     uuid.UUID
	Name       string
	Subject    string
	Content    string
	Recipients []string
}

// Stats is a campaign with its live delivery counts.
type Stats struct {
	Campaign domain.Campaign
	Counts   domain.DeliveryCounts
}

// Service coordinates campaign lifecycle operations against the store.
type Service struct {
	store    Store
	enqueuer Enqueuer
	clock    func() time.Time
}

// New creates a campaign service.
func New(store Store, enqueuer Enqueuer) *Service {
	return &Service{
		store:    store,
		enqueuer: enqueuer,
		clock:    time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create validates and persists a new DRAFT campaign.
func (s *Service) Create(ctx context.Context, in NewCampaign) (domain.Campaign, error) {
	if err := validateNewCampaign(in); err != nil {
		return domain.Campaign{}, err
	}

	now := s.clock().UTC()
	c := domain.Campaign{
		ID:         uuid.New(),
		UserID:     in.UserID,
		Name:       strings.TrimSpace(in.Name),
		Subject:    strings.TrimSpace(in.Subject),
		Content:    in.Content,
		Recipients: normalizeRecipients(in.Recipients),
		Status:     domain.CampaignStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return domain.Campaign{}, err
	}

	logx.L().Infow("campaigns: created",
		"campaign_id", c.ID, "user_id", c.UserID, "recipients", len(c.Recipients))
	return c, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

// List returns a user's campaigns, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListCampaigns(ctx, userID, limit, offset)
}

// Schedule sets a future send time on a DRAFT or SCHEDULED campaign.
// Rescheduling an already scheduled campaign simply replaces the time.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !at.After(s.clock()) {
		return ErrScheduleInPast
	}

	ok, err := s.store.ScheduleCampaign(ctx, id, at)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionError(ctx, id)
	}

	logx.L().Infow("campaigns: scheduled", "campaign_id", id, "scheduled_at", at.UTC().Format(time.RFC3339))
	return nil
}

// CancelSchedule returns a SCHEDULED campaign to DRAFT. A cancelled
// campaign can be rescheduled later.
func (s *Service) CancelSchedule(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.CancelSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionError(ctx, id)
	}

	logx.L().Infow("campaigns: schedule cancelled", "campaign_id", id)
	return nil
}

// SendNow claims a campaign for immediate dispatch, bypassing the
// scheduler tick. The campaign must be DRAFT or SCHEDULED; the
// SCHEDULED->SENDING claim makes SendNow and the scheduler race-safe,
// only one path dispatches.
func (s *Service) SendNow(ctx context.Context, id uuid.UUID) error {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}

	switch c.Status {
	case domain.CampaignStatusDraft:
		// Pass through SCHEDULED so the claim below applies uniformly.
		if _, err := s.store.ScheduleCampaign(ctx, id, s.clock().UTC()); err != nil {
			return err
		}
	case domain.CampaignStatusScheduled:
		// Already eligible for the claim.
	default:
		return ErrInvalidTransition
	}

	ok, err := s.store.ClaimForDispatch(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		// The scheduler beat us to it; the campaign is on its way.
		return nil
	}

	c.Status = domain.CampaignStatusSending
	if err := s.enqueuer.EnqueueDispatch(ctx, c); err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}

	logx.L().Infow("campaigns: send-now dispatched", "campaign_id", id)
	return nil
}

// Stats returns a campaign with its current delivery counts.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (Stats, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.store.CountDeliveries(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Campaign: c, Counts: counts}, nil
}

// Deliveries returns one page of a campaign's delivery records.
func (s *Service) Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id, limit, offset)
}

// transitionError distinguishes a missing campaign from one in the
// wrong state after a guarded update matched no row.
func (s *Service) transitionError(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func validateNewCampaign(in NewCampaign) error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("campaign name is required")
	}
	if strings.TrimSpace(in.Subject) == "" {
		return errors.New("campaign subject is required")
	}
	if len(in.Recipients) == 0 {
		return ErrNoRecipients
	}
	if len(in.Recipients) > domain.MaxRecipients {
		return ErrTooManyRecipients
	}
	for _, r := range in.Recipients {
		if _, err := mail.ParseAddress(strings.TrimSpace(r)); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", r, err)
		}
	}
	return nil
}

func normalizeRecipients(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr := strings.ToLower(strings.TrimSpace(r))
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
