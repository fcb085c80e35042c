package domain

import (
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusScheduled CampaignStatus = "SCHEDULED"
	CampaignStatusSending   CampaignStatus = "SENDING"
	CampaignStatusSent      CampaignStatus = "SENT"
	CampaignStatusFailed    CampaignStatus = "FAILED"
)

// MaxRecipients bounds the recipient list of a single campaign.
const MaxRecipients = 1000

type Campaign struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Name       string
	Subject    string
	Content    string
	Recipients []string

	Status CampaignStatus

	// DispatchClaimed is set exactly once, before any delivery rows are
	// created, so that a retried dispatch job cannot duplicate the
	// expansion.
	DispatchClaimed bool

	ScheduledAt *time.Time
	SentAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether no further automatic transition occurs.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusSent || s == CampaignStatusFailed
}
