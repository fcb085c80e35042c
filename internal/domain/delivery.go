package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "PENDING"
	DeliveryStatusQueued  DeliveryStatus = "QUEUED"
	DeliveryStatusSent    DeliveryStatus = "SENT"
	DeliveryStatusFailed  DeliveryStatus = "FAILED"
)

// Delivery is the per-recipient unit of work and its outcome record.
// It belongs to exactly one campaign and is mutated only by the email
// worker that owns the corresponding job execution.
type Delivery struct {
	ID         uuid.UUID
	CampaignID uuid.UUID

	Recipient string
	Status    DeliveryStatus
	Attempts  int
	Error     string

	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryCounts groups one campaign's deliveries by status.
type DeliveryCounts struct {
	Pending int
	Queued  int
	Sent    int
	Failed  int
}

func (c DeliveryCounts) Total() int {
	return c.Pending + c.Queued + c.Sent + c.Failed
}

// Complete reports whether the delivery phase is finished: nothing is
// waiting to be sent. Failed deliveries are terminal and count toward
// completion the same as sent ones.
func (c DeliveryCounts) Complete() bool {
	return c.Pending == 0 && c.Queued == 0
}
