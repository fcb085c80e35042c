package domain

import "github.com/google/uuid"

// DispatchJob asks a worker to expand one campaign into its delivery
// records and per-recipient email jobs.
type DispatchJob struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     uuid.UUID `json:"user_id"`
}

// EmailJob asks a worker to send one email for one delivery record.
// The attempt number is carried by the queue, not the payload.
type EmailJob struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	DeliveryID uuid.UUID `json:"delivery_id"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	Content    string    `json:"content"`
}
