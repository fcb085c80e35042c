package api

import (
	"time"

	"github.com/djlord-it/easy-blast/internal/domain"
)

type CreateCampaignRequest struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	Recipients []string `json:"recipients"`
}

type ScheduleRequest struct {
	SendAt string `json:"send_at"` // RFC3339
}

type CampaignResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	Recipients  int    `json:"recipients"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
	SentAt      string `json:"sent_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type DeliveryResponse struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	SentAt    string `json:"sent_at,omitempty"`
}

type DeliveryCountsResponse struct {
	Pending int `json:"pending"`
	Queued  int `json:"queued"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

type StatsResponse struct {
	Campaign CampaignResponse       `json:"campaign"`
	Counts   DeliveryCountsResponse `json:"counts"`

	// SendRate is sends per minute over the last N minutes, oldest
	// first. Omitted when analytics is not configured.
	SendRate []int64 `json:"send_rate,omitempty"`
}

type QueueCountsResponse struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type QueueStatsResponse struct {
	Queues map[string]QueueCountsResponse `json:"queues"`
}

type ListCampaignsResponse struct {
	Campaigns []CampaignResponse `json:"campaigns"`
}

type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func campaignResponse(c domain.Campaign) CampaignResponse {
	resp := CampaignResponse{
		ID:         c.ID.String(),
		UserID:     c.UserID.String(),
		Name:       c.Name,
		Subject:    c.Subject,
		Status:     string(c.Status),
		Recipients: len(c.Recipients),
		CreatedAt:  formatTime(c.CreatedAt),
		UpdatedAt:  formatTime(c.UpdatedAt),
	}
	if c.ScheduledAt != nil {
		resp.ScheduledAt = formatTime(*c.ScheduledAt)
	}
	if c.SentAt != nil {
		resp.SentAt = formatTime(*c.SentAt)
	}
	return resp
}

func deliveryResponse(d domain.Delivery) DeliveryResponse {
	resp := DeliveryResponse{
		ID:        d.ID.String(),
		Recipient: d.Recipient,
		Status:    string(d.Status),
		Attempts:  d.Attempts,
		Error:     d.Error,
	}
	if d.SentAt != nil {
		resp.SentAt = formatTime(*d.SentAt)
	}
	return resp
}

func countsResponse(c domain.DeliveryCounts) DeliveryCountsResponse {
	return DeliveryCountsResponse{
		Pending: c.Pending,
		Queued:  c.Queued,
		Sent:    c.Sent,
		Failed:  c.Failed,
		Total:   c.Total(),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
