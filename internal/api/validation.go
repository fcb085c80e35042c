package api

import (
	"fmt"
	"time"

	"github.com/djlord-it/easy-blast/internal/domain"
)

// validateCreateCampaign rejects structurally bad requests at the edge.
// The campaign service re-validates addresses and normalizes the list.
func validateCreateCampaign(req CreateCampaignRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("recipients is required")
	}
	if len(req.Recipients) > domain.MaxRecipients {
		return fmt.Errorf("recipients exceeds maximum of %d", domain.MaxRecipients)
	}
	return nil
}

// parseSendAt parses the schedule time as RFC3339.
func parseSendAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("send_at is required")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid send_at: must be RFC3339: %v", err)
	}
	return t, nil
}
