package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, campaignsClaimed int, err error)

	// Queue metrics
	JobRetried(queue string)
	JobExhausted(queue string)

	// Dispatch metrics
	CampaignDispatched(recipients int)
	CampaignFailed()

	// Delivery metrics
	EmailAttemptCompleted(outcome, statusClass string, duration time.Duration)
	EmailExhausted()

	// Completion metrics
	CampaignCompleted(sent, failed int)

	// Reconciler metrics
	CampaignStuck()
	StuckCampaignsUpdate(count int)
}

// Outcome constants for EmailAttemptCompleted.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFailed    = "failed"
)

// StatusClass constants for classifying mail provider responses.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a provider status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
