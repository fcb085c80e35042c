// Package transport sends individual emails through a mail provider.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one email to hand to the provider.
type Message struct {
	CampaignID uuid.UUID
	DeliveryID uuid.UUID

	To      string
	Subject string
	HTML    string
}

// Result is the outcome of one send attempt.
type Result struct {
	StatusCode int
	MessageID  string
	Duration   time.Duration
	Err        error
}

// Sent reports whether the provider accepted the message.
func (r Result) Sent() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Retryable reports whether the attempt is worth repeating: transport
// errors, rate limiting and provider 5xx are transient; any other 4xx
// means the request itself is bad and will never succeed.
func (r Result) Retryable() bool {
	if r.Sent() {
		return false
	}
	if r.Err != nil {
		return true
	}
	return r.StatusCode == 429 || r.StatusCode >= 500
}

// Sender delivers one message per call. Implementations must be safe
// for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
}
