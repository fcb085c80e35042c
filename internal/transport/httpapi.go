package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/djlord-it/easy-blast/internal/circuitbreaker"
)

// HTTPSenderConfig configures the provider HTTP client.
type HTTPSenderConfig struct {
	// Endpoint is the provider's send URL.
	Endpoint string
	// APIKey is sent as a bearer token.
	APIKey string
	// From is the sender address for every message.
	From string
	// Timeout bounds one provider request.
	Timeout time.Duration
}

// HTTPSender delivers mail through a JSON-over-HTTP provider API.
// A circuit breaker in front of the endpoint sheds requests while the
// provider is hard down, so worker attempts fail fast and back off
// instead of piling up on a dead connection.
type HTTPSender struct {
	config  HTTPSenderConfig
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewHTTPSender creates an HTTPSender. breaker may be nil to disable
// circuit breaking.
func NewHTTPSender(config HTTPSenderConfig, breaker *circuitbreaker.CircuitBreaker) *HTTPSender {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPSender{
		config:  config,
		client:  &http.Client{},
		breaker: breaker,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts one message to the provider.
func (s *HTTPSender) Send(ctx context.Context, msg Message) Result {
	start := time.Now()

	if s.breaker != nil {
		if err := s.breaker.Allow(s.config.Endpoint); err != nil {
			return Result{Err: err, Duration: time.Since(start)}
		}
	}

	body, err := json.Marshal(sendRequest{
		From:    s.config.From,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return Result{Err: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	httpReq.Header.Set("X-EasyBlast-Campaign-ID", msg.CampaignID.String())
	httpReq.Header.Set("X-EasyBlast-Delivery-ID", msg.DeliveryID.String())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.recordOutcome(false)
		return Result{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	result := Result{StatusCode: resp.StatusCode, Duration: time.Since(start)}
	if result.Sent() {
		var parsed sendResponse
		// Missing or malformed message_id is not a delivery failure.
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); err == nil {
			if json.Unmarshal(data, &parsed) == nil {
				result.MessageID = parsed.MessageID
			}
		}
	}

	// Only provider availability trips the breaker; a 4xx rejection is
	// the message's fault, not the provider's.
	s.recordOutcome(result.Err == nil && resp.StatusCode < 500)
	result.Duration = time.Since(start)
	return result
}

func (s *HTTPSender) recordOutcome(healthy bool) {
	if s.breaker == nil {
		return
	}
	if healthy {
		s.breaker.RecordSuccess(s.config.Endpoint)
	} else {
		s.breaker.RecordFailure(s.config.Endpoint)
	}
}
