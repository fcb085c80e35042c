package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedSender fakes a mail provider for local development. Every
// accepted message gets a synthetic message ID; a configurable fraction
// of sends fails with a provider-style 503 to exercise the retry path.
type SimulatedSender struct {
	mu       sync.Mutex
	rng      *rand.Rand
	latency  time.Duration
	failRate float64
	sent     int
}

// NewSimulatedSender creates a simulated sender. failRate is the
// probability in [0, 1] that a send reports a retryable failure.
func NewSimulatedSender(latency time.Duration, failRate float64) *SimulatedSender {
	return &SimulatedSender{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		latency:  latency,
		failRate: failRate,
	}
}

// Send pretends to deliver the message.
func (s *SimulatedSender) Send(ctx context.Context, msg Message) Result {
	start := time.Now()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err(), Duration: time.Since(start)}
		case <-timer.C:
		}
	}

	s.mu.Lock()
	fail := s.rng.Float64() < s.failRate
	if !fail {
		s.sent++
	}
	s.mu.Unlock()

	if fail {
		return Result{StatusCode: 503, Duration: time.Since(start)}
	}
	return Result{
		StatusCode: 200,
		MessageID:  "sim-" + uuid.NewString(),
		Duration:   time.Since(start),
	}
}

// Sent returns the number of messages accepted so far.
func (s *SimulatedSender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
