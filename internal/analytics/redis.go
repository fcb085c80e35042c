// Package analytics records per-campaign send rates in Redis.
//
// Counters are minute buckets keyed by campaign, incremented once per
// accepted email. They feed live send-rate charts and expire on their
// own; the durable per-recipient record lives in Postgres, so losing
// Redis loses charts, not data.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-blast/internal/logx"
)

// DefaultRetention is how long a send-rate bucket lives.
const DefaultRetention = 24 * time.Hour

// RedisSink writes send counters to Redis.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

// NewRedisSink creates a RedisSink. retention <= 0 uses DefaultRetention.
func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock overrides the sink clock, for tests.
func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// RecordSend increments the campaign's counter for the current minute.
// Fire-and-forget: a Redis failure is logged and swallowed, it must
// never slow down or fail a delivery.
func (s *RedisSink) RecordSend(ctx context.Context, campaignID uuid.UUID) {
	key := SendKey(campaignID, s.clock())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		logx.L().Warnw("analytics: redis write failed", "key", key, "error", err)
	}
}

// SendRate returns the campaign's send counts for the last n minutes,
// oldest bucket first.
func (s *RedisSink) SendRate(ctx context.Context, campaignID uuid.UUID, n int) ([]int64, error) {
	now := s.clock()
	keys := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		keys = append(keys, SendKey(campaignID, now.Add(-time.Duration(i)*time.Minute)))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]int64, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case string:
			fmt.Sscanf(val, "%d", &out[i])
		case int64:
			out[i] = val
		}
	}
	return out, nil
}

// SendKey is the minute-bucket counter key for one campaign.
func SendKey(campaignID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("c:%s:sends:%s", campaignID, t.UTC().Format("200601021504"))
}
