package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-blast/internal/config"
	"github.com/djlord-it/easy-blast/internal/delivery"
	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/queue"
)

type purgeCall struct {
	queue     string
	status    string
	olderThan time.Time
	keep      int
}

type fakeMaintainer struct {
	mu           sync.Mutex
	staleCutoffs []time.Time
	purges       []purgeCall
}

func (m *fakeMaintainer) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCutoffs = append(m.staleCutoffs, claimedBefore)
	return 0, nil
}

func (m *fakeMaintainer) Purge(ctx context.Context, queueName, status string, olderThan time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges = append(m.purges, purgeCall{queue: queueName, status: status, olderThan: olderThan, keep: keep})
	return 0, nil
}

func housekeepingConfig() config.Config {
	return config.Config{
		DBOpTimeout: 5 * time.Second,
		StaleJobAge: 5 * time.Minute,
	}
}

func TestPurgeSettledJobs_UsesStoredStatusValues(t *testing.T) {
	m := &fakeMaintainer{}

	purgeSettledJobs(housekeepingConfig(), m)

	if len(m.purges) != 4 {
		t.Fatalf("purge calls = %d, want 4 (two statuses per queue)", len(m.purges))
	}
	for _, p := range m.purges {
		// The purge must filter on the exact values the queue writes,
		// or settled rows accumulate forever.
		if p.status != queue.StatusCompleted && p.status != queue.StatusFailed {
			t.Errorf("purge status %q does not match any stored job status", p.status)
		}
	}
}

func TestPurgeSettledJobs_CoversBothQueues(t *testing.T) {
	m := &fakeMaintainer{}

	purgeSettledJobs(housekeepingConfig(), m)

	seen := make(map[string]map[string]purgeCall)
	for _, p := range m.purges {
		if seen[p.queue] == nil {
			seen[p.queue] = make(map[string]purgeCall)
		}
		seen[p.queue][p.status] = p
	}
	for _, q := range []string{dispatch.QueueName, delivery.QueueName} {
		if len(seen[q]) != 2 {
			t.Fatalf("queue %s purged with %d statuses, want 2", q, len(seen[q]))
		}
		if got := seen[q][queue.StatusCompleted].keep; got != 100 {
			t.Errorf("completed keep = %d for %s, want 100", got, q)
		}
		if got := seen[q][queue.StatusFailed].keep; got != 500 {
			t.Errorf("failed keep = %d for %s, want 500", got, q)
		}
	}
}

func TestRequeueStaleJobs_CutoffFollowsStaleJobAge(t *testing.T) {
	m := &fakeMaintainer{}
	cfg := housekeepingConfig()

	before := time.Now().UTC().Add(-cfg.StaleJobAge)
	requeueStaleJobs(cfg, m)
	after := time.Now().UTC().Add(-cfg.StaleJobAge)

	if len(m.staleCutoffs) != 1 {
		t.Fatalf("requeue calls = %d, want 1", len(m.staleCutoffs))
	}
	got := m.staleCutoffs[0]
	if got.Before(before) || got.After(after) {
		t.Errorf("cutoff %v outside [%v, %v]", got, before, after)
	}
}
