// Package queue provides a durable, Postgres-backed job queue with
// at-least-once delivery, per-job retry policy and bounded retention of
// finished job records.
//
// Handlers report the outcome of a job execution through an explicit
// Result (Success, Retry or Fail) instead of callback hooks; the
// consumer translates Retry into backoff rescheduling and invokes the
// handler's Exhausted method exactly once when the attempt budget runs
// out.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status of a job record.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Options is the retry policy attached to a job at enqueue time.
type Options struct {
	// MaxAttempts is the total attempt budget, first execution included.
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; it doubles
	// for every attempt after that.
	BackoffBase time.Duration
}

// Job is one unit of queued work. Attempt is assigned by the queue on
// dequeue and is monotonically increasing for a given job.
type Job struct {
	ID       uuid.UUID
	Queue    string
	DedupKey string
	Payload  []byte

	Attempt     int
	MaxAttempts int
	BackoffBase time.Duration

	RunAt     time.Time
	LastError string
}

// Counts summarizes a queue's job records by status.
type Counts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
}

type resultKind int

const (
	kindSuccess resultKind = iota
	kindRetry
	kindFail
)

// Result is a handler's verdict on one job execution.
type Result struct {
	kind resultKind
	err  error
}

// Success marks the job completed.
func Success() Result { return Result{kind: kindSuccess} }

// Retry reports a transient failure; the queue reschedules the job
// with exponential backoff until the attempt budget is exhausted.
func Retry(err error) Result { return Result{kind: kindRetry, err: err} }

// Fail reports a terminal failure; the job is not retried.
func Fail(err error) Result { return Result{kind: kindFail, err: err} }

// Err returns the error carried by a Retry or Fail result, nil otherwise.
func (r Result) Err() error { return r.err }

// Handler processes jobs from one queue.
type Handler interface {
	Handle(ctx context.Context, job Job) Result

	// Exhausted is called exactly once when a job's final attempt has
	// returned Retry: the failure is now terminal, driven by the
	// queue's own attempt counter rather than the handler's path.
	Exhausted(ctx context.Context, job Job, lastErr error)
}

// BackoffDelay returns the delay before the attempt following the
// given one: base * 2^(attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the exponent so pathological attempt counts cannot overflow.
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}
