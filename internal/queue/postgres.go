package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const queryEnqueue = `
INSERT INTO jobs (id, queue, dedup_key, payload, status, attempts, max_attempts, backoff_base_ms, run_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, NOW(), NOW())
ON CONFLICT (queue, dedup_key) DO NOTHING
`

const queryDequeue = `
WITH next AS (
    SELECT id FROM jobs
    WHERE queue = $1 AND status = 'pending' AND run_at <= NOW()
    ORDER BY run_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE jobs
SET status = 'running', attempts = attempts + 1, claimed_at = NOW(), updated_at = NOW()
FROM next
WHERE jobs.id = next.id
RETURNING jobs.id, jobs.queue, jobs.dedup_key, jobs.payload, jobs.attempts,
          jobs.max_attempts, jobs.backoff_base_ms, jobs.run_at, COALESCE(jobs.last_error, '')
`

const queryComplete = `
UPDATE jobs SET status = 'completed', claimed_at = NULL, updated_at = NOW() WHERE id = $1
`

const queryReschedule = `
UPDATE jobs SET status = 'pending', run_at = $2, last_error = $3, claimed_at = NULL, updated_at = NOW() WHERE id = $1
`

const queryFail = `
UPDATE jobs SET status = 'failed', last_error = $2, claimed_at = NULL, updated_at = NOW() WHERE id = $1
`

const queryRequeueStale = `
UPDATE jobs
SET status = 'pending', claimed_at = NULL, updated_at = NOW()
WHERE status = 'running' AND claimed_at < $1
`

const queryPurge = `
DELETE FROM jobs
WHERE queue = $1 AND status = $2 AND updated_at < $3
  AND id NOT IN (
      SELECT id FROM jobs
      WHERE queue = $1 AND status = $2
      ORDER BY updated_at DESC
      LIMIT $4
  )
`

const queryCounts = `
SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status
`

const queryHasLiveJob = `
SELECT EXISTS (
    SELECT 1 FROM jobs
    WHERE queue = $1 AND dedup_key = $2 AND status IN ('pending', 'running')
)
`

// Queue implements the durable queue on PostgreSQL. One jobs table
// serves every named queue; dequeue relies on FOR UPDATE SKIP LOCKED
// so concurrent consumers never run the same job twice at once.
type Queue struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a Queue. opTimeout bounds every database operation.
func New(db *sql.DB, opTimeout time.Duration) *Queue {
	return &Queue{db: db, opTimeout: opTimeout}
}

func (q *Queue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.opTimeout)
}

// Enqueue adds one job. A job whose (queue, dedup_key) already exists
// is silently skipped, which keeps enqueue idempotent across retries.
func (q *Queue) Enqueue(ctx context.Context, queueName, dedupKey string, payload []byte, opts Options) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	_, err := q.db.ExecContext(ctx, queryEnqueue,
		uuid.New(), queueName, dedupKey, payload,
		opts.MaxAttempts, opts.BackoffBase.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return nil
}

// BulkItem is one entry of a bulk enqueue.
type BulkItem struct {
	DedupKey string
	Payload  []byte
}

// EnqueueBulk adds all items in a single transaction: either every job
// is queued or none is, so a partial failure cannot leave a silent
// subset unqueued.
func (q *Queue) EnqueueBulk(ctx context.Context, queueName string, items []BulkItem, opts Options) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue bulk %s: begin: %w", queueName, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, queryEnqueue,
			uuid.New(), queueName, item.DedupKey, item.Payload,
			opts.MaxAttempts, opts.BackoffBase.Milliseconds(), now,
		); err != nil {
			return fmt.Errorf("enqueue bulk %s: %w", queueName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue bulk %s: commit: %w", queueName, err)
	}
	return nil
}

// Dequeue claims the oldest due job of the named queue. The second
// return value is false when no job is due.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (Job, bool, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	var job Job
	var backoffMs int64
	err := q.db.QueryRowContext(ctx, queryDequeue, queueName).Scan(
		&job.ID, &job.Queue, &job.DedupKey, &job.Payload,
		&job.Attempt, &job.MaxAttempts, &backoffMs, &job.RunAt, &job.LastError,
	)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	job.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	return job, true, nil
}

// Complete marks a job's record completed; the record is kept for
// observability until Purge trims it.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	if _, err := q.db.ExecContext(ctx, queryComplete, id); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Reschedule returns a running job to pending with a new run time.
func (q *Queue) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	if _, err := q.db.ExecContext(ctx, queryReschedule, id, runAt.UTC(), lastErr); err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return nil
}

// Fail marks a job terminally failed.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, lastErr string) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	if _, err := q.db.ExecContext(ctx, queryFail, id, lastErr); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// RequeueStale returns jobs claimed before the given cutoff to pending.
// A consumer that crashed mid-job holds its claim forever; this is the
// crash-recovery half of at-least-once delivery. Returns the number of
// jobs requeued.
func (q *Queue) RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	res, err := q.db.ExecContext(ctx, queryRequeueStale, claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes finished records of one queue older than the cutoff,
// always keeping the most recent keep records of that status.
func (q *Queue) Purge(ctx context.Context, queueName, status string, olderThan time.Time, keep int) (int64, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	res, err := q.db.ExecContext(ctx, queryPurge, queueName, status, olderThan.UTC(), keep)
	if err != nil {
		return 0, fmt.Errorf("purge %s/%s: %w", queueName, status, err)
	}
	return res.RowsAffected()
}

// Counts returns per-status job counts for one queue.
func (q *Queue) Counts(ctx context.Context, queueName string) (Counts, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	rows, err := q.db.QueryContext(ctx, queryCounts, queueName)
	if err != nil {
		return Counts{}, fmt.Errorf("counts %s: %w", queueName, err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusRunning:
			c.Running = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// HasLiveJob reports whether a pending or running job with the given
// dedup key exists on the named queue.
func (q *Queue) HasLiveJob(ctx context.Context, queueName, dedupKey string) (bool, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	var exists bool
	if err := q.db.QueryRowContext(ctx, queryHasLiveJob, queueName, dedupKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("has live job %s/%s: %w", queueName, dedupKey, err)
	}
	return exists, nil
}
