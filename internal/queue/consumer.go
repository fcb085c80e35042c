package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/google/uuid"
)

// Source is the queue surface a consumer needs. *Queue implements it;
// tests substitute an in-memory fake.
type Source interface {
	Dequeue(ctx context.Context, queueName string) (Job, bool, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id uuid.UUID, lastErr string) error
}

// MetricsSink records consumer-side queue metrics. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	JobRetried(queueName string)
	JobExhausted(queueName string)
}

// ConsumerConfig holds consumer pool settings.
type ConsumerConfig struct {
	// Queue is the named queue to drain.
	Queue string
	// Workers is the number of concurrent handler goroutines.
	Workers int
	// PollInterval is the idle sleep between empty dequeues.
	PollInterval time.Duration
}

// Consumer drains one named queue with a pool of workers, applying the
// retry policy carried by each job. Handler errors never escape the
// consumer loop.
type Consumer struct {
	config  ConsumerConfig
	source  Source
	handler Handler
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// NewConsumer creates a consumer for the given queue.
func NewConsumer(config ConsumerConfig, source Source, handler Handler) *Consumer {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	return &Consumer{
		config:  config,
		source:  source,
		handler: handler,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the consumer.
func (c *Consumer) WithMetrics(sink MetricsSink) *Consumer {
	c.metrics = sink
	return c
}

// Run blocks until ctx is cancelled, processing jobs with the
// configured worker pool.
func (c *Consumer) Run(ctx context.Context) {
	logx.L().Infow("queue: consumer started",
		"queue", c.config.Queue, "workers", c.config.Workers, "poll", c.config.PollInterval.String())

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx)
		}()
	}
	wg.Wait()

	logx.L().Infow("queue: consumer stopped", "queue", c.config.Queue)
}

func (c *Consumer) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := c.source.Dequeue(ctx, c.config.Queue)
		if err != nil {
			logx.L().Errorw("queue: dequeue error", "queue", c.config.Queue, "error", err)
			c.sleep(ctx)
			continue
		}
		if !ok {
			c.sleep(ctx)
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Consumer) process(ctx context.Context, job Job) {
	res := c.safeHandle(ctx, job)

	switch res.kind {
	case kindSuccess:
		if err := c.source.Complete(ctx, job.ID); err != nil {
			logx.L().Errorw("queue: complete error", "queue", job.Queue, "job_id", job.ID, "error", err)
		}

	case kindFail:
		logx.L().Warnw("queue: job failed terminally",
			"queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "error", res.err)
		if err := c.source.Fail(ctx, job.ID, errString(res.err)); err != nil {
			logx.L().Errorw("queue: fail error", "queue", job.Queue, "job_id", job.ID, "error", err)
		}

	case kindRetry:
		if job.Attempt >= job.MaxAttempts {
			logx.L().Warnw("queue: job attempts exhausted",
				"queue", job.Queue, "job_id", job.ID, "attempts", job.Attempt, "error", res.err)
			if err := c.source.Fail(ctx, job.ID, errString(res.err)); err != nil {
				logx.L().Errorw("queue: fail error", "queue", job.Queue, "job_id", job.ID, "error", err)
			}
			if c.metrics != nil {
				c.metrics.JobExhausted(job.Queue)
			}
			c.handler.Exhausted(ctx, job, res.err)
			return
		}

		delay := BackoffDelay(job.BackoffBase, job.Attempt)
		runAt := c.clock().UTC().Add(delay)
		logx.L().Infow("queue: job retry scheduled",
			"queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt, "delay", delay.String(), "error", res.err)
		if err := c.source.Reschedule(ctx, job.ID, runAt, errString(res.err)); err != nil {
			logx.L().Errorw("queue: reschedule error", "queue", job.Queue, "job_id", job.ID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.JobRetried(job.Queue)
		}
	}
}

// safeHandle converts a handler panic into a retryable failure so a
// bad job can never take the worker process down.
func (c *Consumer) safeHandle(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logx.L().Errorw("queue: handler panic",
				"queue", job.Queue, "job_id", job.ID, "panic", r)
			res = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler.Handle(ctx, job)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
