// Command worker runs the queue consumers only: campaign expansion and
// email delivery. It carries no scheduler, reconciler or HTTP API, so
// extra copies can be added whenever a large send needs more throughput.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-blast/internal/analytics"
	"github.com/djlord-it/easy-blast/internal/circuitbreaker"
	"github.com/djlord-it/easy-blast/internal/completion"
	"github.com/djlord-it/easy-blast/internal/config"
	"github.com/djlord-it/easy-blast/internal/delivery"
	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/queue"
	"github.com/djlord-it/easy-blast/internal/store/postgres"
	"github.com/djlord-it/easy-blast/internal/transport"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logx.Init()
	defer logx.Sync()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db)
	jobQueue := queue.New(db, cfg.DBOpTimeout)
	sink := metrics.NewNoopSink()

	var sender transport.Sender
	if cfg.MailMode == "http" {
		var breaker *circuitbreaker.CircuitBreaker
		if cfg.CircuitBreakerThreshold > 0 {
			breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		}
		sender = transport.NewHTTPSender(transport.HTTPSenderConfig{
			Endpoint: cfg.MailEndpoint,
			APIKey:   cfg.MailAPIKey,
			From:     cfg.MailFrom,
		}, breaker)
	} else {
		sender = transport.NewSimulatedSender(25*time.Millisecond, 0.02)
	}

	aggregator := completion.New(store, sink)
	deliveryWorker := delivery.NewWorker(store, sender, aggregator, sink)
	dispatchWorker := dispatch.NewWorker(store, delivery.NewEnqueuer(jobQueue), sink)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deliveryWorker = deliveryWorker.WithAnalytics(
			analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention))
		logx.L().Infow("worker: analytics enabled", "redis", cfg.RedisAddr)
	}

	dispatchConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:        dispatch.QueueName,
		Workers:      cfg.DispatchWorkers,
		PollInterval: cfg.QueuePollInterval,
	}, jobQueue, dispatchWorker)

	deliveryConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:        delivery.QueueName,
		Workers:      cfg.DeliveryWorkers,
		PollInterval: cfg.QueuePollInterval,
	}, jobQueue, deliveryWorker)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatchConsumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		deliveryConsumer.Run(ctx)
	}()

	logx.L().Infow("worker: started",
		"dispatch_workers", cfg.DispatchWorkers,
		"delivery_workers", cfg.DeliveryWorkers,
		"mail_mode", cfg.MailMode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logx.L().Infow("worker: shutting down", "signal", received.String())

	drained := make(chan struct{})
	go func() {
		cancel()
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logx.L().Infow("worker: drained")
	case <-time.After(cfg.WorkerDrainTimeout):
		logx.L().Warnw("worker: drain timed out", "timeout", cfg.WorkerDrainTimeout.String())
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}

	logx.L().Infow("worker: stopped")
}
