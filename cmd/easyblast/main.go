package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/djlord-it/easy-blast/internal/analytics"
	"github.com/djlord-it/easy-blast/internal/api"
	"github.com/djlord-it/easy-blast/internal/campaigns"
	"github.com/djlord-it/easy-blast/internal/circuitbreaker"
	"github.com/djlord-it/easy-blast/internal/completion"
	"github.com/djlord-it/easy-blast/internal/config"
	"github.com/djlord-it/easy-blast/internal/delivery"
	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/leaderelection"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/metrics"
	"github.com/djlord-it/easy-blast/internal/queue"
	"github.com/djlord-it/easy-blast/internal/reconciler"
	"github.com/djlord-it/easy-blast/internal/scheduler"
	"github.com/djlord-it/easy-blast/internal/store/postgres"
	"github.com/djlord-it/easy-blast/internal/transport"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easyblast - bulk email campaign dispatcher

Usage:
  easyblast <command>

Commands:
  serve      Start the API, scheduler and delivery workers
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for send-rate analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  MAIL_MODE                 "http" or "simulated" (default: "simulated")
  MAIL_ENDPOINT             Provider send URL (required for http mode)
  MAIL_API_KEY              Provider API key (required for http mode)
  MAIL_FROM                 Sender address (required for http mode)

  SCHEDULER_TICK            Due-campaign scan interval (default: "30s")
  SCHEDULER_BATCH_SIZE      Max campaigns claimed per tick (default: "100")
  DISPATCH_WORKERS          Campaign expansion workers (default: "2")
  DELIVERY_WORKERS          Email send workers (default: "8")
  QUEUE_POLL_INTERVAL       Idle poll interval for workers (default: "500ms")
  STALE_JOB_AGE             Age before a RUNNING job is requeued (default: "5m")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  WORKER_DRAIN_TIMEOUT      Worker drain timeout at shutdown (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED         Enable stuck-campaign reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for stuck campaigns (default: "5m")
  RECONCILE_THRESHOLD       Age before a SENDING campaign is stuck (default: "10m")
  RECONCILE_BATCH_SIZE      Max stuck campaigns per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Provider failures before shedding (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Breaker open duration (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")

  LOG_LEVEL                 debug|info|warn|error (default: "info")
  LOG_FORMAT                json|console (default: "json")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logx.Init()
	defer logx.Sync()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	logx.L().Infow("easyblast: db pool configured",
		"max_open", cfg.DBMaxOpenConns, "max_idle", cfg.DBMaxIdleConns,
		"max_lifetime", cfg.DBConnMaxLifetime.String())

	store := postgres.New(db)
	jobQueue := queue.New(db, cfg.DBOpTimeout)

	// Metrics sink (optional).
	var sink metrics.Sink
	var promSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		promSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		sink = promSink
		logx.L().Infow("easyblast: metrics enabled", "path", cfg.MetricsPath)
	} else {
		sink = metrics.NewNoopSink()
		logx.L().Infow("easyblast: METRICS_ENABLED not set; metrics disabled")
	}

	sender := buildSender(cfg)

	// Enqueuers and workers for the two pipeline stages.
	dispatchEnqueuer := dispatch.NewEnqueuer(jobQueue)
	emailEnqueuer := delivery.NewEnqueuer(jobQueue)

	aggregator := completion.New(store, sink)
	deliveryWorker := delivery.NewWorker(store, sender, aggregator, sink)
	dispatchWorker := dispatch.NewWorker(store, emailEnqueuer, sink)

	// Redis-backed send-rate analytics (optional).
	var rates *analytics.RedisSink
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rates = analytics.NewRedisSink(redisClient, cfg.AnalyticsRetention)
		deliveryWorker = deliveryWorker.WithAnalytics(rates)
		logx.L().Infow("easyblast: analytics enabled", "redis", cfg.RedisAddr)
	} else {
		logx.L().Infow("easyblast: REDIS_ADDR not set; analytics disabled")
	}

	service := campaigns.New(store, dispatchEnqueuer)

	dispatchConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:        dispatch.QueueName,
		Workers:      cfg.DispatchWorkers,
		PollInterval: cfg.QueuePollInterval,
	}, jobQueue, dispatchWorker).WithMetrics(sink)

	deliveryConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:        delivery.QueueName,
		Workers:      cfg.DeliveryWorkers,
		PollInterval: cfg.QueuePollInterval,
	}, jobQueue, deliveryWorker).WithMetrics(sink)

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.SchedulerTick,
		BatchSize:    cfg.SchedulerBatchSize,
	}, store, dispatchEnqueuer, sink)

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store, aggregator, sink).WithJobChecker(jobQueue)
		logx.L().Infow("easyblast: reconciler enabled",
			"interval", cfg.ReconcileInterval.String(),
			"threshold", cfg.ReconcileThreshold.String(),
			"batch", cfg.ReconcileBatchSize)
	} else {
		logx.L().Infow("easyblast: RECONCILE_ENABLED not set; reconciler disabled")
	}

	// HTTP surface: campaign API plus optional metrics endpoint.
	userID := uuid.MustParse("00000000-0000-0000-0000-000000000001") // single-tenant for now
	apiHandler := api.NewHandler(service, userID).
		WithHealthChecker(db).
		WithQueueCounter(jobQueue)
	if rates != nil {
		apiHandler = apiHandler.WithRateReader(rates)
	}

	mux := http.NewServeMux()
	if promSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		logx.L().Infow("easyblast: http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Errorw("easyblast: http server error", "error", err)
		}
	}()

	// Consumers run for the whole process lifetime.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workerWg sync.WaitGroup

	workerWg.Add(2)
	go func() {
		defer workerWg.Done()
		dispatchConsumer.Run(workerCtx)
	}()
	go func() {
		defer workerWg.Done()
		deliveryConsumer.Run(workerCtx)
	}()

	// Scheduler and reconciler run only on the elected leader so that
	// several instances can share one database.
	var dutiesWg sync.WaitGroup
	onElected := func(ctx context.Context) {
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			_ = sched.Run(ctx)
		}()
		if recon != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				recon.Run(ctx)
			}()
		}
	}
	onDemoted := func() { dutiesWg.Wait() }

	elector := leaderelection.New(db, cfg.LeaderLockKey,
		cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
		onElected, onDemoted)
	if promSink != nil {
		elector = elector.WithMetrics(promSink)
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	var leaderWg sync.WaitGroup
	leaderWg.Add(1)
	go func() {
		defer leaderWg.Done()
		elector.Run(leaderCtx)
	}()

	housekeeper := startHousekeeping(cfg, jobQueue)

	logx.L().Infow("easyblast: started",
		"tick", cfg.SchedulerTick.String(),
		"http", cfg.HTTPAddr,
		"dispatch_workers", cfg.DispatchWorkers,
		"delivery_workers", cfg.DeliveryWorkers,
		"mail_mode", cfg.MailMode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logx.L().Infow("easyblast: shutting down", "signal", received.String())

	// Phase 1: drop leadership; scheduler and reconciler stop producing work.
	cancelLeader()
	leaderWg.Wait()
	logx.L().Infow("easyblast: leader duties stopped")

	// Phase 2: stop housekeeping.
	<-housekeeper.Stop().Done()

	// Phase 3: drain workers. In-flight jobs finish; anything still
	// queued survives in Postgres for the next start.
	drained := make(chan struct{})
	go func() {
		cancelWorkers()
		workerWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logx.L().Infow("easyblast: workers drained")
	case <-time.After(cfg.WorkerDrainTimeout):
		logx.L().Warnw("easyblast: worker drain timed out", "timeout", cfg.WorkerDrainTimeout.String())
	}

	// Phase 4: stop the HTTP server.
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logx.L().Errorw("easyblast: http server shutdown error", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logx.L().Warnw("easyblast: redis close error", "error", err)
		}
	}

	logx.L().Infow("easyblast: stopped")
	return exitSuccess
}

// buildSender picks the mail transport from config. The simulated
// sender keeps local development and staging off the real provider.
func buildSender(cfg config.Config) transport.Sender {
	if cfg.MailMode == "http" {
		var breaker *circuitbreaker.CircuitBreaker
		if cfg.CircuitBreakerThreshold > 0 {
			breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		}
		logx.L().Infow("easyblast: using http mail transport",
			"endpoint", cfg.MailEndpoint, "breaker_threshold", cfg.CircuitBreakerThreshold)
		return transport.NewHTTPSender(transport.HTTPSenderConfig{
			Endpoint: cfg.MailEndpoint,
			APIKey:   cfg.MailAPIKey,
			From:     cfg.MailFrom,
		}, breaker)
	}

	logx.L().Infow("easyblast: using simulated mail transport")
	return transport.NewSimulatedSender(25*time.Millisecond, 0.02)
}

// jobMaintainer is the queue maintenance surface the housekeeping
// sweeps need.
type jobMaintainer interface {
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	Purge(ctx context.Context, queueName, status string, olderThan time.Time, keep int) (int64, error)
}

// startHousekeeping schedules periodic queue maintenance: stale RUNNING
// jobs are requeued and settled jobs are trimmed so the jobs table
// stays small.
func startHousekeeping(cfg config.Config, jobQueue jobMaintainer) *cron.Cron {
	c := cron.New()

	_, err := c.AddFunc("@every 1m", func() {
		requeueStaleJobs(cfg, jobQueue)
	})
	if err != nil {
		logx.L().Errorw("housekeeping: failed to schedule stale-job sweep", "error", err)
	}

	_, err = c.AddFunc("@every 10m", func() {
		purgeSettledJobs(cfg, jobQueue)
	})
	if err != nil {
		logx.L().Errorw("housekeeping: failed to schedule purge", "error", err)
	}

	c.Start()
	return c
}

func requeueStaleJobs(cfg config.Config, jobQueue jobMaintainer) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-cfg.StaleJobAge)
	n, err := jobQueue.RequeueStale(ctx, cutoff)
	if err != nil {
		logx.L().Errorw("housekeeping: requeue stale failed", "error", err)
		return
	}
	if n > 0 {
		logx.L().Warnw("housekeeping: requeued stale jobs", "count", n)
	}
}

func purgeSettledJobs(cfg config.Config, jobQueue jobMaintainer) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	defer cancel()

	now := time.Now().UTC()
	for _, q := range []string{dispatch.QueueName, delivery.QueueName} {
		if n, err := jobQueue.Purge(ctx, q, queue.StatusCompleted, now.Add(-time.Hour), 100); err != nil {
			logx.L().Errorw("housekeeping: purge completed failed", "queue", q, "error", err)
		} else if n > 0 {
			logx.L().Infow("housekeeping: purged completed jobs", "queue", q, "count", n)
		}
		if n, err := jobQueue.Purge(ctx, q, queue.StatusFailed, now.Add(-24*time.Hour), 500); err != nil {
			logx.L().Errorw("housekeeping: purge failed-jobs failed", "queue", q, "error", err)
		} else if n > 0 {
			logx.L().Infow("housekeeping: purged failed jobs", "queue", q, "count", n)
		}
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easyblast version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
