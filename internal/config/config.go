package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the easyblast application.
// Values are loaded from environment variables; durations keep both the
// raw string (for reporting) and the parsed value.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// MailMode: "http" (real provider) or "simulated" (in-process fake).
	MailMode     string `json:"mail_mode"`
	MailEndpoint string `json:"mail_endpoint"`
	MailAPIKey   string `json:"mail_api_key"`
	MailFrom     string `json:"mail_from"`

	SchedulerTick      time.Duration `json:"-"`
	SchedulerTickStr   string        `json:"scheduler_tick"`
	SchedulerBatchSize int           `json:"scheduler_batch_size"`

	DispatchWorkers int `json:"dispatch_workers"`
	DeliveryWorkers int `json:"delivery_workers"`

	QueuePollInterval    time.Duration `json:"-"`
	QueuePollIntervalStr string        `json:"queue_poll_interval"`

	// StaleJobAge: RUNNING jobs older than this are requeued by the
	// housekeeping cron; it must exceed the longest expected handler run.
	StaleJobAge    time.Duration `json:"-"`
	StaleJobAgeStr string        `json:"stale_job_age"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	WorkerDrainTimeout     time.Duration `json:"-"`
	WorkerDrainTimeoutStr  string        `json:"worker_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the delivery queue's maximum retry
	// window (currently 1m33s) by a wide margin, or the reconciler will
	// flag campaigns that are still legitimately retrying.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		MailMode:                   os.Getenv("MAIL_MODE"),
		MailEndpoint:               os.Getenv("MAIL_ENDPOINT"),
		MailAPIKey:                 os.Getenv("MAIL_API_KEY"),
		MailFrom:                   os.Getenv("MAIL_FROM"),
		SchedulerTickStr:           os.Getenv("SCHEDULER_TICK"),
		QueuePollIntervalStr:       os.Getenv("QUEUE_POLL_INTERVAL"),
		StaleJobAgeStr:             os.Getenv("STALE_JOB_AGE"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		WorkerDrainTimeoutStr:      os.Getenv("WORKER_DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:       os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:      os.Getenv("RECONCILE_THRESHOLD"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		AnalyticsRetentionStr:      os.Getenv("ANALYTICS_RETENTION"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	cfg.SchedulerBatchSize = positiveIntEnv("SCHEDULER_BATCH_SIZE", 100)
	cfg.DispatchWorkers = positiveIntEnv("DISPATCH_WORKERS", 2)
	cfg.DeliveryWorkers = positiveIntEnv("DELIVERY_WORKERS", 8)
	cfg.ReconcileBatchSize = positiveIntEnv("RECONCILE_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = positiveIntEnv("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveIntEnv("DB_MAX_IDLE_CONNS", 5)

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 842617", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 842617
	}

	if cfg.MailMode == "" {
		cfg.MailMode = "simulated"
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	defaults := []struct {
		s   *string
		def string
	}{
		{&cfg.SchedulerTickStr, "30s"},
		{&cfg.QueuePollIntervalStr, "500ms"},
		{&cfg.StaleJobAgeStr, "5m"},
		{&cfg.DBOpTimeoutStr, "5s"},
		{&cfg.DBConnMaxLifetimeStr, "30m"},
		{&cfg.DBConnMaxIdleTimeStr, "5m"},
		{&cfg.HTTPShutdownTimeoutStr, "10s"},
		{&cfg.WorkerDrainTimeoutStr, "30s"},
		{&cfg.ReconcileIntervalStr, "5m"},
		{&cfg.ReconcileThresholdStr, "10m"},
		{&cfg.CircuitBreakerCooldownStr, "2m"},
		{&cfg.AnalyticsRetentionStr, "24h"},
		{&cfg.LeaderRetryIntervalStr, "5s"},
		{&cfg.LeaderHeartbeatIntervalStr, "2s"},
	}
	for _, d := range defaults {
		if *d.s == "" {
			*d.s = d.def
		}
	}

	// Parse durations; validation is handled separately by Validate().
	durations := []struct {
		s string
		d *time.Duration
	}{
		{cfg.SchedulerTickStr, &cfg.SchedulerTick},
		{cfg.QueuePollIntervalStr, &cfg.QueuePollInterval},
		{cfg.StaleJobAgeStr, &cfg.StaleJobAge},
		{cfg.DBOpTimeoutStr, &cfg.DBOpTimeout},
		{cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime},
		{cfg.DBConnMaxIdleTimeStr, &cfg.DBConnMaxIdleTime},
		{cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout},
		{cfg.WorkerDrainTimeoutStr, &cfg.WorkerDrainTimeout},
		{cfg.ReconcileIntervalStr, &cfg.ReconcileInterval},
		{cfg.ReconcileThresholdStr, &cfg.ReconcileThreshold},
		{cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown},
		{cfg.AnalyticsRetentionStr, &cfg.AnalyticsRetention},
		{cfg.LeaderRetryIntervalStr, &cfg.LeaderRetryInterval},
		{cfg.LeaderHeartbeatIntervalStr, &cfg.LeaderHeartbeatInterval},
	}
	for _, p := range durations {
		if d, err := time.ParseDuration(p.s); err == nil {
			*p.d = d
		}
	}

	return cfg
}

// positiveIntEnv reads a positive integer from the environment,
// falling back to def when unset or invalid.
func positiveIntEnv(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		HTTPAddr                string `json:"http_addr"`
		MailMode                string `json:"mail_mode"`
		MailEndpoint            string `json:"mail_endpoint"`
		MailAPIKey              string `json:"mail_api_key"`
		MailFrom                string `json:"mail_from"`
		SchedulerTick           string `json:"scheduler_tick"`
		SchedulerBatchSize      int    `json:"scheduler_batch_size"`
		DispatchWorkers         int    `json:"dispatch_workers"`
		DeliveryWorkers         int    `json:"delivery_workers"`
		QueuePollInterval       string `json:"queue_poll_interval"`
		StaleJobAge             string `json:"stale_job_age"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		WorkerDrainTimeout      string `json:"worker_drain_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileInterval       string `json:"reconcile_interval"`
		ReconcileThreshold      string `json:"reconcile_threshold"`
		ReconcileBatchSize      int    `json:"reconcile_batch_size"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		AnalyticsRetention      string `json:"analytics_retention"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		MailMode:                c.MailMode,
		MailEndpoint:            c.MailEndpoint,
		MailAPIKey:              maskSecret(c.MailAPIKey),
		MailFrom:                c.MailFrom,
		SchedulerTick:           c.SchedulerTickStr,
		SchedulerBatchSize:      c.SchedulerBatchSize,
		DispatchWorkers:         c.DispatchWorkers,
		DeliveryWorkers:         c.DeliveryWorkers,
		QueuePollInterval:       c.QueuePollIntervalStr,
		StaleJobAge:             c.StaleJobAgeStr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		WorkerDrainTimeout:      c.WorkerDrainTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileIntervalStr,
		ReconcileThreshold:      c.ReconcileThresholdStr,
		ReconcileBatchSize:      c.ReconcileBatchSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		AnalyticsRetention:      c.AnalyticsRetentionStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
