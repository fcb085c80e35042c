package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal             prometheus.Counter
	tickErrorsTotal        prometheus.Counter
	campaignsClaimedTotal  prometheus.Counter
	tickDuration           prometheus.Histogram

	// Queue metrics
	jobRetriesTotal     *prometheus.CounterVec
	jobExhaustionsTotal *prometheus.CounterVec

	// Pipeline metrics
	campaignsDispatchedTotal prometheus.Counter
	recipientsQueuedTotal    prometheus.Counter
	campaignsFailedTotal     prometheus.Counter
	emailAttemptsTotal       *prometheus.CounterVec
	emailDuration            prometheus.Histogram
	emailsExhaustedTotal     prometheus.Counter
	campaignsCompletedTotal  prometheus.Counter
	emailsSentTotal          prometheus.Counter
	emailsFailedTotal        prometheus.Counter

	// Reconciler metrics
	campaignsStuckTotal prometheus.Counter
	stuckCampaigns      prometheus.Gauge

	// Leader election metrics
	leaderStatus            prometheus.Gauge
	leaderAcquisitionsTotal prometheus.Counter
	leaderLossesTotal       *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initQueueMetrics(reg)
	s.initPipelineMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.campaignsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_scheduler_campaigns_claimed_total",
		Help: "Total number of due campaigns claimed for dispatch.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyblast_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "easyblast_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easyblast_scheduler_tick_errors_total")
	s.register(reg, s.campaignsClaimedTotal, "easyblast_scheduler_campaigns_claimed_total")
	s.register(reg, s.tickDuration, "easyblast_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.jobRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyblast_queue_job_retries_total",
		Help: "Total number of job retries, per queue.",
	}, []string{"queue"})
	s.jobExhaustionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyblast_queue_job_exhaustions_total",
		Help: "Total number of jobs whose attempt budget ran out, per queue.",
	}, []string{"queue"})

	s.register(reg, s.jobRetriesTotal, "easyblast_queue_job_retries_total")
	s.register(reg, s.jobExhaustionsTotal, "easyblast_queue_job_exhaustions_total")
}

func (s *PrometheusSink) initPipelineMetrics(reg prometheus.Registerer) {
	s.campaignsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_campaigns_dispatched_total",
		Help: "Total number of campaigns expanded into per-recipient deliveries.",
	})
	s.recipientsQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_recipients_queued_total",
		Help: "Total number of recipient deliveries queued.",
	})
	s.campaignsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_campaigns_failed_total",
		Help: "Total number of campaigns that failed before delivery started.",
	})
	s.emailAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyblast_email_attempts_total",
		Help: "Total number of email send attempts by outcome and provider status class.",
	}, []string{"outcome", "status_class"})
	s.emailDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyblast_email_send_duration_seconds",
		Help:    "Mail provider request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.emailsExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_emails_exhausted_total",
		Help: "Total number of deliveries abandoned after the retry budget ran out.",
	})
	s.campaignsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_campaigns_completed_total",
		Help: "Total number of campaigns that reached a terminal sent state.",
	})
	s.emailsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_emails_sent_total",
		Help: "Total number of emails delivered, counted at campaign completion.",
	})
	s.emailsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_emails_failed_total",
		Help: "Total number of emails failed, counted at campaign completion.",
	})

	s.register(reg, s.campaignsDispatchedTotal, "easyblast_campaigns_dispatched_total")
	s.register(reg, s.recipientsQueuedTotal, "easyblast_recipients_queued_total")
	s.register(reg, s.campaignsFailedTotal, "easyblast_campaigns_failed_total")
	s.register(reg, s.emailAttemptsTotal, "easyblast_email_attempts_total")
	s.register(reg, s.emailDuration, "easyblast_email_send_duration_seconds")
	s.register(reg, s.emailsExhaustedTotal, "easyblast_emails_exhausted_total")
	s.register(reg, s.campaignsCompletedTotal, "easyblast_campaigns_completed_total")
	s.register(reg, s.emailsSentTotal, "easyblast_emails_sent_total")
	s.register(reg, s.emailsFailedTotal, "easyblast_emails_failed_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.campaignsStuckTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_campaigns_stuck_total",
		Help: "Total number of stuck-campaign alerts raised.",
	})
	s.stuckCampaigns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyblast_campaigns_stuck",
		Help: "Number of campaigns currently stuck in the sending state.",
	})

	s.register(reg, s.campaignsStuckTotal, "easyblast_campaigns_stuck_total")
	s.register(reg, s.stuckCampaigns, "easyblast_campaigns_stuck")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyblast_leader_status",
		Help: "Whether this instance currently holds the leader lock (1) or not (0).",
	})
	s.leaderAcquisitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyblast_leader_acquisitions_total",
		Help: "Total number of times this instance acquired the leader lock.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyblast_leader_losses_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "easyblast_leader_status")
	s.register(reg, s.leaderAcquisitionsTotal, "easyblast_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "easyblast_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, claimed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.campaignsClaimedTotal.Add(float64(claimed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

// Queue metrics implementation

func (s *PrometheusSink) JobRetried(queue string) {
	s.jobRetriesTotal.WithLabelValues(queue).Inc()
}

func (s *PrometheusSink) JobExhausted(queue string) {
	s.jobExhaustionsTotal.WithLabelValues(queue).Inc()
}

// Pipeline metrics implementation

func (s *PrometheusSink) CampaignDispatched(recipients int) {
	s.campaignsDispatchedTotal.Inc()
	s.recipientsQueuedTotal.Add(float64(recipients))
}

func (s *PrometheusSink) CampaignFailed() {
	s.campaignsFailedTotal.Inc()
}

func (s *PrometheusSink) EmailAttemptCompleted(outcome, statusClass string, duration time.Duration) {
	s.emailAttemptsTotal.WithLabelValues(outcome, statusClass).Inc()
	s.emailDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) EmailExhausted() {
	s.emailsExhaustedTotal.Inc()
}

func (s *PrometheusSink) CampaignCompleted(sent, failed int) {
	s.campaignsCompletedTotal.Inc()
	s.emailsSentTotal.Add(float64(sent))
	s.emailsFailedTotal.Add(float64(failed))
}

// Reconciler metrics implementation

func (s *PrometheusSink) CampaignStuck() {
	s.campaignsStuckTotal.Inc()
}

func (s *PrometheusSink) StuckCampaignsUpdate(count int) {
	s.stuckCampaigns.Set(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitionsTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}
