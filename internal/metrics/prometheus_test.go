package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickStarted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()

	val := getCounterValue(t, reg, "easyblast_scheduler_ticks_total")
	if val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
}

func TestPrometheusSink_TickCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	// No error
	sink.TickCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "easyblast_scheduler_tick_errors_total")
	if errCount != 0 {
		t.Errorf("tick_errors_total = %v after success, want 0", errCount)
	}
	claimed := getCounterValue(t, reg, "easyblast_scheduler_campaigns_claimed_total")
	if claimed != 5 {
		t.Errorf("campaigns_claimed_total = %v, want 5", claimed)
	}

	// With error
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))
	errCount = getCounterValue(t, reg, "easyblast_scheduler_tick_errors_total")
	if errCount != 1 {
		t.Errorf("tick_errors_total = %v after error, want 1", errCount)
	}
}

func TestPrometheusSink_QueueMetricLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobRetried("email-delivery")
	sink.JobRetried("email-delivery")
	sink.JobRetried("campaign-dispatch")
	sink.JobExhausted("email-delivery")

	retries := getCounterVecValue(t, reg, "easyblast_queue_job_retries_total",
		map[string]string{"queue": "email-delivery"})
	if retries != 2 {
		t.Errorf("retries{queue=email-delivery} = %v, want 2", retries)
	}

	dispatchRetries := getCounterVecValue(t, reg, "easyblast_queue_job_retries_total",
		map[string]string{"queue": "campaign-dispatch"})
	if dispatchRetries != 1 {
		t.Errorf("retries{queue=campaign-dispatch} = %v, want 1", dispatchRetries)
	}

	exhausted := getCounterVecValue(t, reg, "easyblast_queue_job_exhaustions_total",
		map[string]string{"queue": "email-delivery"})
	if exhausted != 1 {
		t.Errorf("exhaustions{queue=email-delivery} = %v, want 1", exhausted)
	}
}

func TestPrometheusSink_CampaignDispatched(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CampaignDispatched(3)
	sink.CampaignDispatched(7)

	dispatched := getCounterValue(t, reg, "easyblast_campaigns_dispatched_total")
	if dispatched != 2 {
		t.Errorf("campaigns_dispatched_total = %v, want 2", dispatched)
	}
	recipients := getCounterValue(t, reg, "easyblast_recipients_queued_total")
	if recipients != 10 {
		t.Errorf("recipients_queued_total = %v, want 10", recipients)
	}
}

func TestPrometheusSink_EmailAttemptOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EmailAttemptCompleted(OutcomeSuccess, StatusClass2xx, 100*time.Millisecond)
	sink.EmailAttemptCompleted(OutcomeSuccess, StatusClass2xx, 150*time.Millisecond)
	sink.EmailAttemptCompleted(OutcomeRetryable, StatusClass5xx, 5*time.Second)

	successVal := getCounterVecValue(t, reg, "easyblast_email_attempts_total",
		map[string]string{"outcome": "success", "status_class": "2xx"})
	if successVal != 2 {
		t.Errorf("attempts{outcome=success,status_class=2xx} = %v, want 2", successVal)
	}

	retryVal := getCounterVecValue(t, reg, "easyblast_email_attempts_total",
		map[string]string{"outcome": "retryable", "status_class": "5xx"})
	if retryVal != 1 {
		t.Errorf("attempts{outcome=retryable,status_class=5xx} = %v, want 1", retryVal)
	}
}

func TestPrometheusSink_CampaignCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CampaignCompleted(8, 2)

	completed := getCounterValue(t, reg, "easyblast_campaigns_completed_total")
	if completed != 1 {
		t.Errorf("campaigns_completed_total = %v, want 1", completed)
	}
	sent := getCounterValue(t, reg, "easyblast_emails_sent_total")
	if sent != 8 {
		t.Errorf("emails_sent_total = %v, want 8", sent)
	}
	failed := getCounterValue(t, reg, "easyblast_emails_failed_total")
	if failed != 2 {
		t.Errorf("emails_failed_total = %v, want 2", failed)
	}
}

func TestPrometheusSink_StuckCampaigns(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CampaignStuck()
	sink.CampaignStuck()
	sink.StuckCampaignsUpdate(2)

	total := getCounterValue(t, reg, "easyblast_campaigns_stuck_total")
	if total != 2 {
		t.Errorf("campaigns_stuck_total = %v, want 2", total)
	}
	gauge := getGaugeValue(t, reg, "easyblast_campaigns_stuck")
	if gauge != 2 {
		t.Errorf("campaigns_stuck = %v, want 2", gauge)
	}
}

func TestPrometheusSink_LeaderElection(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if got := getGaugeValue(t, reg, "easyblast_leader_status"); got != 1 {
		t.Errorf("leader_status = %v, want 1", got)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if got := getGaugeValue(t, reg, "easyblast_leader_status"); got != 0 {
		t.Errorf("leader_status = %v, want 0", got)
	}
	if got := getCounterValue(t, reg, "easyblast_leader_acquisitions_total"); got != 1 {
		t.Errorf("leader_acquisitions_total = %v, want 1", got)
	}
	losses := getCounterVecValue(t, reg, "easyblast_leader_losses_total",
		map[string]string{"reason": "conn_lost"})
	if losses != 1 {
		t.Errorf("losses{reason=conn_lost} = %v, want 1", losses)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration will fail for all metrics, but should not panic.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
