package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                    {}
func (n *NoopSink) TickCompleted(duration time.Duration, claimed int, err error)    {}
func (n *NoopSink) JobRetried(queue string)                                         {}
func (n *NoopSink) JobExhausted(queue string)                                       {}
func (n *NoopSink) CampaignDispatched(recipients int)                               {}
func (n *NoopSink) CampaignFailed()                                                 {}
func (n *NoopSink) EmailAttemptCompleted(outcome, class string, d time.Duration)   {}
func (n *NoopSink) EmailExhausted()                                                 {}
func (n *NoopSink) CampaignCompleted(sent, failed int)                              {}
func (n *NoopSink) CampaignStuck()                                                  {}
func (n *NoopSink) StuckCampaignsUpdate(count int)                                  {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                               {}
func (n *NoopSink) LeaderAcquired()                                                 {}
func (n *NoopSink) LeaderLost(reason string)                                        {}
