package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                       {}
func (n *NoopSink) TickCompleted(duration time.Duration, runsTriggered int, err error) {}
func (n *NoopSink) TickDrift(drift time.Duration)                                      {}
func (n *NoopSink) RunsInFlightIncr()                                                  {}
func (n *NoopSink) RunsInFlightDecr()                                                  {}
func (n *NoopSink) RunOutcome(outcome string)                                          {}
func (n *NoopSink) StepCompleted(step string, outcome string, duration time.Duration)  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                          {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                     {}
func (n *NoopSink) EmitError()                                                         {}
func (n *NoopSink) OrphanedRunsUpdate(count int)                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                  {}
func (n *NoopSink) LeaderAcquired()                                                    {}
func (n *NoopSink) LeaderLost(reason string)                                           {}
