package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, runsTriggered int, err error)
	TickDrift(drift time.Duration)

	// Runner metrics
	RunsInFlightIncr()
	RunsInFlightDecr()
	RunOutcome(outcome string)
	StepCompleted(step string, outcome string, duration time.Duration)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Reconciler metrics
	OrphanedRunsUpdate(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for the RunOutcome metric.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)
