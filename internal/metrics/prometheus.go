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
	ticksTotal         prometheus.Counter
	tickErrorsTotal    prometheus.Counter
	runsTriggeredTotal prometheus.Counter
	tickDuration       prometheus.Histogram
	tickDrift          prometheus.Histogram

	// Runner metrics
	runsInFlight     prometheus.Gauge
	runOutcomesTotal *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec

	// EventBus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	orphanedRuns prometheus.Gauge

	// Leader election metrics
	leaderStatus    prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initRunnerMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsirunner_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsirunner_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.runsTriggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsirunner_scheduler_runs_triggered_total",
		Help: "Total number of runs triggered by the scheduler.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsirunner_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsirunner_scheduler_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, "rsirunner_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "rsirunner_scheduler_tick_errors_total")
	s.register(reg, s.runsTriggeredTotal, "rsirunner_scheduler_runs_triggered_total")
	s.register(reg, s.tickDuration, "rsirunner_scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "rsirunner_scheduler_tick_drift_seconds")
}

func (s *PrometheusSink) initRunnerMetrics(reg prometheus.Registerer) {
	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsirunner_runner_runs_in_flight",
		Help: "Number of runs currently being executed.",
	})
	s.runOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsirunner_runner_run_outcomes_total",
		Help: "Total number of final run outcomes.",
	}, []string{"outcome"})
	s.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rsirunner_runner_step_duration_seconds",
		Help:    "Pipeline step duration in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"step"})
	s.stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsirunner_runner_steps_total",
		Help: "Total number of pipeline steps completed.",
	}, []string{"step", "outcome"})

	s.register(reg, s.runsInFlight, "rsirunner_runner_runs_in_flight")
	s.register(reg, s.runOutcomesTotal, "rsirunner_runner_run_outcomes_total")
	s.register(reg, s.stepDuration, "rsirunner_runner_step_duration_seconds")
	s.register(reg, s.stepsTotal, "rsirunner_runner_steps_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsirunner_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsirunner_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsirunner_eventbus_emit_errors_total",
		Help: "Total number of emit errors (context cancelled while buffer full).",
	})

	s.register(reg, s.bufferSize, "rsirunner_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "rsirunner_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "rsirunner_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsirunner_reconciler_orphaned_runs",
		Help: "Number of orphaned runs found in the last reconcile cycle.",
	})

	s.register(reg, s.orphanedRuns, "rsirunner_reconciler_orphaned_runs")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rsirunner_leader_status",
		Help: "1 when this instance holds the scheduler lease, 0 otherwise.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsirunner_leader_acquired_total",
		Help: "Total number of times this instance acquired the lease.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsirunner_leader_lost_total",
		Help: "Total number of times this instance lost the lease.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "rsirunner_leader_status")
	s.register(reg, s.leaderAcquired, "rsirunner_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "rsirunner_leader_lost_total")
}

// register attempts to register a collector, logging any errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, runsTriggered int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.runsTriggeredTotal.Add(float64(runsTriggered))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

// Runner metrics implementation

func (s *PrometheusSink) RunsInFlightIncr() {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunsInFlightDecr() {
	s.runsInFlight.Dec()
}

func (s *PrometheusSink) RunOutcome(outcome string) {
	s.runOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) StepCompleted(step string, outcome string, duration time.Duration) {
	s.stepsTotal.WithLabelValues(step, outcome).Inc()
	s.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedRunsUpdate(count int) {
	s.orphanedRuns.Set(float64(count))
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
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
