package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rsirunner/internal/domain"
)

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (succeeded/failed). It makes replayed trigger
// events safe to ignore.
var ErrStatusTransitionDenied = errors.New("status transition denied: run already in terminal state")

// ErrRunNotClaimable is returned by ClaimRun when the run is not pending:
// another instance already claimed it, or it already finished. Either way
// the event must be dropped, not executed.
var ErrRunNotClaimable = errors.New("run not claimable: already claimed or finished")

type Store interface {
	// ClaimRun moves a run from pending to running. Implementations MUST
	// make the claim exclusive (only a pending run can be claimed) and
	// return ErrRunNotClaimable otherwise, so a run executes at most once
	// even when several instances receive its trigger event.
	ClaimRun(ctx context.Context, runID uuid.UUID) error
	FinishRun(ctx context.Context, runID uuid.UUID, status domain.RunStatus, exitCode int, finishedAt time.Time) error
	InsertStepResult(ctx context.Context, result domain.StepResult) error
}

// Source resolves workflow definitions by name at execution time.
type Source interface {
	Lookup(name string) (domain.Workflow, bool)
}

// Executor runs the provisioning pipeline for one run.
type Executor interface {
	Execute(ctx context.Context, wf domain.Workflow, runID uuid.UUID) ([]domain.StepResult, int, error)
}

// AnalyticsSink records run outcomes as a best-effort side effect.
type AnalyticsSink interface {
	Record(ctx context.Context, workflow string, status domain.RunStatus, at time.Time, config domain.AnalyticsConfig)
}

// OutcomeRecorder feeds the failure breaker.
type OutcomeRecorder interface {
	RecordSuccess(workflow string)
	RecordFailure(workflow string)
}

// MetricsSink records runner metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	RunsInFlightIncr()
	RunsInFlightDecr()
	RunOutcome(outcome string)
	StepCompleted(step string, outcome string, duration time.Duration)
}

// DefaultDrainTimeout bounds how long buffered events are processed during
// shutdown.
const DefaultDrainTimeout = 30 * time.Second

type Runner struct {
	store     Store
	source    Source
	executor  Executor
	analytics AnalyticsSink   // optional, nil = disabled
	outcomes  OutcomeRecorder // optional, nil = disabled
	metrics   MetricsSink     // optional, nil = disabled

	drainTimeout time.Duration
	clock        func() time.Time
}

func New(store Store, source Source, executor Executor) *Runner {
	return &Runner{
		store:        store,
		source:       source,
		executor:     executor,
		drainTimeout: DefaultDrainTimeout,
		clock:        time.Now,
	}
}

func (r *Runner) WithAnalytics(sink AnalyticsSink) *Runner {
	r.analytics = sink
	return r
}

func (r *Runner) WithOutcomeRecorder(rec OutcomeRecorder) *Runner {
	r.outcomes = rec
	return r
}

// WithMetrics attaches a metrics sink to the runner.
func (r *Runner) WithMetrics(sink MetricsSink) *Runner {
	r.metrics = sink
	return r
}

// WithDrainTimeout overrides the shutdown drain timeout.
func (r *Runner) WithDrainTimeout(d time.Duration) *Runner {
	r.drainTimeout = d
	return r
}

// Run processes trigger events from the channel until the context is
// cancelled, then drains remaining buffered events with a timeout. Events
// are processed one at a time: runs never overlap within a single runner.
func (r *Runner) Run(ctx context.Context, ch <-chan domain.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			return
		case event := <-ch:
			if err := r.Process(ctx, event); err != nil {
				log.Printf("runner: error: %v", err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown.
// Uses a background context since the main context is already cancelled.
func (r *Runner) drain(ch <-chan domain.TriggerEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("runner: drain timeout, processed %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("runner: drain complete, processed %d events", count)
				return
			}
			if err := r.Process(drainCtx, event); err != nil {
				log.Printf("runner: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("runner: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Process claims the run and executes it end to end: run the pipeline,
// record step results, and finish with the task's exit status. A run that
// cannot be claimed (replayed event, or claimed by another instance) is
// skipped without touching the pipeline.
func (r *Runner) Process(ctx context.Context, event domain.TriggerEvent) error {
	if err := r.store.ClaimRun(ctx, event.RunID); err != nil {
		if errors.Is(err, ErrRunNotClaimable) {
			log.Printf("runner: run=%s already claimed or finished, skipping", event.RunID)
			return nil
		}
		return fmt.Errorf("claim run: %w", err)
	}
	return r.execute(ctx, event)
}

// ProcessClaimed executes a run the caller already claimed (the standalone
// worker's dequeue moves the row to running atomically, so a second claim
// here would wrongly skip it).
func (r *Runner) ProcessClaimed(ctx context.Context, event domain.TriggerEvent) error {
	return r.execute(ctx, event)
}

func (r *Runner) execute(ctx context.Context, event domain.TriggerEvent) error {
	if r.metrics != nil {
		r.metrics.RunsInFlightIncr()
		defer r.metrics.RunsInFlightDecr()
	}

	wf, ok := r.source.Lookup(event.Workflow)
	if !ok {
		// The definition was removed between trigger and execution.
		log.Printf("runner: workflow=%s no longer defined, failing run=%s", event.Workflow, event.RunID)
		return r.finish(ctx, event, domain.Workflow{}, domain.RunStatusFailed, domain.ExitCodeNone)
	}

	log.Printf("runner: started workflow=%s run=%s trigger=%s", event.Workflow, event.RunID, event.Trigger)

	steps, exitCode, execErr := r.executor.Execute(ctx, wf, event.RunID)

	for _, step := range steps {
		if r.metrics != nil {
			r.metrics.StepCompleted(string(step.Name), string(step.Outcome), step.FinishedAt.Sub(step.StartedAt))
		}
		if err := r.store.InsertStepResult(ctx, step); err != nil {
			log.Printf("runner: failed to record step %s for run=%s: %v", step.Name, event.RunID, err)
		}
	}

	status := domain.RunStatusSucceeded
	if execErr != nil {
		status = domain.RunStatusFailed
		log.Printf("runner: workflow=%s run=%s failed: %v", event.Workflow, event.RunID, execErr)
	} else {
		log.Printf("runner: workflow=%s run=%s succeeded", event.Workflow, event.RunID)
	}

	return r.finish(ctx, event, wf, status, exitCode)
}

func (r *Runner) finish(ctx context.Context, event domain.TriggerEvent, wf domain.Workflow, status domain.RunStatus, exitCode int) error {
	now := r.clock().UTC()

	if err := r.store.FinishRun(ctx, event.RunID, status, exitCode, now); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("runner: run=%s already terminal, skipping status update", event.RunID)
			return nil
		}
		return fmt.Errorf("finish run: %w", err)
	}

	if r.outcomes != nil && wf.Name != "" {
		if status == domain.RunStatusSucceeded {
			r.outcomes.RecordSuccess(wf.Name)
		} else {
			r.outcomes.RecordFailure(wf.Name)
		}
	}

	if r.metrics != nil {
		r.metrics.RunOutcome(string(status))
	}

	if r.analytics != nil && wf.Analytics.Enabled {
		r.analytics.Record(ctx, event.Workflow, status, now, wf.Analytics)
	}

	return nil
}
