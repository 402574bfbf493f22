package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"rsirunner/internal/domain"
)

// Store provides access to runs that were created but never picked up, and
// to runs whose executor died mid-pipeline.
type Store interface {
	GetOrphanedRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
	// RequeueStaleRuns resets runs stuck in running since before olderThan
	// back to pending and reports how many rows it touched.
	RequeueStaleRuns(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// MetricsSink records reconciler observations.
type MetricsSink interface {
	OrphanedRunsUpdate(count int)
}

// Config holds reconciler tuning knobs.
type Config struct {
	// Interval between reconcile cycles.
	Interval time.Duration
	// Threshold is how long a run may stay pending before it is
	// considered orphaned.
	Threshold time.Duration
	// StaleThreshold is how long a run may stay running before its
	// executor is presumed dead and the run is requeued. It MUST exceed
	// the longest expected pipeline, or a live run gets requeued and its
	// task executes twice.
	StaleThreshold time.Duration
	// BatchSize caps the number of runs re-emitted per cycle.
	BatchSize int
}

// DefaultConfig returns the standard reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		Threshold:      10 * time.Minute,
		StaleThreshold: 30 * time.Minute,
		BatchSize:      100,
	}
}

// Reconciler re-emits trigger events for runs that were persisted as pending
// but whose events were lost, typically because the process crashed between
// the insert and the emit, or the event bus was full at dispatch time. It
// also rescues runs whose executor died mid-pipeline: a run stuck in running
// past the stale threshold is reset to pending, after which the normal
// orphan sweep picks it up.
//
// Re-emitting is safe: the runner's exclusive claim skips runs that are
// already running or finished, so duplicate events are absorbed.
type Reconciler struct {
	store   Store
	emitter EventEmitter
	config  Config
	metrics MetricsSink
	clock   func() time.Time
}

func New(store Store, emitter EventEmitter, config Config) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		store:   store,
		emitter: emitter,
		config:  config,
		clock:   time.Now,
	}
}

// WithMetrics sets an optional metrics sink.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock overrides the time source. Used in tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run executes reconcile cycles until the context is cancelled. The first
// cycle runs immediately so a restart recovers orphans without waiting a
// full interval.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("reconciler: starting (interval=%s threshold=%s stale=%s batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.StaleThreshold, r.config.BatchSize)

	if err := r.reconcile(ctx); err != nil {
		log.Printf("reconciler: cycle error: %v", err)
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopping")
			return
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				log.Printf("reconciler: cycle error: %v", err)
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	// Requeue first: a freshly requeued run satisfies the orphan cutoff
	// below (it was created before it started running), so the same cycle
	// re-emits it.
	staleCutoff := r.clock().Add(-r.config.StaleThreshold)
	requeued, err := r.store.RequeueStaleRuns(ctx, staleCutoff, r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("requeueing stale runs: %w", err)
	}
	if requeued > 0 {
		log.Printf("reconciler: requeued %d stale running runs", requeued)
	}

	cutoff := r.clock().Add(-r.config.Threshold)

	runs, err := r.store.GetOrphanedRuns(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetching orphaned runs: %w", err)
	}

	if r.metrics != nil {
		r.metrics.OrphanedRunsUpdate(len(runs))
	}

	if len(runs) == 0 {
		return nil
	}

	log.Printf("reconciler: re-emitting %d orphaned runs", len(runs))

	var firstErr error
	for _, run := range runs {
		event := domain.TriggerEvent{
			RunID:          run.ID,
			Workflow:       run.Workflow,
			Trigger:        run.Trigger,
			ScheduledAt:    run.ScheduledAt,
			FiredAt:        r.clock().UTC(),
			IdempotencyKey: reemitIdempotencyKey(run),
			CreatedAt:      run.CreatedAt,
		}
		if err := r.emitter.Emit(ctx, event); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("re-emitting run %s: %w", run.ID, err)
			}
			// Bus likely full or shutting down, retry next cycle.
			break
		}
	}

	return firstErr
}

func reemitIdempotencyKey(run domain.Run) string {
	data := fmt.Sprintf("%s:%s:%d", run.Workflow, run.Trigger, run.ScheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
