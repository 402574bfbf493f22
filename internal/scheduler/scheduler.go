package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rsirunner/internal/domain"
)

// ErrDuplicateRun is returned by stores when a run already exists for the
// same (workflow, scheduled_at). The scheduler treats it as "already
// emitted" and moves on.
var ErrDuplicateRun = errors.New("run already exists")

type Store interface {
	InsertRun(ctx context.Context, run domain.Run) error
}

// Source provides the current workflow definitions.
type Source interface {
	Workflows() []domain.Workflow
}

type CronParser interface {
	Parse(expression string, timezone string) (CronSchedule, error)
}

type CronSchedule interface {
	Next(after time.Time) time.Time
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// TriggerGate can veto scheduled triggers for a workflow (e.g. while its
// failure breaker is open). Manual dispatch bypasses the gate.
type TriggerGate interface {
	Allow(workflow string) error
}

// MetricsSink records scheduler metrics. Methods must be non-blocking.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, runsTriggered int, err error)
	TickDrift(drift time.Duration)
}

type Config struct {
	TickInterval time.Duration
}

type Scheduler struct {
	config   Config
	store    Store
	source   Source
	parser   CronParser
	emitter  EventEmitter
	gate     TriggerGate // optional, nil = no gating
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	lastTick time.Time
}

func New(config Config, store Store, source Source, parser CronParser, emitter EventEmitter) *Scheduler {
	return &Scheduler{
		config:  config,
		store:   store,
		source:  source,
		parser:  parser,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithGate attaches a trigger gate to the scheduler.
func (s *Scheduler) WithGate(gate TriggerGate) *Scheduler {
	s.gate = gate
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, tick=%s", s.config.TickInterval)
	s.lastTick = s.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.processTick(ctx); err != nil {
				log.Printf("scheduler: tick error: %v", err)
			}
		}
	}
}

func (s *Scheduler) processTick(ctx context.Context) error {
	start := s.clock().UTC()
	if s.metrics != nil {
		s.metrics.TickStarted()
		s.metrics.TickDrift(start.Sub(s.lastTick) - s.config.TickInterval)
	}

	triggered := 0
	var firstErr error
	for _, wf := range s.source.Workflows() {
		if !wf.Enabled {
			continue
		}
		n, err := s.processWorkflow(ctx, wf, s.lastTick, start)
		triggered += n
		if err != nil {
			log.Printf("scheduler: workflow %s error: %v", wf.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.lastTick = start
	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().UTC().Sub(start), triggered, firstErr)
	}
	return firstErr
}

// processWorkflow emits a run for every due time in (lastTick, now].
// Returns the number of runs triggered.
func (s *Scheduler) processWorkflow(ctx context.Context, wf domain.Workflow, lastTick, now time.Time) (int, error) {
	tz := wf.Schedule.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, fmt.Errorf("load tz %s: %w", tz, err)
	}

	cronSched, err := s.parser.Parse(wf.Schedule.CronExpression, tz)
	if err != nil {
		return 0, fmt.Errorf("parse cron: %w", err)
	}

	// Bound the catch-up loop so a long outage cannot flood the bus.
	const maxIterations = 1000

	triggered := 0
	nowInTZ := now.In(loc)
	t := cronSched.Next(lastTick.In(loc))

	for i := 0; i < maxIterations && !t.After(nowInTZ); i++ {
		scheduledAt := t.UTC().Truncate(time.Minute)

		if s.gate != nil {
			if gateErr := s.gate.Allow(wf.Name); gateErr != nil {
				log.Printf("scheduler: workflow %s held at %s: %v", wf.Name, scheduledAt.Format(time.RFC3339), gateErr)
				t = cronSched.Next(t)
				continue
			}
		}

		if err := s.emitRun(ctx, wf, scheduledAt, now); err != nil {
			log.Printf("scheduler: workflow %s at %s error: %v", wf.Name, scheduledAt.Format(time.RFC3339), err)
		} else {
			triggered++
		}

		t = cronSched.Next(t)
	}

	return triggered, nil
}

func (s *Scheduler) emitRun(ctx context.Context, wf domain.Workflow, scheduledAt, now time.Time) error {
	runID := uuid.New()

	run := domain.Run{
		ID:          runID,
		Workflow:    wf.Name,
		Trigger:     domain.TriggerKindSchedule,
		ScheduledAt: scheduledAt,
		FiredAt:     now,
		Status:      domain.RunStatusPending,
		ExitCode:    domain.ExitCodeNone,
		CreatedAt:   now,
	}

	if err := s.store.InsertRun(ctx, run); err != nil {
		if errors.Is(err, ErrDuplicateRun) {
			return nil // already emitted
		}
		return fmt.Errorf("insert run: %w", err)
	}

	event := domain.TriggerEvent{
		RunID:          runID,
		Workflow:       wf.Name,
		Trigger:        domain.TriggerKindSchedule,
		ScheduledAt:    scheduledAt,
		FiredAt:        now,
		IdempotencyKey: generateIdempotencyKey(wf.Name, scheduledAt),
		CreatedAt:      now,
	}

	if err := s.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	log.Printf("scheduler: emitted workflow=%s scheduled_at=%s", wf.Name, scheduledAt.Format(time.RFC3339))
	return nil
}

func generateIdempotencyKey(workflow string, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", workflow, scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
