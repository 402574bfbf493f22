package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rsirunner/internal/domain"
)

// mockStore tracks runs and enforces idempotency.
type mockStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run // key: workflow + scheduled_at
}

func newMockStore() *mockStore {
	return &mockStore{runs: make(map[string]domain.Run)}
}

func (s *mockStore) InsertRun(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := run.Workflow + "|" + string(run.Trigger) + "|" + run.ScheduledAt.Format(time.RFC3339)
	if _, exists := s.runs[key]; exists {
		return ErrDuplicateRun
	}
	s.runs[key] = run
	return nil
}

func (s *mockStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// mockSource serves a fixed workflow list.
type mockSource struct {
	mu        sync.Mutex
	workflows []domain.Workflow
}

func (s *mockSource) Workflows() []domain.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflows
}

func (s *mockSource) add(wf domain.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows = append(s.workflows, wf)
}

// mockEmitter tracks emitted events.
type mockEmitter struct {
	mu     sync.Mutex
	events []domain.TriggerEvent
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.TriggerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitter) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// mockCronParser returns a schedule that fires at fixed times.
type mockCronParser struct {
	fireTimes []time.Time
}

func (p *mockCronParser) Parse(expression string, timezone string) (CronSchedule, error) {
	return &mockCronSchedule{fireTimes: p.fireTimes}, nil
}

type mockCronSchedule struct {
	fireTimes []time.Time
}

func (s *mockCronSchedule) Next(after time.Time) time.Time {
	for _, t := range s.fireTimes {
		if t.After(after) {
			return t
		}
	}
	// Return far future if no more fire times
	return after.Add(24 * time.Hour)
}

// denyGate rejects every workflow.
type denyGate struct{}

func (denyGate) Allow(workflow string) error { return errors.New("held") }

func testWorkflow(name string) domain.Workflow {
	return domain.Workflow{
		Name:    name,
		Enabled: true,
		Schedule: domain.Schedule{
			CronExpression: "30 10 * * 1-5",
			Timezone:       "UTC",
		},
	}
}

// TestScheduler_Idempotency_SameWorkflowSameTime verifies that the scheduler
// cannot create duplicate runs for the same (workflow, scheduled_at).
func TestScheduler_Idempotency_SameWorkflowSameTime(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	source.add(testWorkflow("daily-report"))
	parser := &mockCronParser{fireTimes: []time.Time{fireTime}}

	sched := New(Config{TickInterval: time.Minute}, store, source, parser, emitter)

	// Simulate clock at fire time + 30 seconds
	now := fireTime.Add(30 * time.Second)
	sched.clock = func() time.Time { return now }
	sched.lastTick = fireTime.Add(-time.Minute)

	ctx := context.Background()

	// First tick - should create a run
	if err := sched.processTick(ctx); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	if store.runCount() != 1 {
		t.Errorf("expected 1 run after first tick, got %d", store.runCount())
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event after first tick, got %d", emitter.eventCount())
	}

	// Reset lastTick to simulate overlapping tick or restart
	sched.lastTick = fireTime.Add(-time.Minute)

	// Second tick with same window - should NOT create a duplicate
	if err := sched.processTick(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	if store.runCount() != 1 {
		t.Errorf("expected 1 run after second tick (idempotent), got %d", store.runCount())
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected 1 event after second tick (idempotent), got %d", emitter.eventCount())
	}
}

// TestScheduler_Idempotency_AcrossTicks verifies idempotency is maintained
// even when the scheduler processes the same fire time across multiple ticks.
func TestScheduler_Idempotency_AcrossTicks(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	source.add(testWorkflow("daily-report"))
	parser := &mockCronParser{fireTimes: []time.Time{fireTime}}

	sched := New(Config{TickInterval: 30 * time.Second}, store, source, parser, emitter)

	ctx := context.Background()

	// Tick 1: 10:29:30 -> 10:30:00 (fire time in window)
	sched.clock = func() time.Time { return fireTime }
	sched.lastTick = fireTime.Add(-30 * time.Second)
	_ = sched.processTick(ctx)

	// Tick 2: overlapping window after a simulated restart
	sched.clock = func() time.Time { return fireTime.Add(30 * time.Second) }
	sched.lastTick = fireTime.Add(-30 * time.Second)
	_ = sched.processTick(ctx)

	// Tick 3: another attempt at the same window
	sched.clock = func() time.Time { return fireTime.Add(45 * time.Second) }
	sched.lastTick = fireTime.Add(-15 * time.Second)
	_ = sched.processTick(ctx)

	if store.runCount() != 1 {
		t.Errorf("expected exactly 1 run across all ticks, got %d", store.runCount())
	}
}

// TestScheduler_DisabledWorkflowSkipped verifies disabled workflows never
// trigger runs.
func TestScheduler_DisabledWorkflowSkipped(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	wf := testWorkflow("daily-report")
	wf.Enabled = false
	source.add(wf)

	parser := &mockCronParser{fireTimes: []time.Time{fireTime}}
	sched := New(Config{TickInterval: time.Minute}, store, source, parser, emitter)

	sched.clock = func() time.Time { return fireTime.Add(30 * time.Second) }
	sched.lastTick = fireTime.Add(-time.Minute)

	_ = sched.processTick(context.Background())

	if store.runCount() != 0 {
		t.Errorf("expected 0 runs for disabled workflow, got %d", store.runCount())
	}
}

// TestScheduler_MultipleDueTimes verifies every due time in the window
// triggers its own run.
func TestScheduler_MultipleDueTimes(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime1 := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	fireTime2 := time.Date(2024, 1, 16, 10, 30, 0, 0, time.UTC)

	source.add(testWorkflow("daily-report"))
	parser := &mockCronParser{fireTimes: []time.Time{fireTime1, fireTime2}}

	// Large window to capture both
	sched := New(Config{TickInterval: 48 * time.Hour}, store, source, parser, emitter)

	sched.clock = func() time.Time { return fireTime2.Add(30 * time.Second) }
	sched.lastTick = fireTime1.Add(-time.Minute)

	_ = sched.processTick(context.Background())

	if store.runCount() != 2 {
		t.Errorf("expected 2 runs (different due times), got %d", store.runCount())
	}
	if emitter.eventCount() != 2 {
		t.Errorf("expected 2 events, got %d", emitter.eventCount())
	}
}

// TestScheduler_GateHoldsTrigger verifies a trigger gate veto suppresses the
// run without failing the tick.
func TestScheduler_GateHoldsTrigger(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	source.add(testWorkflow("daily-report"))
	parser := &mockCronParser{fireTimes: []time.Time{fireTime}}

	sched := New(Config{TickInterval: time.Minute}, store, source, parser, emitter).
		WithGate(denyGate{})

	sched.clock = func() time.Time { return fireTime.Add(30 * time.Second) }
	sched.lastTick = fireTime.Add(-time.Minute)

	if err := sched.processTick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if store.runCount() != 0 {
		t.Errorf("expected 0 runs while gate holds, got %d", store.runCount())
	}
	if emitter.eventCount() != 0 {
		t.Errorf("expected 0 events while gate holds, got %d", emitter.eventCount())
	}
}

// TestScheduler_ScheduledAtTruncatedToMinute verifies the persisted
// scheduled_at is minute-aligned so retried ticks dedupe.
func TestScheduler_ScheduledAtTruncatedToMinute(t *testing.T) {
	store := newMockStore()
	source := &mockSource{}
	emitter := &mockEmitter{}

	fireTime := time.Date(2024, 1, 15, 10, 30, 17, 0, time.UTC)

	source.add(testWorkflow("daily-report"))
	parser := &mockCronParser{fireTimes: []time.Time{fireTime}}

	sched := New(Config{TickInterval: time.Minute}, store, source, parser, emitter)
	sched.clock = func() time.Time { return fireTime.Add(30 * time.Second) }
	sched.lastTick = fireTime.Add(-time.Minute)

	_ = sched.processTick(context.Background())

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(emitter.events))
	}

	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !emitter.events[0].ScheduledAt.Equal(want) {
		t.Errorf("expected scheduled_at %s, got %s", want, emitter.events[0].ScheduledAt)
	}
}
