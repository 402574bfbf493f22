package circuitbreaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when a workflow's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a single workflow's breaker.
type State int

const (
	// StateClosed allows all triggers through.
	StateClosed State = iota
	// StateOpen rejects scheduled triggers until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows one trial trigger after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type entry struct {
	state        State
	failures     int
	openedAt     time.Time
	trialPending bool
}

// Breaker suppresses scheduled triggers for workflows that keep failing.
// After threshold consecutive failures the breaker opens; scheduled triggers
// are rejected until cooldown has elapsed, then a single trial run is let
// through. A success closes the breaker, a failure re-opens it.
//
// Manual dispatches bypass the breaker entirely; only the scheduler consults
// Allow.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New creates a breaker. A threshold of 0 disables it: Allow always passes
// and outcomes are ignored.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a scheduled trigger for the workflow may proceed.
// Returns ErrCircuitOpen while the breaker is open and cooling down.
func (b *Breaker) Allow(workflow string) error {
	if b.threshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[workflow]
	if !ok || e.state == StateClosed {
		return nil
	}

	now := b.clock()

	switch e.state {
	case StateOpen:
		if now.Sub(e.openedAt) < b.cooldown {
			return fmt.Errorf("%w for workflow %q", ErrCircuitOpen, workflow)
		}
		e.state = StateHalfOpen
		e.trialPending = true
		log.Printf("circuitbreaker: workflow %q half-open, allowing trial run", workflow)
		return nil

	case StateHalfOpen:
		if e.trialPending {
			// Trial already in flight, hold further scheduled triggers.
			return fmt.Errorf("%w for workflow %q", ErrCircuitOpen, workflow)
		}
		e.trialPending = true
		return nil

	default:
		return nil
	}
}

// RecordSuccess resets the workflow's failure count and closes its breaker.
func (b *Breaker) RecordSuccess(workflow string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[workflow]
	if !ok {
		return
	}

	if e.state != StateClosed {
		log.Printf("circuitbreaker: workflow %q recovered, closing breaker", workflow)
	}
	delete(b.entries, workflow)
}

// RecordFailure increments the workflow's consecutive failure count and opens
// the breaker once the threshold is reached.
func (b *Breaker) RecordFailure(workflow string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[workflow]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[workflow] = e
	}

	if e.state == StateHalfOpen {
		// Trial run failed, back to open with a fresh cooldown.
		e.state = StateOpen
		e.openedAt = b.clock()
		e.trialPending = false
		log.Printf("circuitbreaker: workflow %q trial failed, re-opening breaker", workflow)
		return
	}

	e.failures++
	if e.state == StateClosed && e.failures >= b.threshold {
		e.state = StateOpen
		e.openedAt = b.clock()
		log.Printf("circuitbreaker: workflow %q opened after %d consecutive failures", workflow, e.failures)
	}
}

// WorkflowState reports the current breaker state for a workflow.
func (b *Breaker) WorkflowState(workflow string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[workflow]
	if !ok {
		return StateClosed
	}
	return e.state
}
