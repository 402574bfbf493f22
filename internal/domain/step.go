package domain

import (
	"time"

	"github.com/google/uuid"
)

type StepName string

const (
	StepCheckout StepName = "checkout"
	StepRuntime  StepName = "runtime"
	StepCache    StepName = "cache_restore"
	StepInstall  StepName = "install"
	StepTask     StepName = "task"
)

// PipelineOrder is the fixed step sequence of every run. Each step is a
// hard dependency of the next; a failure halts the run and the remaining
// steps are recorded as skipped.
var PipelineOrder = []StepName{
	StepCheckout,
	StepRuntime,
	StepCache,
	StepInstall,
	StepTask,
}

type StepOutcome string

const (
	StepOutcomeOK      StepOutcome = "ok"
	StepOutcomeFailed  StepOutcome = "failed"
	StepOutcomeSkipped StepOutcome = "skipped"
)

// StepResult records the outcome of one pipeline step within a run.
type StepResult struct {
	ID    uuid.UUID
	RunID uuid.UUID

	Name    StepName
	Ordinal int
	Outcome StepOutcome

	// Detail carries the failure message, or a short note for informational
	// outcomes (e.g. cache hit/miss).
	Detail string

	StartedAt  time.Time
	FinishedAt time.Time
}
