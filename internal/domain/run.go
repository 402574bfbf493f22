package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerKind string

const (
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindManual   TriggerKind = "manual"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: the store rejects transitions out of them.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// ExitCodeNone marks a run whose task step never executed.
const ExitCodeNone = -1

// Run records one execution instance of a workflow, created when the
// schedule fires or a manual dispatch is requested.
type Run struct {
	ID uuid.UUID

	Workflow string
	Trigger  TriggerKind

	ScheduledAt time.Time // intended fire time (UTC)
	FiredAt     time.Time // actual emission time

	Status RunStatus

	// ExitCode is the task's exit status, or ExitCodeNone when a
	// provisioning step failed before the task was invoked.
	ExitCode int

	CreatedAt  time.Time
	FinishedAt *time.Time
}
