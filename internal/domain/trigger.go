package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is emitted when a run becomes due for execution, either by
// the scheduler or by a manual dispatch.
type TriggerEvent struct {
	RunID    uuid.UUID
	Workflow string
	Trigger  TriggerKind

	ScheduledAt    time.Time // intended fire time (UTC)
	FiredAt        time.Time // actual emission time
	IdempotencyKey string

	CreatedAt time.Time
}
