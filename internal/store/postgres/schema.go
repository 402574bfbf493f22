package postgres

import "context"

// The unique index on (workflow, trigger_kind, scheduled_at) backs the
// scheduler's idempotency guard: the same scheduled fire time can only ever
// produce one run. Manual runs use the un-truncated dispatch time, so they
// never collide with scheduled runs.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id           UUID PRIMARY KEY,
    workflow     TEXT NOT NULL,
    trigger_kind TEXT NOT NULL,
    scheduled_at TIMESTAMPTZ NOT NULL,
    fired_at     TIMESTAMPTZ NOT NULL,
    status       TEXT NOT NULL,
    exit_code    INTEGER NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    started_at   TIMESTAMPTZ,
    finished_at  TIMESTAMPTZ,
    UNIQUE (workflow, trigger_kind, scheduled_at)
);

CREATE TABLE IF NOT EXISTS step_results (
    id          UUID PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    ordinal     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status_started ON runs (status, started_at);
CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results (run_id, ordinal);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaDDL)
	return err
}
