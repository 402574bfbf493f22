package postgres

const queryInsertRun = `
INSERT INTO runs (id, workflow, trigger_kind, scheduled_at, fired_at, status, exit_code, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryGetRunByID = `
SELECT id, workflow, trigger_kind, scheduled_at, fired_at, status, exit_code, created_at, finished_at
FROM runs
WHERE id = $1
`

const queryClaimRun = `
UPDATE runs
SET status = 'running', started_at = NOW()
WHERE id = $1
  AND status = 'pending'
`

const queryFinishRun = `
UPDATE runs
SET status = $1, exit_code = $2, finished_at = $3
WHERE id = $4
  AND status NOT IN ('succeeded', 'failed')
`

const queryGetRunStatus = `
SELECT status FROM runs WHERE id = $1
`

const queryInsertStepResult = `
INSERT INTO step_results (id, run_id, name, ordinal, outcome, detail, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryListRuns = `
SELECT id, workflow, trigger_kind, scheduled_at, fired_at, status, exit_code, created_at, finished_at
FROM runs
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

const queryListStepResults = `
SELECT id, run_id, name, ordinal, outcome, detail, started_at, finished_at
FROM step_results
WHERE run_id = $1
ORDER BY ordinal ASC
`

const queryGetOrphanedRuns = `
SELECT id, workflow, trigger_kind, scheduled_at, fired_at, status, exit_code, created_at, finished_at
FROM runs
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryDequeueRun = `
UPDATE runs
SET status = 'running', started_at = NOW()
WHERE id = (
    SELECT id FROM runs
    WHERE status = 'pending'
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, workflow, trigger_kind, scheduled_at, fired_at, status, exit_code, created_at, finished_at
`

const queryRequeueStaleRuns = `
WITH stale AS (
    SELECT id FROM runs
    WHERE status = 'running'
      AND started_at < $1
    ORDER BY started_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE runs
SET status = 'pending', started_at = NULL
FROM stale
WHERE runs.id = stale.id
`
