package postgres

const queryInsertEvent = `
INSERT INTO events (id, type, project, build_id, revision_commit, revision_ref, payload, status, received_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'received', $8, $8)
`

const eventColumns = `
    id, type, project, build_id, revision_commit, revision_ref, payload,
    status, reason, error, received_at, updated_at`

const queryGetEvent = `SELECT` + eventColumns + `
FROM events
WHERE id = $1
`

const queryListEvents = `SELECT` + eventColumns + `
FROM events
WHERE ($1 = '' OR project = $1)
  AND ($2 = '' OR status = $2)
ORDER BY received_at DESC
LIMIT NULLIF($3, 0) OFFSET $4
`

const queryGetEventStatus = `
SELECT status FROM events WHERE id = $1
`

// The status guard in WHERE makes the claim atomic: PostgreSQL takes the row
// lock before evaluating it, so exactly one claimer wins.
const queryClaimEvent = `
UPDATE events
SET status = 'handling', updated_at = NOW()
WHERE id = $1
  AND status = 'received'
`

const queryCompleteEvent = `
UPDATE events
SET status = $2, reason = $3, error = $4, updated_at = NOW()
WHERE id = $1
  AND status = 'handling'
`

const queryGetOrphanedEvents = `SELECT` + eventColumns + `
FROM events
WHERE status = 'received'
  AND received_at < $1
ORDER BY received_at ASC
LIMIT $2
`

const queryInsertJobRun = `
INSERT INTO job_runs (id, event_id, build_id, job_name, image, status, exit_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryFinishJobRun = `
UPDATE job_runs
SET status = $2, exit_code = $3, error = $4, finished_at = $5
WHERE id = $1
  AND status = 'running'
`

const queryListJobRuns = `
SELECT id, event_id, build_id, job_name, image, status, exit_code, error, started_at, finished_at
FROM job_runs
WHERE event_id = $1
ORDER BY started_at ASC
`
