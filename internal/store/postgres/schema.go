package postgres

// Schema creates the tables used by Store. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id              UUID PRIMARY KEY,
    type            TEXT NOT NULL,
    project         TEXT NOT NULL,
    build_id        TEXT NOT NULL,
    revision_commit TEXT NOT NULL DEFAULT '',
    revision_ref    TEXT NOT NULL DEFAULT '',
    payload         JSONB,
    status          TEXT NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    received_at     TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS events_project_type_build_key
    ON events (project, type, build_id);

CREATE INDEX IF NOT EXISTS events_status_received_at_idx
    ON events (status, received_at);

CREATE TABLE IF NOT EXISTS job_runs (
    id          UUID PRIMARY KEY,
    event_id    UUID NOT NULL REFERENCES events (id) ON DELETE CASCADE,
    build_id    TEXT NOT NULL,
    job_name    TEXT NOT NULL,
    image       TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_code   INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS job_runs_event_id_idx ON job_runs (event_id, started_at);
`
