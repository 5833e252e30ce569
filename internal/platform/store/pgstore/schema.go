package pgstore

// schema is applied by Migrate. The partial unique index is the conditional
// create: at most one CREATED job per submitter can exist.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	submitter_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	enqueued     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_submitter
	ON jobs (submitter_id) WHERE status = 'CREATED';

CREATE INDEX IF NOT EXISTS jobs_submitter_created
	ON jobs (submitter_id, created_at DESC);

CREATE INDEX IF NOT EXISTS jobs_unenqueued
	ON jobs (created_at) WHERE status = 'CREATED' AND NOT enqueued;
`

const (
	pkeyConstraint   = "jobs_pkey"
	activeConstraint = "jobs_one_active_per_submitter"
)

const jobColumns = `job_id, submitter_id, status, result, attempts, enqueued, created_at, updated_at`
