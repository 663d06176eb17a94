package eventlog

// SchemaDDL creates the lifecycle event table. Execute against a SQLite
// database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Lifecycle event log: runs, workers and registry transitions
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
`

// Event sources.
const (
	SourceDispatcher = "dispatcher"
	SourceRegistry   = "registry"
)

// TypeStateChanged is recorded for every registry transition. Its payload is
// "<from>-><to>"; a freshly registered worker has an empty from.
const TypeStateChanged = "state_changed"

// timeLayout is how created_at is stored, matching SQLite's datetime().
const timeLayout = "2006-01-02 15:04:05"
