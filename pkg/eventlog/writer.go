package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"corral/pkg/dispatcher"
	"corral/pkg/registry"

	_ "modernc.org/sqlite" // SQLite driver
)

// Writer appends lifecycle events to the SQLite log. It is both a
// registry.Observer and a dispatcher.EventSink. Write failures are logged
// and never interrupt the caller.
type Writer struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

var (
	_ registry.Observer    = (*Writer)(nil)
	_ dispatcher.EventSink = (*Writer)(nil)
)

// Open opens (creating if needed) the event database at path with WAL and a
// busy timeout, and applies the schema.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", SchemaDDL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return NewWriter(db, logger), nil
}

// NewWriter wraps an already initialised database.
func NewWriter(db *sql.DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{db: db, logger: logger, nowFunc: time.Now}
}

// Append inserts one event. CreatedAt defaults to now.
func (w *Writer) Append(ctx context.Context, e Event) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = w.nowFunc()
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, run_id, worker_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.RunID, e.WorkerID, e.Payload, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Type, err)
	}
	return nil
}

// RecordEvent implements dispatcher.EventSink.
func (w *Writer) RecordEvent(ctx context.Context, e dispatcher.Event) {
	// A cancelled run still gets its closing events written.
	ctx = context.WithoutCancel(ctx)
	err := w.Append(ctx, Event{
		Type:     e.Type,
		Source:   SourceDispatcher,
		RunID:    e.RunID,
		WorkerID: e.WorkerID,
		Payload:  e.Detail,
	})
	if err != nil {
		w.logger.Warn("event log write failed", "type", e.Type, "err", err)
	}
}

// WorkerTransition implements registry.Observer.
func (w *Writer) WorkerTransition(wk registry.Worker, from registry.State) {
	err := w.Append(context.Background(), Event{
		Type:     TypeStateChanged,
		Source:   SourceRegistry,
		RunID:    wk.RunID,
		WorkerID: wk.ID,
		Payload:  string(from) + "->" + string(wk.State),
	})
	if err != nil {
		w.logger.Warn("event log write failed", "type", TypeStateChanged, "worker", wk.ID, "err", err)
	}
}

// Close releases the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
