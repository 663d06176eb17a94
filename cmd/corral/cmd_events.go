package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"corral/pkg/config"
	"corral/pkg/eventlog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	worker    string
	run       string
	eventType string
	tail      int
	follow    bool

	// pollEvery re-queries while following even without a file event.
	pollEvery time.Duration
}

func newEventsCmd() *cobra.Command {
	cfg := eventsConfig{pollEvery: 2 * time.Second}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and tail the worker lifecycle log",
		Long:  "Displays events from the lifecycle log, oldest first.\nOptionally filter by worker, run or type and follow new events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runEvents(cmd.Context(), cmd.OutOrStdout(), paths.DBPath, &cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.worker, "worker", "", "only events for this worker id")
	cmd.Flags().StringVar(&cfg.run, "run", "", "only events for this run id")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type (e.g. worker_spawned)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep printing new events as they are written")

	return cmd
}

func runEvents(ctx context.Context, w io.Writer, dbPath string, cfg *eventsConfig) error {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer reader.Close()

	opts := eventlog.QueryOpts{
		WorkerID:  cfg.worker,
		RunID:     cfg.run,
		EventType: cfg.eventType,
		Limit:     cfg.tail,
	}
	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	slices.Reverse(events)

	if len(events) == 0 && !cfg.follow {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	var lastID int64
	for _, e := range events {
		formatEvent(w, &e)
		lastID = e.ID
	}
	if !cfg.follow {
		return nil
	}

	opts.Limit = 0
	return followEvents(ctx, w, reader, dbPath, opts, lastID, cfg.pollEvery)
}

// followEvents prints events newer than lastID whenever the database files
// change, and at least every pollEvery. Returns nil when ctx is done.
func followEvents(ctx context.Context, w io.Writer, reader *eventlog.Reader, dbPath string, opts eventlog.QueryOpts, lastID int64, pollEvery time.Duration) error {
	changes := make(chan struct{}, 1)
	if watcher := watchDir(filepath.Dir(dbPath)); watcher != nil {
		defer watcher.Close()
		go forwardChanges(ctx, watcher, changes)
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		case <-ticker.C:
		}

		opts.AfterID = lastID
		fresh, err := reader.Query(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slices.Reverse(fresh)
		for _, e := range fresh {
			formatEvent(w, &e)
			lastID = e.ID
		}
	}
}

// watchDir returns a watcher on dir, or nil (polling only) when one cannot
// be created.
func watchDir(dir string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// forwardChanges collapses bursts of file events into one signal on out.
func forwardChanges(ctx context.Context, watcher *fsnotify.Watcher, out chan<- struct{}) {
	const debounce = 100 * time.Millisecond
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			timer.Reset(debounce)
		case <-timer.C:
			select {
			case out <- struct{}{}:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e *eventlog.Event) {
	// Format: timestamp | worker_id | type | run_id | source | payload
	fmt.Fprintf(w, "%s | %-16s | %-15s | %-36s | %-10s | %s\n",
		e.CreatedAt.Local().Format(time.DateTime), e.WorkerID, e.Type, e.RunID, e.Source, e.Payload)
}
