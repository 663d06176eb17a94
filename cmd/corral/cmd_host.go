package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newLsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List worker sessions the driver knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runLs(cmd.Context(), a, cmd.OutOrStdout())
			})
		},
	}
}

func newCleanupCmd(gf *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Close orphaned worker sessions",
		Long: `Closes every session carrying corral's prefix that no stored background
run refers to, such as workers left behind by a crashed invocation.
With --all, background runs are closed and forgotten too.

Safe to run anytime. If nothing is orphaned, reports "nothing to clean".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runCleanup(cmd.Context(), a, cmd.OutOrStdout(), all)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also close and forget background runs")
	return cmd
}

func runLs(ctx context.Context, a *app, w io.Writer) error {
	ids, err := a.drv.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no worker sessions")
		return nil
	}

	handles, err := a.store.List()
	if err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
	byWorker := make(map[string]string, len(handles))
	for _, h := range handles {
		byWorker[h.WorkerID] = h.RunID
	}

	for _, id := range ids {
		if !a.owns(id) {
			continue
		}
		if run, ok := byWorker[id]; ok {
			fmt.Fprintf(w, "%s  bg %s\n", id, run)
			continue
		}
		fmt.Fprintf(w, "%s  orphan\n", id)
	}
	return nil
}

// runCleanup performs a best-effort sweep. Close failures are reported as
// warnings; the command still succeeds.
func runCleanup(ctx context.Context, a *app, w io.Writer, all bool) error {
	handles, err := a.store.List()
	if err != nil {
		return fmt.Errorf("load background runs: %w", err)
	}

	keep := make(map[string]bool, len(handles))
	if !all {
		for _, h := range handles {
			keep[h.WorkerID] = true
		}
	}

	closed, err := a.reaper.Sweep(ctx, func(id string) bool {
		return a.owns(id) && !keep[id]
	})
	if err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
	}

	if all {
		for _, h := range handles {
			if err := a.store.Delete(h.RunID); err != nil {
				fmt.Fprintf(w, "warning: forget run %s: %v\n", h.RunID, err)
			}
		}
	}

	if len(closed) == 0 {
		fmt.Fprintln(w, "nothing to clean")
		return nil
	}
	for _, id := range closed {
		fmt.Fprintf(w, "closed %s\n", id)
	}
	return nil
}
