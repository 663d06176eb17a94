package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"corral/pkg/config"
	"corral/pkg/dispatcher"
	"corral/pkg/driver"
	"corral/pkg/poller"

	"github.com/spf13/cobra"
)

func newBgCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "bg TASK",
		Short: "Start a task in the background and return its run id",
		Long: `Spawns a worker, sends it the task and returns immediately. The run id
printed can be passed to check, attach and kill from later invocations.
Background runs need a driver whose sessions outlive this process (tmux).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runBg(cmd.Context(), a, cmd.OutOrStdout(), &rf, args[0])
			})
		},
	}
	addRunFlags(cmd, &rf)
	return cmd
}

func newCheckCmd(gf *globalFlags) *cobra.Command {
	var (
		wait  time.Duration
		lines int
	)
	cmd := &cobra.Command{
		Use:   "check RUN",
		Short: "Report whether a background task has finished",
		Long: `Reads the worker's output once, or for up to --wait, and reports its
state. The worker keeps running; use kill to stop it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runCheck(cmd.Context(), a, cmd.OutOrStdout(), args[0], wait, lines)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep polling for up to this long (default from config check_timeout)")
	cmd.Flags().IntVar(&lines, "lines", 10, "trailing output lines to print")
	return cmd
}

func newKillCmd(gf *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill RUN",
		Short: "Terminate a background task and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runKill(cmd.Context(), a, cmd.OutOrStdout(), args[0], !force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "close without sending the exit text")
	return cmd
}

func newRunsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List stored background runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runRuns(a, cmd.OutOrStdout())
			})
		},
	}
}

func newAttachCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach RUN",
		Short: "Switch the terminal to a background worker's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runAttach(cmd.Context(), a, args[0])
			})
		},
	}
}

func runBg(ctx context.Context, a *app, w io.Writer, rf *runFlags, arg string) error {
	if a.cfg.Driver == config.DriverPTY {
		return fmt.Errorf("background runs need the %s driver; %s sessions end with this process", config.DriverTmux, config.DriverPTY)
	}
	tasks, err := tasksFromArgs(rf, []string{arg})
	if err != nil {
		return err
	}
	h, err := a.disp.Background(ctx, tasks[0], rf.options())
	if err != nil {
		return fmt.Errorf("bg: %w", err)
	}
	if err := a.store.Save(h); err != nil {
		// The worker is live but unreachable by id; do not leak it.
		if termErr := a.disp.Terminate(context.WithoutCancel(ctx), h, false); termErr != nil {
			a.logger.Warn("terminate unsaved worker", "worker", h.WorkerID, "err", termErr)
		}
		return fmt.Errorf("save run: %w", err)
	}
	fmt.Fprintf(w, "%s  %s\n", h.RunID, h.WorkerID)
	return nil
}

// adopt loads a stored handle and registers its worker with this process.
func adopt(a *app, runID string) (dispatcher.Handle, error) {
	h, err := a.store.Load(runID)
	if err != nil {
		return dispatcher.Handle{}, err
	}
	if err := a.disp.Adopt(h); err != nil {
		return dispatcher.Handle{}, err
	}
	return h, nil
}

func runCheck(ctx context.Context, a *app, w io.Writer, runID string, wait time.Duration, lines int) error {
	h, err := adopt(a, runID)
	if err != nil {
		return err
	}
	rep, err := a.disp.Check(ctx, h, poller.Settings{Timeout: wait})
	if err != nil {
		var readErr *driver.ReadError
		if errors.As(err, &readErr) {
			return fmt.Errorf("check %s: worker session is gone (run `corral kill %s` to forget it): %w", runID, runID, err)
		}
		return fmt.Errorf("check %s: %w", runID, err)
	}
	printReport(w, newStyler(w), rep, lines)
	return nil
}

func runKill(ctx context.Context, a *app, w io.Writer, runID string, graceful bool) error {
	h, err := adopt(a, runID)
	if err != nil {
		return err
	}
	termErr := a.disp.Terminate(ctx, h, graceful)
	// The registry entry is retired even when the close failed, so the
	// handle is forgotten either way.
	if err := a.store.Delete(runID); err != nil {
		return errors.Join(termErr, err)
	}
	if termErr != nil {
		return fmt.Errorf("kill %s: %w", runID, termErr)
	}
	fmt.Fprintf(w, "killed %s (%s)\n", runID, h.WorkerID)
	return nil
}

func runRuns(a *app, w io.Writer) error {
	handles, err := a.store.List()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		fmt.Fprintln(w, "no background runs")
		return nil
	}
	for _, h := range handles {
		fmt.Fprintf(w, "%s  %-16s  %s  %s\n", h.RunID, h.WorkerID, h.StartedAt.Local().Format(time.DateTime), truncateTask(h.Task, 60))
	}
	return nil
}

func runAttach(ctx context.Context, a *app, runID string) error {
	f, ok := a.drv.(driver.Focuser)
	if !ok {
		return fmt.Errorf("the %s driver cannot attach to sessions", a.cfg.Driver)
	}
	h, err := a.store.Load(runID)
	if err != nil {
		return err
	}
	return f.Focus(ctx, h.WorkerID)
}

// truncateTask flattens s onto one line and caps it at n runes.
func truncateTask(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
