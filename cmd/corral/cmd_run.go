package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"corral/pkg/dispatcher"

	"github.com/spf13/cobra"
)

// errRunFailed marks a run that completed with failed entries. The report
// has already been printed; main only sets the exit status.
var errRunFailed = errors.New("run had failures")

func newParallelCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "parallel TASK...",
		Short: "Run each task in its own worker at once",
		Long: `Spawns one worker per task, sends each its task, waits for all of
them to finish or time out and reaps every worker.

A task argument of the form @path is read from a file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runParallel(cmd.Context(), a, cmd.OutOrStdout(), &rf, args)
			})
		},
	}
	addRunFlags(cmd, &rf)
	return cmd
}

func newRedundantCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "redundant VARIANT VARIANT...",
		Short: "Try several variants of one goal side by side",
		Long: `Sends each variant to its own worker and reports every result. At
least two variants are required. Picking the winner is up to you.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runRedundant(cmd.Context(), a, cmd.OutOrStdout(), &rf, args)
			})
		},
	}
	addRunFlags(cmd, &rf)
	return cmd
}

func newPipelineCmd(gf *globalFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "pipeline STAGE...",
		Short: "Run stages one after another, feeding output forward",
		Long: `Runs each stage in a fresh worker once the previous stage finished.
"{{prev}}" in a stage is replaced with the previous stage's output. The first
failure stops the pipeline.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, func(a *app) error {
				return runPipeline(cmd.Context(), a, cmd.OutOrStdout(), &rf, args)
			})
		},
	}
	addRunFlags(cmd, &rf)
	return cmd
}

func runParallel(ctx context.Context, a *app, w io.Writer, rf *runFlags, args []string) error {
	tasks, err := tasksFromArgs(rf, args)
	if err != nil {
		return err
	}
	run, err := a.disp.Parallel(ctx, tasks, rf.options())
	if err != nil {
		return fmt.Errorf("parallel: %w", err)
	}
	return reportRun(w, run, rf.lines)
}

func runRedundant(ctx context.Context, a *app, w io.Writer, rf *runFlags, args []string) error {
	tasks, err := tasksFromArgs(rf, args)
	if err != nil {
		return err
	}
	run, err := a.disp.Redundant(ctx, tasks, rf.options())
	if err != nil {
		return fmt.Errorf("redundant: %w", err)
	}
	return reportRun(w, run, rf.lines)
}

func runPipeline(ctx context.Context, a *app, w io.Writer, rf *runFlags, args []string) error {
	dir, err := rf.workDir()
	if err != nil {
		return err
	}
	stages, err := buildStages(args, dir)
	if err != nil {
		return err
	}
	run, err := a.disp.Pipeline(ctx, stages, rf.options())
	var stageErr *dispatcher.StageError
	if err != nil && !errors.As(err, &stageErr) {
		return fmt.Errorf("pipeline: %w", err)
	}
	return reportRun(w, run, rf.lines)
}

func tasksFromArgs(rf *runFlags, args []string) ([]dispatcher.Task, error) {
	dir, err := rf.workDir()
	if err != nil {
		return nil, err
	}
	return buildTasks(args, dir)
}

func reportRun(w io.Writer, run *dispatcher.Run, lines int) error {
	printRun(w, newStyler(w), run, lines)
	if !run.OK() {
		return errRunFailed
	}
	return nil
}

// withApp loads the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, gf *globalFlags, fn func(a *app) error) error {
	a, err := loadApp(cmd.ErrOrStderr(), gf)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("close event log", "err", err)
		}
	}()
	return fn(a)
}
