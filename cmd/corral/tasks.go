package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"corral/pkg/dispatcher"
	"corral/pkg/poller"

	"github.com/spf13/cobra"
)

// prevPlaceholder in a pipeline stage is replaced with the previous stage's
// output.
const prevPlaceholder = "{{prev}}"

// runFlags are shared by every command that starts workers.
type runFlags struct {
	dir       string
	timeout   time.Duration
	interval  time.Duration
	stability int
	settle    time.Duration
	force     bool
	lines     int
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	cmd.Flags().StringVar(&rf.dir, "dir", "", "working directory for every worker (default: current directory)")
	cmd.Flags().DurationVar(&rf.timeout, "timeout", 0, "poll timeout per worker (default from config)")
	cmd.Flags().DurationVar(&rf.interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().IntVar(&rf.stability, "stability", 0, "identical reads before a worker counts as done (default from config)")
	cmd.Flags().DurationVar(&rf.settle, "settle", 0, "wait between spawn and first send; negative skips it (default from config)")
	cmd.Flags().BoolVar(&rf.force, "force", false, "close workers without sending the exit text")
	cmd.Flags().IntVar(&rf.lines, "lines", 5, "trailing output lines to print per worker")
}

// options converts flags into per-call dispatcher options.
func (rf *runFlags) options() dispatcher.Options {
	o := dispatcher.Options{
		Settings: poller.Settings{
			Interval:           rf.interval,
			Timeout:            rf.timeout,
			StabilityThreshold: rf.stability,
		},
		SpawnSettle: rf.settle,
	}
	if rf.force {
		graceful := false
		o.Graceful = &graceful
	}
	return o
}

func (rf *runFlags) workDir() (string, error) {
	if rf.dir != "" {
		return rf.dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}

// expandArg returns the task text for a CLI argument. "@path" reads the
// text from a file.
func expandArg(arg string) (string, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // user-chosen task file
	if err != nil {
		return "", fmt.Errorf("read task file: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("task file %s is empty", path)
	}
	return text, nil
}

// buildTasks expands each argument into a Task in dir.
func buildTasks(args []string, dir string) ([]dispatcher.Task, error) {
	tasks := make([]dispatcher.Task, 0, len(args))
	for _, arg := range args {
		text, err := expandArg(arg)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, dispatcher.Task{Dir: dir, Text: text})
	}
	return tasks, nil
}

// buildStages expands each argument into a pipeline stage. Every stage
// after the first substitutes {{prev}} with the previous stage's output.
func buildStages(args []string, dir string) ([]dispatcher.Stage, error) {
	stages := make([]dispatcher.Stage, 0, len(args))
	for i, arg := range args {
		text, err := expandArg(arg)
		if err != nil {
			return nil, err
		}
		st := dispatcher.Stage{Dir: dir, Task: text}
		if i > 0 && strings.Contains(text, prevPlaceholder) {
			st.Compose = func(prev poller.Result) (string, error) {
				return strings.ReplaceAll(text, prevPlaceholder, strings.TrimSpace(prev.Output)), nil
			}
		}
		stages = append(stages, st)
	}
	return stages, nil
}
