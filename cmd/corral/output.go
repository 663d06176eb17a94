package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"corral/pkg/dispatcher"
	"corral/pkg/idle"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// styler colours outcome words when writing to a terminal.
type styler struct {
	color   bool
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

// newStyler enables colour only when w is a terminal.
func newStyler(w io.Writer) styler {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return styler{
		color:   color,
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (s styler) outcome(o dispatcher.Outcome) string {
	if !s.color {
		return string(o)
	}
	switch {
	case o.Success():
		return s.success.Render(string(o))
	case o == dispatcher.OutcomeBusy:
		return s.warning.Render(string(o))
	default:
		return s.failure.Render(string(o))
	}
}

func (s styler) dim(text string) string {
	if !s.color {
		return text
	}
	return s.muted.Render(text)
}

// printRun writes one header line per entry followed by the last lines of
// its output, indented.
func printRun(w io.Writer, st styler, run *dispatcher.Run, lines int) {
	fmt.Fprintf(w, "%s run %s\n", run.Kind, st.dim(run.ID))
	for _, e := range run.Entries {
		worker := e.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "[%s] %s  %s  %s\n", e.Label, st.outcome(e.Outcome), worker, st.dim(e.Elapsed.Round(time.Millisecond).String()))
		if e.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", e.Err)
		}
		printTail(w, e.Output, lines)
	}
	if failures := run.Failures(); len(failures) > 0 {
		fmt.Fprintf(w, "%d of %d failed\n", len(failures), len(run.Entries))
	}
}

// printReport writes the result of one background check.
func printReport(w io.Writer, st styler, rep dispatcher.Report, lines int) {
	state := "running"
	if rep.Done() {
		state = "done"
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n", rep.Handle.RunID, st.outcome(rep.Outcome), rep.Handle.WorkerID, state)
	printTail(w, rep.Output, lines)
}

func printTail(w io.Writer, output string, n int) {
	if n <= 0 {
		return
	}
	for _, line := range idle.Tail(idle.Lines(output), n) {
		fmt.Fprintf(w, "    %s\n", strings.TrimRight(line, " "))
	}
}
