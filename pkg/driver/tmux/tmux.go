// Package tmux runs workers as detached tmux sessions. Text goes in through
// a pasted buffer and output comes back through capture-pane.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"corral/pkg/driver"

	"github.com/google/uuid"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	// RunInput is Run with stdin fed from input.
	RunInput(ctx context.Context, input, name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// RunInput executes a command with input on stdin.
func (e *ExecRunner) RunInput(ctx context.Context, input, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

const (
	// DefaultPrefix marks sessions this tool owns.
	DefaultPrefix = "corral-"

	// DefaultHistory is how many scrollback lines capture-pane returns.
	DefaultHistory = 2000

	// defaultDebounce is the delay between pasting text and pressing Enter.
	// Ink-based TUIs drop an Enter that arrives before the paste is rendered.
	defaultDebounce = 2 * time.Second

	enterAttempts = 3
)

// Driver is a driver.Driver backed by tmux.
type Driver struct {
	Runner   CmdRunner
	Prefix   string
	Command  []string            // worker command; empty runs the default shell
	History  int                 // capture-pane scrollback; 0 means DefaultHistory
	Debounce time.Duration       // paste-to-Enter delay; 0 means defaultDebounce
	Sleeper  func(time.Duration) // optional; overrides time.Sleep for testing
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Focuser = (*Driver)(nil)
)

// New creates a Driver with the default ExecRunner.
func New(prefix string, command []string) *Driver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Driver{Runner: &ExecRunner{}, Prefix: prefix, Command: command}
}

// Owns reports whether a session name carries this driver's prefix.
func (d *Driver) Owns(id string) bool {
	return strings.HasPrefix(id, d.Prefix)
}

// Spawn starts a detached session running the worker command in dir.
func (d *Driver) Spawn(ctx context.Context, dir string) (string, error) {
	name := d.Prefix + uuid.NewString()[:8]
	args := []string{"new-session", "-d", "-s", name, "-c", dir}
	args = append(args, d.Command...)
	if out, err := d.Runner.Run(ctx, "tmux", args...); err != nil {
		return "", &driver.SpawnError{Dir: dir, Err: withOutput(err, out)}
	}
	return name, nil
}

// Send pastes text into the session and submits it. The text travels on
// stdin into a named buffer and is pasted with bracketed paste, so tmux
// never parses it and a multi-line task arrives as one prompt. The pane is woken if nobody is attached and Enter is retried
// because it is the keystroke that actually submits the task.
func (d *Driver) Send(ctx context.Context, id, text string) error {
	if err := d.paste(ctx, id, text); err != nil {
		return &driver.SendError{WorkerID: id, Err: err}
	}
	d.wakeIfDetached(ctx, id)
	d.sleep(d.debounce())

	// Escape leaves any vim-mode insert state before Enter.
	_, _ = d.Runner.Run(ctx, "tmux", "send-keys", "-t", id, "Escape")
	d.wakeIfDetached(ctx, id)
	d.sleep(100 * time.Millisecond)

	var lastErr error
	for attempt := range enterAttempts {
		if attempt > 0 {
			d.sleep(200 * time.Millisecond)
		}
		out, err := d.Runner.Run(ctx, "tmux", "send-keys", "-t", id, "Enter")
		if err != nil {
			lastErr = withOutput(err, out)
			continue
		}
		d.wakeIfDetached(ctx, id)
		return nil
	}
	return &driver.SendError{
		WorkerID: id,
		Err:      fmt.Errorf("enter not accepted after %d attempts: %w", enterAttempts, lastErr),
	}
}

// paste loads text into a buffer named after the session and pastes it.
// -d drops the buffer afterwards.
func (d *Driver) paste(ctx context.Context, id, text string) error {
	buf := bufferName(id)
	if out, err := d.Runner.RunInput(ctx, text, "tmux", "load-buffer", "-b", buf, "-"); err != nil {
		return fmt.Errorf("load-buffer: %w", withOutput(err, out))
	}
	if out, err := d.Runner.Run(ctx, "tmux", "paste-buffer", "-p", "-d", "-b", buf, "-t", id); err != nil {
		_, _ = d.Runner.Run(ctx, "tmux", "delete-buffer", "-b", buf)
		return fmt.Errorf("paste-buffer: %w", withOutput(err, out))
	}
	return nil
}

func bufferName(id string) string {
	return id + "-task"
}

// ReadOutput captures the pane including scrollback, with wrapped lines
// joined.
func (d *Driver) ReadOutput(ctx context.Context, id string) (string, error) {
	history := d.History
	if history <= 0 {
		history = DefaultHistory
	}
	out, err := d.Runner.Run(ctx, "tmux", "capture-pane", "-p", "-J", "-S", "-"+strconv.Itoa(history), "-t", id)
	if err != nil {
		return "", &driver.ReadError{WorkerID: id, Err: withOutput(err, out)}
	}
	return out, nil
}

// Close kills the session. A session that is already gone counts as closed.
func (d *Driver) Close(ctx context.Context, id string) error {
	out, err := d.Runner.Run(ctx, "tmux", "kill-session", "-t", id)
	if err != nil && !sessionGone(out) {
		return &driver.CloseError{WorkerID: id, Err: withOutput(err, out)}
	}
	return nil
}

// ListAll returns the sessions carrying this driver's prefix.
func (d *Driver) ListAll(ctx context.Context) ([]string, error) {
	out, err := d.Runner.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if noServer(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", withOutput(err, out))
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && d.Owns(line) {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Focus switches the calling tmux client to the worker's session.
func (d *Driver) Focus(ctx context.Context, id string) error {
	if out, err := d.Runner.Run(ctx, "tmux", "switch-client", "-t", id); err != nil {
		return fmt.Errorf("tmux switch-client to %s: %w", id, withOutput(err, out))
	}
	return nil
}

// wakeIfDetached sends SIGWINCH to the pane process when no client is
// attached. Detached Ink TUIs do not re-render until they get one.
func (d *Driver) wakeIfDetached(ctx context.Context, id string) {
	out, err := d.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", id, "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pid, err := d.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", id, "#{pane_pid}")
	if err != nil {
		return
	}
	_, _ = d.Runner.Run(ctx, "kill", "-WINCH", strings.TrimSpace(pid))
}

func (d *Driver) debounce() time.Duration {
	if d.Debounce > 0 {
		return d.Debounce
	}
	return defaultDebounce
}

func (d *Driver) sleep(dur time.Duration) {
	if d.Sleeper != nil {
		d.Sleeper(dur)
		return
	}
	time.Sleep(dur)
}

func sessionGone(out string) bool {
	return strings.Contains(out, "can't find session") || noServer(out)
}

func noServer(out string) bool {
	return strings.Contains(out, "no server running") || strings.Contains(out, "error connecting to")
}

// withOutput folds tmux's own message into the error, since exec only
// reports the exit status.
func withOutput(err error, out string) error {
	if out == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, out)
}
