//go:build !windows

// Package ptydrv runs workers as local child processes attached to a
// pseudo-terminal. It needs no terminal multiplexer, so it also serves
// hosts without tmux.
package ptydrv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"corral/pkg/driver"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// IDPrefix starts every worker id this driver hands out.
	IDPrefix = "pty-"

	// DefaultBufferSize bounds the retained output per worker.
	DefaultBufferSize = 256 << 10

	// DefaultKillTimeout is how long Close waits after SIGHUP before SIGKILL.
	DefaultKillTimeout = 2 * time.Second

	defaultCols = 200
	defaultRows = 50
)

var errExited = errors.New("worker process exited")

type session struct {
	cmd  *exec.Cmd
	ptmx *os.File
	out  *ringBuffer
	done chan struct{}
}

// Driver is a driver.Driver that starts Command under a pty per worker.
// Safe for concurrent use.
type Driver struct {
	Command     []string      // worker command; empty runs $SHELL
	BufferSize  int           // 0 means DefaultBufferSize
	KillTimeout time.Duration // 0 means DefaultKillTimeout

	mu       sync.Mutex
	sessions map[string]*session
}

var _ driver.Driver = (*Driver)(nil)

// New creates a Driver for the given worker command.
func New(command []string) *Driver {
	return &Driver{Command: command, sessions: make(map[string]*session)}
}

// Spawn starts the worker command in dir. The child leads its own session,
// so Close can signal the whole process tree through its group.
func (d *Driver) Spawn(_ context.Context, dir string) (string, error) {
	name, args := d.command()
	//nolint:gosec // the worker command comes from the operator's config
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return "", &driver.SpawnError{Dir: dir, Err: err}
	}

	size := d.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	s := &session{cmd: cmd, ptmx: ptmx, out: newRingBuffer(size), done: make(chan struct{})}
	id := IDPrefix + uuid.NewString()[:8]

	d.mu.Lock()
	if d.sessions == nil {
		d.sessions = make(map[string]*session)
	}
	d.sessions[id] = s
	d.mu.Unlock()

	go s.pump()
	return id, nil
}

// pump copies pty output into the buffer until the child goes away, then
// reaps it.
func (s *session) pump() {
	buf := make([]byte, 32<<10)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			_, _ = s.out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	_ = s.cmd.Wait()
	close(s.done)
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send writes text followed by a carriage return, as if typed.
func (d *Driver) Send(_ context.Context, id, text string) error {
	s, ok := d.get(id)
	if !ok {
		return &driver.SendError{WorkerID: id, Err: os.ErrNotExist}
	}
	if s.exited() {
		return &driver.SendError{WorkerID: id, Err: errExited}
	}
	if _, err := s.ptmx.Write([]byte(text + "\r")); err != nil {
		return &driver.SendError{WorkerID: id, Err: err}
	}
	return nil
}

// ReadOutput returns everything retained for the worker. Output stays
// readable after the child exits, until Close.
func (d *Driver) ReadOutput(_ context.Context, id string) (string, error) {
	s, ok := d.get(id)
	if !ok {
		return "", &driver.ReadError{WorkerID: id, Err: os.ErrNotExist}
	}
	return s.out.String(), nil
}

// Close hangs up the worker's process group, escalates to SIGKILL after
// KillTimeout and releases the pty. Unknown ids are already closed.
func (d *Driver) Close(ctx context.Context, id string) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	pid := s.cmd.Process.Pid
	if !s.exited() {
		if err := unix.Kill(-pid, unix.SIGHUP); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("hangup group %d: %w", pid, err))
		}
		timeout := d.KillTimeout
		if timeout <= 0 {
			timeout = DefaultKillTimeout
		}
		t := time.NewTimer(timeout)
		select {
		case <-s.done:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
		if !s.exited() {
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("kill group %d: %w", pid, err))
			}
		}
	}
	if err := s.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return &driver.CloseError{WorkerID: id, Err: err}
	}
	return nil
}

// ListAll returns the ids of workers not yet closed.
func (d *Driver) ListAll(_ context.Context) ([]string, error) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)
	return ids, nil
}

// Owns reports whether id has this driver's prefix.
func (d *Driver) Owns(id string) bool {
	return strings.HasPrefix(id, IDPrefix)
}

func (d *Driver) get(id string) (*session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

func (d *Driver) command() (string, []string) {
	if len(d.Command) > 0 {
		return d.Command[0], d.Command[1:]
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, nil
	}
	return "/bin/sh", nil
}
