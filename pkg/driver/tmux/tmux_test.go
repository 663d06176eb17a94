package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"corral/pkg/driver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a no-op sleeper for tests to avoid real delays.
func noopSleep(time.Duration) {}

// fakeCmd records exec calls for testing without real tmux.
type fakeCmd struct {
	mu     sync.Mutex
	calls  [][]string // each call is [name, arg1, arg2, ...]
	output map[string]string
	errs   map[string]error
	seqErr map[string][]error // sequential errors per key
	seqIdx map[string]int
	inputs []string // stdin of each RunInput call
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{
		output: make(map[string]string),
		errs:   make(map[string]error),
		seqErr: make(map[string][]error),
		seqIdx: make(map[string]int),
	}
}

// key builds a lookup key from a command and its args.
func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeCmd) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	k := key(name, args...)
	if seq, ok := f.seqErr[k]; ok {
		idx := f.seqIdx[k]
		f.seqIdx[k] = idx + 1
		if idx < len(seq) {
			return f.output[k], seq[idx]
		}
		return f.output[k], nil
	}
	return f.output[k], f.errs[k]
}

func (f *fakeCmd) RunInput(ctx context.Context, input, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	return f.Run(ctx, name, args...)
}

// findCall returns the first call matching the given tmux subcommand, or nil.
func findCall(calls [][]string, subcmd string) []string {
	for _, call := range calls {
		if len(call) >= 2 && call[0] == "tmux" && call[1] == subcmd {
			return call
		}
	}
	return nil
}

// callHasArgPair checks whether a call slice contains arg followed by val.
func callHasArgPair(call []string, arg, val string) bool {
	for i, a := range call {
		if a == arg && i+1 < len(call) && call[i+1] == val {
			return true
		}
	}
	return false
}

func newTestDriver(fake *fakeCmd) *Driver {
	return &Driver{Runner: fake, Prefix: "corral-", Command: []string{"claude", "--verbose"}, Sleeper: noopSleep}
}

func TestSpawn(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)

	id, err := d.Spawn(context.Background(), "/work/repo")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "corral-"))
	assert.Len(t, id, len("corral-")+8)

	call := findCall(fake.calls, "new-session")
	require.NotNil(t, call)
	assert.True(t, callHasArgPair(call, "-s", id))
	assert.True(t, callHasArgPair(call, "-c", "/work/repo"))
	assert.Equal(t, []string{"claude", "--verbose"}, call[len(call)-2:])
}

func TestSpawnFailure(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	d.Runner = &failingRunner{out: "duplicate session", err: errors.New("exit status 1")}

	_, err := d.Spawn(context.Background(), "/nope")
	var spawnErr *driver.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nope", spawnErr.Dir)
	assert.Contains(t, err.Error(), "duplicate session")
}

func TestSend_PastesBeforeEscapeAndEnter(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.output[key("tmux", "display-message", "-p", "-t", "corral-1", "#{session_attached}")] = "1"

	require.NoError(t, d.Send(context.Background(), "corral-1", "fix the tests"))

	var subcmds []string
	for _, call := range fake.calls {
		if len(call) >= 2 && call[0] == "tmux" && call[1] != "display-message" {
			subcmds = append(subcmds, call[1]+" "+call[len(call)-1])
		}
	}
	assert.Equal(t, []string{
		"load-buffer -",
		"paste-buffer corral-1",
		"send-keys Escape",
		"send-keys Enter",
	}, subcmds)
	assert.Equal(t, []string{"fix the tests"}, fake.inputs)
}

func TestSend_TextReachesTmuxVerbatim(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"leading dash", "- fix the bug"},
		{"trailing semicolon", "run tests;"},
		{"escaped semicolon", `run tests\;`},
		{"multi-line", "summarise:\nline one\nline two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCmd()
			d := newTestDriver(fake)

			require.NoError(t, d.Send(context.Background(), "corral-1", tt.text))

			assert.Equal(t, []string{tt.text}, fake.inputs, "text goes in on stdin only")
			for _, call := range fake.calls {
				for _, arg := range call {
					assert.NotEqual(t, tt.text, arg, "text must never be a tmux argument: %v", call)
				}
			}
			load := findCall(fake.calls, "load-buffer")
			require.NotNil(t, load)
			assert.Equal(t, []string{"tmux", "load-buffer", "-b", "corral-1-task", "-"}, load)
			paste := findCall(fake.calls, "paste-buffer")
			require.NotNil(t, paste)
			assert.Equal(t, []string{"tmux", "paste-buffer", "-p", "-d", "-b", "corral-1-task", "-t", "corral-1"}, paste)
		})
	}
}

func TestSend_WakesDetachedSession(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.output[key("tmux", "display-message", "-p", "-t", "corral-1", "#{session_attached}")] = "0"
	fake.output[key("tmux", "display-message", "-p", "-t", "corral-1", "#{pane_pid}")] = "4242"

	require.NoError(t, d.Send(context.Background(), "corral-1", "go"))

	var winch int
	for _, call := range fake.calls {
		if call[0] == "kill" && callHasArgPair(call, "-WINCH", "4242") {
			winch++
		}
	}
	assert.Equal(t, 3, winch, "woken after text, after Escape and after Enter")
}

func TestSend_RetriesEnter(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	enter := key("tmux", "send-keys", "-t", "corral-1", "Enter")
	fake.seqErr[enter] = []error{errors.New("busy"), errors.New("busy")}

	require.NoError(t, d.Send(context.Background(), "corral-1", "go"))
	assert.Equal(t, 3, fake.seqIdx[enter])
}

func TestSend_EnterNeverAccepted(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.errs[key("tmux", "send-keys", "-t", "corral-1", "Enter")] = errors.New("busy")

	err := d.Send(context.Background(), "corral-1", "go")
	var sendErr *driver.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestSend_PasteFailure(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	k := key("tmux", "paste-buffer", "-p", "-d", "-b", "corral-1-task", "-t", "corral-1")
	fake.errs[k] = errors.New("exit status 1")
	fake.output[k] = "can't find pane: corral-1"

	err := d.Send(context.Background(), "corral-1", "go")
	var sendErr *driver.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, err.Error(), "can't find pane")
	assert.NotNil(t, findCall(fake.calls, "delete-buffer"), "buffer dropped after a failed paste")
	assert.Nil(t, findCall(fake.calls, "display-message"), "no wake after a failed paste")
}

func TestSend_LoadFailure(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.errs[key("tmux", "load-buffer", "-b", "corral-1-task", "-")] = errors.New("exit status 1")

	err := d.Send(context.Background(), "corral-1", "go")
	var sendErr *driver.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Contains(t, err.Error(), "load-buffer")
	assert.Nil(t, findCall(fake.calls, "paste-buffer"))
}

func TestReadOutput(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	d.History = 500
	fake.output[key("tmux", "capture-pane", "-p", "-J", "-S", "-500", "-t", "corral-1")] = "hello\n❯"

	out, err := d.ReadOutput(context.Background(), "corral-1")
	require.NoError(t, err)
	assert.Equal(t, "hello\n❯", out)
}

func TestReadOutputFailure(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.errs[key("tmux", "capture-pane", "-p", "-J", "-S", "-2000", "-t", "corral-1")] = errors.New("exit status 1")

	_, err := d.ReadOutput(context.Background(), "corral-1")
	var readErr *driver.ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "corral-1", readErr.WorkerID)
}

func TestClose(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		err     error
		wantErr bool
	}{
		{name: "killed", out: "", err: nil},
		{name: "already gone", out: "can't find session: corral-1", err: errors.New("exit status 1")},
		{name: "no server", out: "no server running on /tmp/tmux-0/default", err: errors.New("exit status 1")},
		{name: "other failure", out: "permission denied", err: errors.New("exit status 1"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCmd()
			d := newTestDriver(fake)
			k := key("tmux", "kill-session", "-t", "corral-1")
			fake.output[k] = tt.out
			if tt.err != nil {
				fake.errs[k] = tt.err
			}

			err := d.Close(context.Background(), "corral-1")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var closeErr *driver.CloseError
			assert.ErrorAs(t, err, &closeErr)
		})
	}
}

func TestListAllFiltersPrefix(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	fake.output[key("tmux", "list-sessions", "-F", "#{session_name}")] = "main\ncorral-aaaa1111\nscratch\ncorral-bbbb2222\n"

	ids, err := d.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"corral-aaaa1111", "corral-bbbb2222"}, ids)
}

func TestListAllNoServer(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	k := key("tmux", "list-sessions", "-F", "#{session_name}")
	fake.output[k] = "no server running on /tmp/tmux-1000/default"
	fake.errs[k] = errors.New("exit status 1")

	ids, err := d.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFocus(t *testing.T) {
	fake := newFakeCmd()
	d := newTestDriver(fake)
	require.NoError(t, d.Focus(context.Background(), "corral-1"))
	assert.True(t, callHasArgPair(findCall(fake.calls, "switch-client"), "-t", "corral-1"))
}

func TestNewDefaults(t *testing.T) {
	d := New("", nil)
	assert.Equal(t, DefaultPrefix, d.Prefix)
	assert.IsType(t, &ExecRunner{}, d.Runner)
	assert.True(t, d.Owns("corral-x"))
	assert.False(t, d.Owns("other"))
}

type failingRunner struct {
	out string
	err error
}

func (f *failingRunner) Run(context.Context, string, ...string) (string, error) {
	return f.out, f.err
}

func (f *failingRunner) RunInput(context.Context, string, string, ...string) (string, error) {
	return f.out, f.err
}
