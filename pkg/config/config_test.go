package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"corral/pkg/idle"
	"corral/pkg/reaper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, DriverTmux, c.Driver)
	assert.Equal(t, []string{"claude"}, c.Command)
	assert.Equal(t, "corral-", c.SessionPrefix)
	assert.Equal(t, 2*time.Second, c.SpawnSettle.Std())
	assert.Equal(t, time.Second, c.PollInterval.Std())
	assert.Equal(t, 5*time.Minute, c.PollTimeout.Std())
	assert.Equal(t, time.Duration(0), c.CheckTimeout.Std())
	assert.Equal(t, 3, c.StabilityThreshold)
	assert.Equal(t, 8, c.MaxWorkers)
	assert.Equal(t, reaper.DefaultGrace, c.Grace.Std())
	assert.Equal(t, reaper.DefaultExitText, c.ExitText)
	assert.Equal(t, idle.DefaultPromptMarkers, c.PromptMarkers)
	assert.Equal(t, "warn", c.LogLevel)
	require.NoError(t, c.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "")
	c, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "")
	p := writeFile(t, t.TempDir(), "config.toml", `
driver = "pty"
command = ["codex", "--full-auto"]
poll_interval = "250ms"
poll_timeout = "90s"
stability_threshold = 5
prompt_markers = ["$ "]
log_level = "debug"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, DriverPTY, c.Driver)
	assert.Equal(t, []string{"codex", "--full-auto"}, c.Command)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval.Std())
	assert.Equal(t, 90*time.Second, c.PollTimeout.Std())
	assert.Equal(t, 5, c.StabilityThreshold)
	assert.Equal(t, []string{"$ "}, c.PromptMarkers)
	assert.Equal(t, "corral-", c.SessionPrefix, "unset fields keep defaults")

	s := c.Settings()
	assert.Equal(t, 250*time.Millisecond, s.Interval)
	assert.Equal(t, 5, s.StabilityThreshold)
	assert.Equal(t, []string{"$ "}, c.Classifier().PromptMarkers)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "")
	p := writeFile(t, t.TempDir(), "config.yml", `
session_prefix: swarm-
spawn_settle: 500ms
check_timeout: 10s
max_workers: 2
grace: 1s
exit_text: /quit
error_markers: ["BOOM"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "swarm-", c.SessionPrefix)
	assert.Equal(t, time.Second, c.Grace.Std())
	assert.Equal(t, "/quit", c.ExitText)
	assert.Equal(t, []string{"BOOM"}, c.ErrorMarkers)

	d := c.Dispatcher()
	assert.Equal(t, 500*time.Millisecond, d.SpawnSettle)
	assert.Equal(t, 10*time.Second, d.CheckTimeout)
	assert.Equal(t, 2, d.MaxWorkers)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "")
	dir := t.TempDir()

	tests := []struct {
		name, file, body, want string
	}{
		{"bad toml", "config.toml", "driver = ", "parse"},
		{"bad duration", "config.toml", `poll_interval = "soon"`, "parse"},
		{"unknown driver", "config.yaml", "driver: screen", "unknown driver"},
		{"bad log level", "config.yaml", "log_level: loud", "unknown log level"},
		{"unsupported ext", "config.json", "{}", "unsupported config format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, tt.file, tt.body)
			_, err := Load(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDriverEnvOverride(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "pty")
	p := writeFile(t, t.TempDir(), "config.toml", `driver = "tmux"`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, DriverPTY, c.Driver)
}

func TestNegativeSettleMeansNone(t *testing.T) {
	t.Setenv("CORRAL_DRIVER", "")
	p := writeFile(t, t.TempDir(), "config.toml", `spawn_settle = "-1s"`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Negative(t, int64(c.SpawnSettle), "kept negative; the dispatcher treats it as no settle")
}
