// Package config loads corral settings: built-in defaults, an optional
// config.toml or config.yaml under CORRAL_HOME, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"corral/pkg/dispatcher"
	"corral/pkg/idle"
	"corral/pkg/poller"
	"corral/pkg/reaper"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Driver names.
const (
	DriverTmux = "tmux"
	DriverPTY  = "pty"
)

// Dir is the default state directory under $HOME.
const Dir = ".corral"

// Config is the full set of tunables. Zero fields take defaults.
type Config struct {
	Driver        string   `toml:"driver" yaml:"driver"`
	Command       []string `toml:"command" yaml:"command"`
	SessionPrefix string   `toml:"session_prefix" yaml:"session_prefix"`

	SpawnSettle        Duration `toml:"spawn_settle" yaml:"spawn_settle"`
	PollInterval       Duration `toml:"poll_interval" yaml:"poll_interval"`
	PollTimeout        Duration `toml:"poll_timeout" yaml:"poll_timeout"`
	CheckTimeout       Duration `toml:"check_timeout" yaml:"check_timeout"`
	StabilityThreshold int      `toml:"stability_threshold" yaml:"stability_threshold"`
	MaxWorkers         int      `toml:"max_workers" yaml:"max_workers"`

	Grace    Duration `toml:"grace" yaml:"grace"`
	ExitText string   `toml:"exit_text" yaml:"exit_text"`

	PromptMarkers     []string `toml:"prompt_markers" yaml:"prompt_markers"`
	CompletionMarkers []string `toml:"completion_markers" yaml:"completion_markers"`
	ErrorMarkers      []string `toml:"error_markers" yaml:"error_markers"`

	LogLevel string `toml:"log_level" yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	return c.withDefaults()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Driver == "" {
		out.Driver = DriverTmux
	}
	if len(out.Command) == 0 {
		out.Command = []string{"claude"}
	}
	if out.SessionPrefix == "" {
		out.SessionPrefix = "corral-"
	}
	if out.SpawnSettle == 0 {
		out.SpawnSettle = Duration(2 * time.Second)
	}
	if out.PollInterval <= 0 {
		out.PollInterval = Duration(poller.DefaultInterval)
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = Duration(poller.DefaultTimeout)
	}
	if out.StabilityThreshold <= 0 {
		out.StabilityThreshold = poller.DefaultStabilityThreshold
	}
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 8
	}
	if out.Grace == 0 {
		out.Grace = Duration(reaper.DefaultGrace)
	}
	if out.ExitText == "" {
		out.ExitText = reaper.DefaultExitText
	}
	if len(out.PromptMarkers) == 0 {
		out.PromptMarkers = append([]string(nil), idle.DefaultPromptMarkers...)
	}
	if len(out.CompletionMarkers) == 0 {
		out.CompletionMarkers = append([]string(nil), idle.DefaultCompletionMarkers...)
	}
	if len(out.ErrorMarkers) == 0 {
		out.ErrorMarkers = append([]string(nil), idle.DefaultErrorMarkers...)
	}
	if out.LogLevel == "" {
		out.LogLevel = "warn"
	}
	return out
}

// Validate rejects values the rest of the system cannot act on.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverTmux, DriverPTY:
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverTmux, DriverPTY)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if strings.TrimSpace(strings.Join(c.Command, "")) == "" {
		return fmt.Errorf("worker command is empty")
	}
	return nil
}

// Settings returns the poller settings this config describes.
func (c Config) Settings() poller.Settings {
	return poller.Settings{
		Interval:           c.PollInterval.Std(),
		Timeout:            c.PollTimeout.Std(),
		StabilityThreshold: c.StabilityThreshold,
	}
}

// Classifier returns the idle classifier with this config's markers.
func (c Config) Classifier() idle.Classifier {
	cl := idle.Default()
	cl.PromptMarkers = c.PromptMarkers
	cl.CompletionMarkers = c.CompletionMarkers
	cl.ErrorMarkers = c.ErrorMarkers
	return cl
}

// Dispatcher returns the dispatcher configuration.
func (c Config) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		SpawnSettle:  c.SpawnSettle.Std(),
		CheckTimeout: c.CheckTimeout.Std(),
		MaxWorkers:   c.MaxWorkers,
	}
}

// Load reads path (if it exists) over the defaults and applies CORRAL_DRIVER.
// The format follows the extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user-chosen config path
		switch {
		case err == nil:
			if err := decode(path, data, &c); err != nil {
				return Config{}, err
			}
		case os.IsNotExist(err):
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if v := os.Getenv("CORRAL_DRIVER"); v != "" {
		c.Driver = v
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func decode(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// Duration is a time.Duration written as "1.5s" in config files.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration like time.Duration.String.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML accepts the same strings as UnmarshalText.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}
