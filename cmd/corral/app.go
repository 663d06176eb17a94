package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"corral/pkg/config"
	"corral/pkg/dispatcher"
	"corral/pkg/driver"
	"corral/pkg/driver/ptydrv"
	"corral/pkg/driver/tmux"
	"corral/pkg/eventlog"
	"corral/pkg/poller"
	"corral/pkg/reaper"
	"corral/pkg/registry"
	"corral/pkg/runstore"
)

// globalFlags are the persistent flags every subcommand sees.
type globalFlags struct {
	driver   string
	logLevel string
}

// app is everything one CLI invocation needs, wired from config.
type app struct {
	cfg    config.Config
	paths  *config.Paths
	drv    driver.Driver
	owns   func(id string) bool
	logger *slog.Logger
	events *eventlog.Writer // nil when the event log could not be opened
	store  *runstore.Store
	reg    *registry.Registry
	reaper *reaper.Reaper
	disp   *dispatcher.Dispatcher
}

// loadApp resolves paths, loads config, applies flag overrides and opens
// the driver and event log.
func loadApp(stderr io.Writer, gf *globalFlags) (*app, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}

	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if gf.driver != "" {
		cfg.Driver = gf.driver
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(stderr, cfg.LogLevel)
	drv, owns := newDriver(cfg)

	events, err := eventlog.Open(paths.DBPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "warning: event log disabled: %v\n", err)
	}

	return assemble(cfg, paths, drv, owns, logger, events), nil
}

// assemble builds the registry, poller, reaper and dispatcher around drv.
func assemble(cfg config.Config, paths *config.Paths, drv driver.Driver, owns func(string) bool, logger *slog.Logger, events *eventlog.Writer) *app {
	var (
		regOpts []registry.Option
		sink    dispatcher.EventSink
	)
	if events != nil {
		regOpts = append(regOpts, registry.WithObserver(events))
		sink = events
	}
	if owns == nil {
		owns = func(string) bool { return true }
	}

	reg := registry.New(regOpts...)
	p := poller.New(drv, reg,
		poller.WithSettings(cfg.Settings()),
		poller.WithClassifier(cfg.Classifier()),
	)
	r := reaper.New(drv, reg,
		reaper.WithGrace(cfg.Grace.Std()),
		reaper.WithExitText(cfg.ExitText),
		reaper.WithLogger(logger),
	)
	d := dispatcher.New(drv, reg, p, r,
		dispatcher.WithConfig(cfg.Dispatcher()),
		dispatcher.WithEventSink(sink),
		dispatcher.WithLogger(logger),
	)

	return &app{
		cfg:    cfg,
		paths:  paths,
		drv:    drv,
		owns:   owns,
		logger: logger,
		events: events,
		store:  runstore.New(paths.RunsPath),
		reg:    reg,
		reaper: r,
		disp:   d,
	}
}

// Close releases the event log.
func (a *app) Close() error {
	if a.events != nil {
		return a.events.Close()
	}
	return nil
}

// newDriver returns the configured driver and its ownership test.
func newDriver(cfg config.Config) (driver.Driver, func(string) bool) {
	if cfg.Driver == config.DriverPTY {
		d := ptydrv.New(cfg.Command)
		return d, d.Owns
	}
	d := tmux.New(cfg.SessionPrefix, cfg.Command)
	return d, d.Owns
}

// newLogger returns a text handler on w at the named level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
