package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved corral state file paths.
type Paths struct {
	Home       string // ~/.corral or CORRAL_HOME
	ConfigPath string // config.toml or CORRAL_CONFIG
	DBPath     string // events.db or CORRAL_DB_PATH
	RunsPath   string // runs.json or CORRAL_RUNS_PATH
}

// ResolvePaths returns all corral paths, respecting env var overrides.
// Environment variables:
//   - CORRAL_HOME: base directory for all state (default: ~/.corral)
//   - CORRAL_CONFIG: config file (default: $CORRAL_HOME/config.toml, or
//     config.yaml / config.yml when only one of those exists)
//   - CORRAL_DB_PATH: event log database (default: $CORRAL_HOME/events.db)
//   - CORRAL_RUNS_PATH: background handle store (default: $CORRAL_HOME/runs.json)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:       home,
		ConfigPath: resolveConfigPath(home),
		DBPath:     resolvePathWithEnv("CORRAL_DB_PATH", home, "events.db"),
		RunsPath:   resolvePathWithEnv("CORRAL_RUNS_PATH", home, "runs.json"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("CORRAL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, Dir), nil
}

func resolveConfigPath(home string) string {
	if v := os.Getenv("CORRAL_CONFIG"); v != "" {
		return v
	}
	tomlPath := filepath.Join(home, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return tomlPath
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
