package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_Defaults(t *testing.T) {
	t.Setenv("CORRAL_HOME", "")
	t.Setenv("CORRAL_CONFIG", "")
	t.Setenv("CORRAL_DB_PATH", "")
	t.Setenv("CORRAL_RUNS_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	base := filepath.Join(home, Dir)
	if paths.Home != base {
		t.Errorf("Home = %q, want %q", paths.Home, base)
	}
	if paths.DBPath != filepath.Join(base, "events.db") {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
	if paths.RunsPath != filepath.Join(base, "runs.json") {
		t.Errorf("RunsPath = %q", paths.RunsPath)
	}
}

func TestResolvePaths_HomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORRAL_HOME", dir)
	t.Setenv("CORRAL_CONFIG", "")
	t.Setenv("CORRAL_DB_PATH", "")
	t.Setenv("CORRAL_RUNS_PATH", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.Home != dir {
		t.Errorf("Home = %q, want %q", paths.Home, dir)
	}
	if paths.ConfigPath != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigPath = %q, want config.toml default", paths.ConfigPath)
	}
}

func TestResolvePaths_SpecificOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORRAL_HOME", dir)
	t.Setenv("CORRAL_CONFIG", "/etc/corral.yaml")
	t.Setenv("CORRAL_DB_PATH", "/tmp/custom.db")
	t.Setenv("CORRAL_RUNS_PATH", "/tmp/runs.json")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.ConfigPath != "/etc/corral.yaml" {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
	if paths.DBPath != "/tmp/custom.db" {
		t.Errorf("DBPath = %q", paths.DBPath)
	}
	if paths.RunsPath != "/tmp/runs.json" {
		t.Errorf("RunsPath = %q", paths.RunsPath)
	}
}

func TestResolvePaths_FindsYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORRAL_HOME", dir)
	t.Setenv("CORRAL_CONFIG", "")

	yml := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(yml, []byte("driver: pty\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.ConfigPath != yml {
		t.Errorf("ConfigPath = %q, want %q", paths.ConfigPath, yml)
	}
}
