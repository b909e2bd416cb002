package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvGitHubToken, "")
	t.Setenv(EnvWebhookSecret, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Errorf("Expected 1s tick, got %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Planner.MaxTasks != 5 {
		t.Errorf("Expected 5 planner tasks, got %d", cfg.Planner.MaxTasks)
	}
	if cfg.GitHub.Retry.MaxRetries != 3 {
		t.Errorf("Expected retry defaults, got %+v", cfg.GitHub.Retry)
	}
}

func TestLoadFromProject(t *testing.T) {
	t.Setenv(EnvGitHubToken, "env-token")
	t.Setenv(EnvWebhookSecret, "")
	root := t.TempDir()

	writeFile(t, Path(root), `
project:
  owner: endorhq
  repo: rover
verbose: true
scheduler:
  tick_interval: 250ms
  global_max: 4
  by_step:
    push: 1
reasoning:
  binary: claude
  timeout: 5m
github:
  token: file-token
  retry:
    max_retries: 5
server:
  listen: 0.0.0.0:9000
  webhook_rate_limit: 1
  webhook_burst: 2
planner:
  max_tasks: 2
`)

	cfg, err := LoadFromProject(root)
	if err != nil {
		t.Fatalf("LoadFromProject failed: %v", err)
	}
	if cfg.Project.Root != root {
		t.Errorf("Expected root %s, got %s", root, cfg.Project.Root)
	}
	if cfg.Project.Owner != "endorhq" || cfg.Project.Repo != "rover" {
		t.Errorf("Unexpected project %+v", cfg.Project)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond || cfg.Scheduler.GlobalMax != 4 {
		t.Errorf("Unexpected scheduler %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.ByStep["push"] != 1 {
		t.Errorf("Expected push override, got %v", cfg.Scheduler.ByStep)
	}
	if cfg.Reasoning.Timeout != 5*time.Minute {
		t.Errorf("Expected 5m timeout, got %s", cfg.Reasoning.Timeout)
	}
	if cfg.GitHub.Token != "env-token" {
		t.Errorf("Expected environment token to win, got %q", cfg.GitHub.Token)
	}
	if cfg.GitHub.Retry.MaxRetries != 5 || cfg.GitHub.Retry.InitialBackoff != time.Second {
		t.Errorf("Expected merged retry config, got %+v", cfg.GitHub.Retry)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected verbose to lower the log level, got %s", cfg.Log.Level)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Unexpected listen address %s", cfg.Server.Listen)
	}
	if want := filepath.Join(root, ".rover", "automation", "pipeline.db"); cfg.DatabasePath() != want {
		t.Errorf("Expected database %s, got %s", want, cfg.DatabasePath())
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"bad yaml", "scheduler: [", "parsing config file"},
		{"unknown step", "scheduler:\n  by_step:\n    deploy: 1\n", "unknown action type"},
		{"zero limit", "scheduler:\n  by_step:\n    push: 0\n", "must be positive"},
		{"owner without repo", "project:\n  owner: endorhq\n", "set together"},
		{"bad log format", "log:\n  format: xml\n", "unknown log format"},
		{"no planner tasks", "planner:\n  max_tasks: 0\n", "max_tasks"},
		{"empty listen", "server:\n  listen: \"\"\n", "server.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			writeFile(t, path, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	t.Setenv(EnvGitHubToken, "")
	t.Setenv(EnvWebhookSecret, "")
	path := filepath.Join(t.TempDir(), ".rover", FileName)

	cfg := DefaultConfig()
	cfg.GitHub.Token = "secret-token"
	cfg.Project.Owner, cfg.Project.Repo = "o", "r"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-token") {
		t.Error("Saved config must not contain the token")
	}
	if cfg.GitHub.Token != "secret-token" {
		t.Error("Save must not modify the caller's config")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Project.Owner != "o" || loaded.Scheduler.GlobalMax != cfg.Scheduler.GlobalMax {
		t.Errorf("Round trip mismatch: %+v", loaded.Project)
	}

	if err := Save(path, nil); err == nil {
		t.Error("Expected error saving nil config")
	}
}

func TestDataDirOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/rover"
	if got := cfg.DatabasePath(); got != filepath.Join("/var/lib/rover", "pipeline.db") {
		t.Errorf("Unexpected database path %s", got)
	}
}
