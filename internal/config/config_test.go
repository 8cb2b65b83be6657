package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("sync interval = %s, want 5m", cfg.Sync.Interval)
	}
	if cfg.Worker.Concurrency != 5 || cfg.Worker.RateLimit != 100 {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Jobs.Timeout != 300*time.Second || cfg.Jobs.MaxRetries != 3 {
		t.Errorf("job defaults = %+v", cfg.Jobs)
	}
	if cfg.Queue.BackoffBase != 60*time.Second {
		t.Errorf("backoff base = %s, want 60s", cfg.Queue.BackoffBase)
	}
	if cfg.Queue.Visibility != 90*time.Minute {
		t.Errorf("visibility timeout = %s, want 90m", cfg.Queue.Visibility)
	}
	if cfg.Retain.ExecutionDays != 90 || cfg.Retain.LogDays != 30 {
		t.Errorf("retention defaults = %+v", cfg.Retain)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronoq.yaml")
	body := `
sync:
  interval: 90s
worker:
  concurrency: 12
jobs:
  max_retries: 5
queue:
  prefix: jobsq
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("sync interval = %s, want 90s", cfg.Sync.Interval)
	}
	if cfg.Worker.Concurrency != 12 {
		t.Errorf("concurrency = %d, want 12", cfg.Worker.Concurrency)
	}
	if cfg.Jobs.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", cfg.Jobs.MaxRetries)
	}
	if cfg.Queue.Prefix != "jobsq" {
		t.Errorf("prefix = %q, want jobsq", cfg.Queue.Prefix)
	}
	// Untouched keys keep their defaults.
	if cfg.Worker.RateLimit != 100 {
		t.Errorf("rate_limit = %d, want default 100", cfg.Worker.RateLimit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronoq.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  concurrency: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHRONOQ_WORKER_CONCURRENCY", "8")
	t.Setenv("CHRONOQ_SAFETY_SYNC_INTERVAL", "2m")
	t.Setenv("CHRONOQ_DEFAULT_JOB_TIMEOUT", "120") // bare seconds

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("concurrency = %d, env override lost", cfg.Worker.Concurrency)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("sync interval = %s, want 2m", cfg.Sync.Interval)
	}
	if cfg.Jobs.Timeout != 120*time.Second {
		t.Errorf("timeout = %s, want 120s", cfg.Jobs.Timeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CHRONOQ_WORKER_CONCURRENCY", "0")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("concurrency 0 accepted")
	}
}

func TestLoadRejectsVisibilityBelowTimeout(t *testing.T) {
	// A lease shorter than the job timeout would redeliver dispatches
	// that are still legitimately running.
	t.Setenv("CHRONOQ_QUEUE_VISIBILITY_TIMEOUT", "2m")
	t.Setenv("CHRONOQ_DEFAULT_JOB_TIMEOUT", "5m")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("visibility below job timeout accepted")
	}
}
