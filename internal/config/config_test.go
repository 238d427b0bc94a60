package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/kestrel/internal/scheduler"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Addr != ":8080" || cfg.Store.Backend != "memory" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Scheduler.LeaseDuration != 15*time.Second {
		t.Errorf("lease = %v, want 15s", cfg.Scheduler.LeaseDuration)
	}
	if cfg.Scheduler.QueueSize != scheduler.DefaultQueueSize {
		t.Errorf("queue size = %d", cfg.Scheduler.QueueSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
addr: ":9090"
log_format: json
store:
  backend: redis
  redis:
    addr: redis.internal:6379
    prefix: "kestrel:"
scheduler:
  lease_duration: 30s
  policy: fifo
tracing:
  exporter: stdout
worker_keys:
  s3cret:
    capabilities: [linux, gpu]
    description: render farm
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "redis.internal:6379" || cfg.Store.Redis.Prefix != "kestrel:" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Scheduler.LeaseDuration != 30*time.Second || cfg.Scheduler.SweepInterval != 5*time.Second {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}

	if k, ok := cfg.WorkerKeys["s3cret"]; !ok || len(k.Capabilities) != 2 || k.Description != "render farm" {
		t.Errorf("worker_keys = %+v", cfg.WorkerKeys)
	}

	sc, err := cfg.SchedulerConfig()
	if err != nil {
		t.Fatalf("SchedulerConfig: %v", err)
	}
	if sc.Policy.Name() != "fifo" || sc.LeaseDuration != 30*time.Second {
		t.Errorf("scheduler.Config = %+v", sc)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "addr: [unterminated"},
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"unknown policy", "scheduler:\n  policy: lifo\n"},
		{"negative queue", "scheduler:\n  queue_size: -1\n"},
		{"empty worker key", "worker_keys:\n  \"\": {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
