package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/kestrel/internal/observability"
	"github.com/me/kestrel/internal/scheduler"
	"github.com/me/kestrel/internal/store"
)

// ServerConfig holds configuration for the kestrel server.
type ServerConfig struct {
	Addr      string                      `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string                      `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string                      `yaml:"log_format"` // text, json
	Store     store.Config                `yaml:"store"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Tracing   observability.TracingConfig `yaml:"tracing"`

	// WorkerKeys maps X-Worker-Key values to what the key may claim. Empty
	// disables worker authentication.
	WorkerKeys map[string]WorkerKey `yaml:"worker_keys"`
}

// WorkerKey restricts the capabilities a worker may register with. An empty
// Capabilities list allows any.
type WorkerKey struct {
	Capabilities []string `yaml:"capabilities"`
	Description  string   `yaml:"description"`
}

// SchedulerConfig is the file form of scheduler.Config.
type SchedulerConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	Policy        string        `yaml:"policy"` // random, fifo
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	sc := scheduler.DefaultConfig()
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Store:     store.Config{Backend: store.BackendMemory},
		Scheduler: SchedulerConfig{
			QueueSize:     sc.QueueSize,
			LeaseDuration: sc.LeaseDuration,
			SweepInterval: sc.SweepInterval,
			OpTimeout:     sc.OpTimeout,
			Policy:        "random",
		},
		Tracing: observability.TracingConfig{Exporter: "none"},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with.
func (c ServerConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.Backend) {
	case "", store.BackendMemory, store.BackendSQLite, store.BackendBadger, store.BackendRedis:
	case store.BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if _, err := scheduler.ParsePolicy(c.Scheduler.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.QueueSize < 0 {
		errs = append(errs, errors.New("scheduler.queue_size must not be negative"))
	}
	for key := range c.WorkerKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, errors.New("worker_keys must not contain an empty key"))
		}
	}
	if c.Scheduler.LeaseDuration < 0 || c.Scheduler.SweepInterval < 0 {
		errs = append(errs, errors.New("scheduler durations must not be negative"))
	}
	return errors.Join(errs...)
}

// SchedulerConfig converts the file form into scheduler.Config.
func (c ServerConfig) SchedulerConfig() (scheduler.Config, error) {
	policy, err := scheduler.ParsePolicy(c.Scheduler.Policy)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		QueueSize:     c.Scheduler.QueueSize,
		LeaseDuration: c.Scheduler.LeaseDuration,
		SweepInterval: c.Scheduler.SweepInterval,
		OpTimeout:     c.Scheduler.OpTimeout,
		Policy:        policy,
	}, nil
}
