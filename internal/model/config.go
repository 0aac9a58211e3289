// Package model defines the data structures shared by the task core:
// task definitions, run requests and completions, and configuration.
package model

type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Loop         LoopConfig         `yaml:"loop"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Journal      JournalConfig      `yaml:"journal"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type ExecutorConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	WaitDelayMs    int `yaml:"wait_delay_ms"` // grace period for output pipes after kill
}

type OrchestratorConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

type LoopConfig struct {
	PollCapMs          int `yaml:"poll_cap_ms"`
	MaxWorkers         int `yaml:"max_workers"` // 0 = unlimited
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type JournalConfig struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	Checksum  bool   `yaml:"checksum"`
}

const (
	DefaultPollIntervalMs     = 10
	DefaultWaitDelayMs        = 200
	DefaultQueueCapacity      = 128
	DefaultPollCapMs          = 250
	DefaultShutdownTimeoutSec = 5
)

// ApplyDefaults fills zero values with defaults.
func (c Config) ApplyDefaults() Config {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Executor.PollIntervalMs <= 0 {
		c.Executor.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.Executor.WaitDelayMs <= 0 {
		c.Executor.WaitDelayMs = DefaultWaitDelayMs
	}
	if c.Orchestrator.QueueCapacity <= 0 {
		c.Orchestrator.QueueCapacity = DefaultQueueCapacity
	}
	if c.Loop.PollCapMs <= 0 {
		c.Loop.PollCapMs = DefaultPollCapMs
	}
	if c.Loop.MaxWorkers < 0 {
		c.Loop.MaxWorkers = 0
	}
	if c.Loop.ShutdownTimeoutSec <= 0 {
		c.Loop.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	return c
}
