// Package config defines the orchestrator's configuration surface and its
// defaults (spec.md §6). Loading a config from disk and templating it is out
// of scope for the core (an external caller owns that); this package only
// validates and fills in defaults for an already-parsed struct, the same
// division of labor the teacher's internal/types.TeamsConfig had relative to
// cmd/cliaimonitor's flag-driven main().
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// RiskWeights is the configured weight table used by the confidence tracker
// to score risk booleans in a decision context.
type RiskWeights struct {
	Security       float64 `yaml:"security"`
	Architecture   float64 `yaml:"architecture"`
	Performance    float64 `yaml:"performance"`
	CustomerFacing float64 `yaml:"customer_facing"`
	CriticalPath   float64 `yaml:"critical_path"`
}

// Config enumerates every tunable named in spec.md §6, with the defaults
// given there.
type Config struct {
	MaxAgents              int           `yaml:"max_agents"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	TimeoutThreshold       time.Duration `yaml:"timeout_threshold"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	MaxRecoveryAttempts    int           `yaml:"max_recovery_attempts"`
	AgentStartupTimeout    time.Duration `yaml:"agent_startup_timeout"`
	TaskTimeout            time.Duration `yaml:"task_timeout"`
	QueueMaxSize           int           `yaml:"queue_max_size"` // 0 = unbounded

	MinSamples           int     `yaml:"min_samples"`
	HighSuccessThreshold float64 `yaml:"high_success_threshold"`
	BaseThreshold        float64 `yaml:"base_threshold"`
	HighRiskThreshold    float64 `yaml:"high_risk_threshold"`
	RiskWeights          RiskWeights `yaml:"risk_weights"`

	MaxPRSize   int `yaml:"max_pr_size"`
	MinCoverage int `yaml:"min_coverage"`

	EventBuffer   int           `yaml:"event_buffer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration with every default from spec.md §6 applied.
func Default() Config {
	return Config{
		MaxAgents:              10,
		HeartbeatInterval:      30 * time.Second,
		TimeoutThreshold:       900 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxRecoveryAttempts:    2,
		AgentStartupTimeout:    30 * time.Second,
		TaskTimeout:            300 * time.Second,
		QueueMaxSize:           0,

		MinSamples:           5,
		HighSuccessThreshold: 0.90,
		BaseThreshold:        0.75,
		HighRiskThreshold:    0.85,
		RiskWeights: RiskWeights{
			Security:       0.4,
			Architecture:   0.3,
			Performance:    0.2,
			CustomerFacing: 0.3,
			CriticalPath:   0.4,
		},

		MaxPRSize:   500,
		MinCoverage: 80,

		EventBuffer:   1024,
		FlushInterval: 500 * time.Millisecond,
		BatchSize:     64,
		MaxRetries:    3,
		RetryDelay:    200 * time.Millisecond,

		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadYAML parses YAML bytes over top of Default(), so a partial config file
// only needs to name the fields it overrides.
func LoadYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyZeroDefaults()
	return cfg, nil
}

// applyZeroDefaults restores defaults for fields a partial YAML document left
// at Go's zero value, mirroring the teacher's pattern of tolerating sparse
// teams.yaml/projects.yaml documents.
func (c *Config) applyZeroDefaults() {
	d := Default()
	if c.MaxAgents == 0 {
		c.MaxAgents = d.MaxAgents
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.TimeoutThreshold == 0 {
		c.TimeoutThreshold = d.TimeoutThreshold
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.AgentStartupTimeout == 0 {
		c.AgentStartupTimeout = d.AgentStartupTimeout
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MinSamples == 0 {
		c.MinSamples = d.MinSamples
	}
	if c.HighSuccessThreshold == 0 {
		c.HighSuccessThreshold = d.HighSuccessThreshold
	}
	if c.BaseThreshold == 0 {
		c.BaseThreshold = d.BaseThreshold
	}
	if c.HighRiskThreshold == 0 {
		c.HighRiskThreshold = d.HighRiskThreshold
	}
	if c.RiskWeights == (RiskWeights{}) {
		c.RiskWeights = d.RiskWeights
	}
	if c.MaxPRSize == 0 {
		c.MaxPRSize = d.MaxPRSize
	}
	if c.MinCoverage == 0 {
		c.MinCoverage = d.MinCoverage
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}
