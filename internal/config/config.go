// Package config provides configuration loading for concierge.
//
// Configuration is read from a YAML file and overridden by CONCIERGE_* environment
// variables. See LoadWithFile for precedence and validation rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Execution modes for the conversation engine.
const (
	ModeLocal    = "local"
	ModeTemporal = "temporal"
)

// Config holds the complete concierge configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Engine      EngineConfig      `koanf:"engine"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Redis       RedisConfig       `koanf:"redis"`
	NATS        NATSConfig        `koanf:"nats"`
	LLM         LLMConfig         `koanf:"llm"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"` // requests per second per client, 0 disables
	Burst           int      `koanf:"burst"`
}

// EngineConfig controls planning and staged execution.
type EngineConfig struct {
	Mode             string   `koanf:"mode"`
	StepTimeout      Duration `koanf:"step_timeout"`
	MaxParallelSteps int      `koanf:"max_parallel_steps"`
	PlanningAttempts int      `koanf:"planning_attempts"`
	QuestionTimeout  Duration `koanf:"question_timeout"` // 0 waits forever
	InboxLimit       int      `koanf:"inbox_limit"`
	LockTTL          Duration `koanf:"lock_ttl"`
	LeaseTTL         Duration `koanf:"lease_ttl"`
}

// TemporalConfig holds Temporal client and worker settings.
type TemporalConfig struct {
	HostPort           string `koanf:"host_port"`
	Namespace          string `koanf:"namespace"`
	TaskQueue          string `koanf:"task_queue"`
	ContinueAsNewAfter int    `koanf:"continue_as_new_after"`
}

// RedisConfig holds the event log connection.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// NATSConfig holds the observability sink transport.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueSize     int    `koanf:"queue_size"`
}

// LLMConfig holds the reasoning backend settings.
type LLMConfig struct {
	Provider   string   `koanf:"provider"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	BaseURL    string   `koanf:"base_url"`
	RateLimit  float64  `koanf:"rate_limit"` // requests per second
	Burst      int      `koanf:"burst"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`

	// Temperature is passed to the model when set, zero included.
	Temperature *float64 `koanf:"temperature"`

	Redaction RedactionConfig `koanf:"redaction"`
}

// RedactionConfig controls secret redaction of prompts sent to the model.
type RedactionConfig struct {
	Disabled bool `koanf:"disabled"`
	// AllowList holds patterns for values that are sent unredacted, such as
	// published test card numbers.
	AllowList []string `koanf:"allow_list"`
}

// MaintenanceConfig controls the inactivity sweep.
type MaintenanceConfig struct {
	Enabled          bool     `koanf:"enabled"`
	InactivityWindow Duration `koanf:"inactivity_window"`
	Interval         Duration `koanf:"interval"`
}

// LoggingConfig is the subset of logging settings exposed through the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed through the
// config file. Unset fields keep the telemetry package defaults.
type TelemetryConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Endpoint     string   `koanf:"endpoint"`
	Protocol     string   `koanf:"protocol"`
	ServiceName  string   `koanf:"service_name"`
	Insecure     *bool    `koanf:"insecure"`
	SamplingRate *float64 `koanf:"sampling_rate"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit cannot be negative"))
	}
	if c.Engine.Mode != ModeLocal && c.Engine.Mode != ModeTemporal {
		errs = append(errs, fmt.Errorf("engine.mode must be %q or %q, got %q", ModeLocal, ModeTemporal, c.Engine.Mode))
	}
	if c.Engine.StepTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("engine.step_timeout must be positive"))
	}
	if c.Engine.MaxParallelSteps < 1 {
		errs = append(errs, fmt.Errorf("engine.max_parallel_steps must be >= 1, got %d", c.Engine.MaxParallelSteps))
	}
	if c.Engine.PlanningAttempts < 1 {
		errs = append(errs, fmt.Errorf("engine.planning_attempts must be >= 1, got %d", c.Engine.PlanningAttempts))
	}
	if c.Engine.InboxLimit < 1 {
		errs = append(errs, fmt.Errorf("engine.inbox_limit must be >= 1, got %d", c.Engine.InboxLimit))
	}
	if c.Engine.Mode == ModeTemporal && c.Temporal.HostPort == "" {
		errs = append(errs, errors.New("temporal.host_port is required in temporal mode"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.LLM.RateLimit < 0 {
		errs = append(errs, errors.New("llm.rate_limit cannot be negative"))
	}
	if c.Maintenance.Enabled && c.Maintenance.InactivityWindow.Duration() <= 0 {
		errs = append(errs, errors.New("maintenance.inactivity_window must be positive when maintenance is enabled"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.Burst == 0 {
		cfg.Server.Burst = 20
	}

	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = ModeLocal
	}
	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = Duration(2 * time.Minute)
	}
	if cfg.Engine.MaxParallelSteps == 0 {
		cfg.Engine.MaxParallelSteps = 4
	}
	if cfg.Engine.PlanningAttempts == 0 {
		cfg.Engine.PlanningAttempts = 2
	}
	if cfg.Engine.InboxLimit == 0 {
		cfg.Engine.InboxLimit = 32
	}
	if cfg.Engine.LockTTL == 0 {
		cfg.Engine.LockTTL = Duration(5 * time.Minute)
	}
	if cfg.Engine.LeaseTTL == 0 {
		cfg.Engine.LeaseTTL = Duration(30 * time.Second)
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "concierge-tickets"
	}
	if cfg.Temporal.ContinueAsNewAfter == 0 {
		cfg.Temporal.ContinueAsNewAfter = 500
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "concierge:"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "concierge"
	}
	if cfg.NATS.QueueSize == 0 {
		cfg.NATS.QueueSize = 256
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 5
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 5
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(60 * time.Second)
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}

	if cfg.Maintenance.InactivityWindow == 0 {
		cfg.Maintenance.InactivityWindow = Duration(60 * time.Minute)
	}
	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = Duration(5 * time.Minute)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
