package domain

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings for the ingress API
	Server ServerConfig `yaml:"server"`

	// Tier determines the default backend choices
	Tier Tier `yaml:"tier"`

	// Component configurations
	State  StateConfig  `yaml:"state"`
	Stream StreamConfig `yaml:"stream"`

	// Detection settings
	Rules     RulesConfig     `yaml:"rules"`
	Processor ProcessorConfig `yaml:"processor"`
	Emitter   EmitterConfig   `yaml:"emitter"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs single-process: memory state + channel stream.
	TierCommunity Tier = "community"

	// TierPro runs distributed: Redis state + Kafka stream.
	TierPro Tier = "pro"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// RulesConfig holds the heuristic thresholds. These are tunables, not a rule
// language: the heuristics themselves are fixed.
type RulesConfig struct {
	// LargeAmountThreshold triggers LargeAmount when amount exceeds it.
	// Currency-agnostic: amounts are compared without normalization.
	LargeAmountThreshold float64 `yaml:"largeAmountThreshold"`

	// RapidWindow is the span within which a full history triggers
	// RapidSuccession.
	RapidWindow time.Duration `yaml:"rapidWindow"`

	// RetriggerWhileSliding keeps RapidSuccession firing on every event
	// while the full window stays within RapidWindow. When false it fires
	// only on the event that first fills the history.
	RetriggerWhileSliding bool `yaml:"retriggerWhileSliding"`
}

// UnmarshalYAML decodes rule thresholds, accepting durations as strings
// ("30s") and leaving fields absent from the document untouched so a partial
// file overlays the defaults.
func (c *RulesConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LargeAmountThreshold  *float64 `yaml:"largeAmountThreshold"`
		RapidWindow           *string  `yaml:"rapidWindow"`
		RetriggerWhileSliding *bool    `yaml:"retriggerWhileSliding"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.LargeAmountThreshold != nil {
		c.LargeAmountThreshold = *raw.LargeAmountThreshold
	}
	if raw.RapidWindow != nil {
		d, err := time.ParseDuration(*raw.RapidWindow)
		if err != nil {
			return err
		}
		c.RapidWindow = d
	}
	if raw.RetriggerWhileSliding != nil {
		c.RetriggerWhileSliding = *raw.RetriggerWhileSliding
	}
	return nil
}

// ProcessorConfig holds event processor settings.
type ProcessorConfig struct {
	// MaxRetries bounds in-place retries of a transient failure before
	// the event is handed back to the stream for redelivery.
	MaxRetries int `yaml:"maxRetries"`

	// RetryInitialWait seeds the exponential backoff between retries.
	RetryInitialWait time.Duration `yaml:"retryInitialWait"`
}

// UnmarshalYAML decodes processor settings with string durations.
func (c *ProcessorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries       *int    `yaml:"maxRetries"`
		RetryInitialWait *string `yaml:"retryInitialWait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.RetryInitialWait != nil {
		d, err := time.ParseDuration(*raw.RetryInitialWait)
		if err != nil {
			return err
		}
		c.RetryInitialWait = d
	}
	return nil
}

// EmitterConfig holds alert emitter settings.
type EmitterConfig struct {
	// Dedup suppresses repeat alerts for the same
	// (userId, reason, transaction.id) within a bounded window. Off by
	// default: deduplication is the consumers' contract, this is an
	// optional belt on top.
	Dedup bool `yaml:"dedup"`

	// DedupSize bounds the number of remembered alert keys.
	DedupSize int `yaml:"dedupSize"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// DefaultConfig returns a default configuration for the Community tier:
// one process, in-memory state, channel stream.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		State: StateConfig{
			Backend: "memory",
		},
		Stream: StreamConfig{
			Type:              "channel",
			ChannelPartitions: 8,
			ChannelBufferSize: 1000,
		},
		Rules: RulesConfig{
			LargeAmountThreshold:  10_000,
			RapidWindow:           30 * time.Second,
			RetriggerWhileSliding: true,
		},
		Processor: ProcessorConfig{
			MaxRetries:       5,
			RetryInitialWait: 100 * time.Millisecond,
		},
		Emitter: EmitterConfig{
			Dedup:     false,
			DedupSize: 10_000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier: Redis state and a
// Kafka stream, matching the reference deployment.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.State = StateConfig{
		Backend:   "redis",
		RedisAddr: "localhost:6379",
	}
	cfg.Stream = StreamConfig{
		Type:         "kafka",
		KafkaBrokers: "localhost:9094",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
