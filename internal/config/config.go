// Package config provides configuration loading for researchd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Every section has working defaults; a bare binary with an
// API key serves runs out of an in-memory store.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete researchd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	NATS          NATSConfig          `koanf:"nats"`
	Anthropic     AnthropicConfig     `koanf:"anthropic"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Admission     AdmissionConfig     `koanf:"admission"`
	Clarification ClarificationConfig `koanf:"clarification"`
	Coercion      CoercionConfig      `koanf:"coercion"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects and configures the checkpoint store.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`

	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `koanf:"path"`
}

// NATSConfig holds event publishing configuration. Publishing is
// disabled when URL is empty.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// AnthropicConfig holds model invocation configuration.
type AnthropicConfig struct {
	APIKey    Secret `koanf:"api_key"`
	Model     string `koanf:"model"`
	MaxTokens int    `koanf:"max_tokens"`
}

// PipelineConfig holds the stage pipeline and execution policy.
type PipelineConfig struct {
	// DefinitionPath is the YAML file declaring the stages.
	DefinitionPath string `koanf:"definition_path"`

	InvokeTimeout  Duration `koanf:"invoke_timeout"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// AdmissionConfig holds quota and rate-limit settings.
type AdmissionConfig struct {
	MaxStagesPerRun    int     `koanf:"max_stages_per_run"`
	RunQuotaPerOwner   int     `koanf:"run_quota_per_owner"`
	StartRatePerMinute float64 `koanf:"start_rate_per_minute"`
	StartBurst         int     `koanf:"start_burst"`
}

// ClarificationConfig holds the mid-pipeline question policy.
type ClarificationConfig struct {
	AnswerTTL     Duration `koanf:"answer_ttl"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// CoercionConfig holds the output-normalization vocabulary source.
type CoercionConfig struct {
	// TablesPath is the YAML file of enum vocabularies and synonyms.
	// Empty means schemas rely on their inline vocabularies only.
	TablesPath string `koanf:"tables_path"`

	// Watch reloads the tables file on change.
	Watch bool `koanf:"watch"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	// OTLPProtocol is "grpc" or "http/protobuf".
	OTLPProtocol string  `koanf:"otlp_protocol"`
	OTLPInsecure bool    `koanf:"otlp_insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Default returns the baseline configuration before file and environment
// overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9190,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "researchd.db",
		},
		Anthropic: AnthropicConfig{
			MaxTokens: 4096,
		},
		Pipeline: PipelineConfig{
			DefinitionPath: "pipeline.yaml",
			InvokeTimeout:  Duration(5 * time.Minute),
			MaxAttempts:    4,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
		},
		Admission: AdmissionConfig{
			MaxStagesPerRun:    20,
			StartRatePerMinute: 6,
			StartBurst:         3,
		},
		Clarification: ClarificationConfig{
			AnswerTTL:     Duration(24 * time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "researchd",
			OTLPEndpoint:    "localhost:4317",
			OTLPProtocol:    "grpc",
			OTLPInsecure:    true,
			SamplingRate:    1.0,
		},
	}
}

// Validate checks the configuration for contradictions. Defaults are
// already applied when this runs.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q (want sqlite or memory)", c.Storage.Driver)
	}

	if c.Pipeline.DefinitionPath == "" {
		return errors.New("pipeline.definition_path is required")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Admission.MaxStagesPerRun < 1 {
		return fmt.Errorf("admission.max_stages_per_run must be at least 1, got %d", c.Admission.MaxStagesPerRun)
	}
	if c.Clarification.AnswerTTL.Duration() <= 0 {
		return errors.New("clarification.answer_ttl must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
