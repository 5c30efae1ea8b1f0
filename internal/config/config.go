// Package config loads process configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion daemon.
type Config struct {
	DatabaseURL string         `yaml:"database_url"`
	RedisURL    string         `yaml:"redis_url"` // empty disables the Redis digest sink
	Fetch       FetchConfig    `yaml:"fetch"`
	Scheduler   SchedConfig    `yaml:"scheduler"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Bedrock     BedrockConfig  `yaml:"bedrock"`
}

// FetchConfig controls the HTTP feed fetcher and the IMAP fetcher.
type FetchConfig struct {
	UserAgent          string `yaml:"user_agent"`
	MaxRedirects       int    `yaml:"max_redirects"`
	MaxFeedSizeBytes   int64  `yaml:"max_feed_size_bytes"`
	RespectRobots      bool   `yaml:"respect_robots"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBaseSeconds   int    `yaml:"retry_base_seconds"`
	HostMinGapMillis   int    `yaml:"host_min_gap_ms"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxMessagesPerPoll int    `yaml:"max_messages_per_poll"`
}

// RetryBase returns the initial retry backoff as a duration.
func (c FetchConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// HostMinGap returns the minimum gap between requests to one host.
func (c FetchConfig) HostMinGap() time.Duration {
	return time.Duration(c.HostMinGapMillis) * time.Millisecond
}

// Timeout returns the end-to-end wall clock budget for one fetch attempt.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedConfig controls the polling scheduler loop.
type SchedConfig struct {
	TickSeconds          int `yaml:"tick_seconds"`
	BatchSize            int `yaml:"batch_size"`
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// TickPeriod returns the scheduler tick period as a duration.
func (c SchedConfig) TickPeriod() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// ShutdownGrace returns the drain budget applied on shutdown.
func (c SchedConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"`
}

// SweepPeriod returns the emit-sweeper period as a duration.
func (c PipelineConfig) SweepPeriod() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// BedrockConfig holds the optional LLM summarization stage settings.
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	ModelID string `yaml:"model_id"`
	Region  string `yaml:"region"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "feed-digest/1.0"
	}
	if cfg.Fetch.MaxRedirects == 0 {
		cfg.Fetch.MaxRedirects = 5
	}
	if cfg.Fetch.MaxFeedSizeBytes == 0 {
		cfg.Fetch.MaxFeedSizeBytes = 10 << 20 // 10 MiB
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = 3
	}
	if cfg.Fetch.RetryBaseSeconds == 0 {
		cfg.Fetch.RetryBaseSeconds = 2
	}
	if cfg.Fetch.HostMinGapMillis == 0 {
		cfg.Fetch.HostMinGapMillis = 1000
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = 60
	}
	if cfg.Fetch.MaxMessagesPerPoll == 0 {
		cfg.Fetch.MaxMessagesPerPoll = 100
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 5
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 20
	}
	if cfg.Scheduler.MaxConcurrentFetches == 0 {
		cfg.Scheduler.MaxConcurrentFetches = 8
	}
	if cfg.Scheduler.ShutdownGraceSeconds == 0 {
		cfg.Scheduler.ShutdownGraceSeconds = 10
	}
	if cfg.Pipeline.SweepSeconds == 0 {
		cfg.Pipeline.SweepSeconds = 30
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present so secrets can live in .env
// locally and in real env vars on deployed hosts. A missing config file is
// not an error; defaults plus env vars apply.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Bedrock.Region = region
	}

	return cfg, nil
}
