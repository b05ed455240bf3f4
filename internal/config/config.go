// Package config loads the dispatch core's TOML configuration, with
// environment variables overriding file values for secrets and
// per-deployment knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// BatcherConfig configures one named Batcher instance.
type BatcherConfig struct {
	Capacity int           `toml:"capacity"`
	Delay    time.Duration `toml:"delay"`
}

// RetryConfig configures RetryingRequest defaults.
type RetryConfig struct {
	MaxRetries int           `toml:"max_retries"`
	BaseDelay  time.Duration `toml:"base_delay"`
}

// TransportConfig configures the outbound HTTPTransport.
type TransportConfig struct {
	Timeout                   time.Duration `toml:"timeout"`
	CircuitBreakerEnabled     bool          `toml:"circuit_breaker_enabled"`
	CircuitBreakerRatio       float64       `toml:"circuit_breaker_ratio"`
	CircuitBreakerMinRequests uint32        `toml:"circuit_breaker_min_requests"`
	SuppressNotFoundLogging   bool          `toml:"suppress_not_found_logging"`
}

// AuthConfig configures the JWT authenticator and its secret backend.
type AuthConfig struct {
	Provider string        `toml:"provider"` // vault, aws, gcp
	KeyID    string        `toml:"key_id"`
	Issuer   string        `toml:"issuer"`
	Subject  string        `toml:"subject"`
	TTL      time.Duration `toml:"ttl"`
}

// LeaderConfig configures the leader election backend.
type LeaderConfig struct {
	Backend    string        `toml:"backend"` // redis, mongo
	LockKey    string        `toml:"lock_key"`
	LeaseTTL   time.Duration `toml:"lease_ttl"`
	RenewEvery time.Duration `toml:"renew_every"`
}

// IngestConfig configures SQS/NATS ingestion adapters.
type IngestConfig struct {
	Source string `toml:"source"` // sqs, nats

	SQSQueueURL          string `toml:"sqs_queue_url"`
	SQSWaitTimeSeconds   int32  `toml:"sqs_wait_time_seconds"`
	SQSVisibilityTimeout int32  `toml:"sqs_visibility_timeout"`

	NATSStreamName   string `toml:"nats_stream_name"`
	NATSConsumerName string `toml:"nats_consumer_name"`
	NATSURL          string `toml:"nats_url"`
}

// RateLimitConfig configures the per-host outbound rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// AdminAPIConfig configures the admin HTTP surface.
type AdminAPIConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	DebugUsername  string `toml:"debug_username"`
	DebugPasswordHash string `toml:"debug_password_hash"`
}

// Config is the top-level configuration document.
type Config struct {
	Batcher    BatcherConfig    `toml:"batcher"`
	Retry      RetryConfig      `toml:"retry"`
	Transport  TransportConfig  `toml:"transport"`
	Auth       AuthConfig       `toml:"auth"`
	Leader     LeaderConfig     `toml:"leader"`
	Ingest     IngestConfig     `toml:"ingest"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	AdminAPI   AdminAPIConfig   `toml:"admin_api"`
	RequestWorkers   int `toml:"request_workers"`
	ScheduledWorkers int `toml:"scheduled_workers"`
}

// Default returns a Config with every knob set to a sane default, so a
// deployment only needs to override what it cares about.
func Default() *Config {
	return &Config{
		Batcher: BatcherConfig{Capacity: 50, Delay: 2 * time.Second},
		Retry:   RetryConfig{MaxRetries: 3, BaseDelay: 4 * time.Second},
		Transport: TransportConfig{
			Timeout:                   30 * time.Second,
			CircuitBreakerEnabled:     true,
			CircuitBreakerRatio:       0.5,
			CircuitBreakerMinRequests: 10,
		},
		Auth:       AuthConfig{TTL: 5 * time.Minute},
		Leader:     LeaderConfig{LeaseTTL: 15 * time.Second, RenewEvery: 5 * time.Second},
		Ingest:     IngestConfig{SQSWaitTimeSeconds: 20, SQSVisibilityTimeout: 30},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		AdminAPI:   AdminAPIConfig{ListenAddr: ":8080"},
		RequestWorkers:   8,
		ScheduledWorkers: 2,
	}
}

// Load reads a TOML file at path into a Default()-seeded Config, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.RequestWorkers < 2 {
		return nil, fmt.Errorf("config: request_workers must be >= 2, got %d", cfg.RequestWorkers)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPLIKIT_ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminAPI.ListenAddr = v
	}
	if v := os.Getenv("REPLIKIT_SQS_QUEUE_URL"); v != "" {
		cfg.Ingest.SQSQueueURL = v
	}
	if v := os.Getenv("REPLIKIT_NATS_URL"); v != "" {
		cfg.Ingest.NATSURL = v
	}
	if v := os.Getenv("REPLIKIT_AUTH_KEY_ID"); v != "" {
		cfg.Auth.KeyID = v
	}
}
