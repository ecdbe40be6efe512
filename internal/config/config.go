// Package config loads runtime configuration from the environment with an
// optional .env convenience file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/hub"
)

// Queue drivers.
const (
	QueueDriverRedis = "redis"
	QueueDriverNATS  = "nats"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":3002"`

	// Broadcast source. The hub consumes one durable queue; the driver picks
	// which backend main wires up.
	QueueDriver string `env:"WS_QUEUE_DRIVER" envDefault:"redis"`

	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"relay.broadcast"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"relay:broadcast"`
	RedisGroup    string `env:"REDIS_STREAM_GROUP" envDefault:"relay-hub"`

	// Auth
	JWTSecret string `env:"WS_JWT_SECRET,required"`
	JWTIssuer string `env:"WS_JWT_ISSUER" envDefault:""`

	// Per-connection limits
	MaxBufferedBytes   int64         `env:"WS_MAX_BUFFERED_BYTES" envDefault:"5242880"` // 5 MiB
	MaxQueueLength     int           `env:"WS_MAX_QUEUE_LENGTH" envDefault:"1024"`
	OutboundLogLimit   int           `env:"WS_OUTBOUND_LOG_LIMIT" envDefault:"500"`
	HeartbeatInterval  time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"60s"`
	ResumeTokenTTL     time.Duration `env:"WS_RESUME_TOKEN_TTL" envDefault:"15m"`
	MaxReplayBatchSize int           `env:"WS_REPLAY_BATCH_SIZE" envDefault:"100"`

	// Rate limiting (per account)
	ConnRatePerSec float64 `env:"WS_CONN_RATE" envDefault:"1"`
	ConnBurst      int     `env:"WS_CONN_BURST" envDefault:"5"`
	MsgRatePerSec  float64 `env:"WS_MSG_RATE" envDefault:"50"`
	MsgBurst       int     `env:"WS_MSG_BURST" envDefault:"100"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// The .env file is a development convenience; in production the
	// environment is the only source.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	if c.QueueDriver != QueueDriverRedis && c.QueueDriver != QueueDriverNATS {
		return fmt.Errorf("WS_QUEUE_DRIVER must be one of: redis, nats (got: %s)", c.QueueDriver)
	}
	if c.QueueDriver == QueueDriverNATS && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required with the nats queue driver")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required (resume state store)")
	}

	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("WS_JWT_SECRET must be at least 16 bytes, got %d", len(c.JWTSecret))
	}

	if c.MaxBufferedBytes < 1 {
		return fmt.Errorf("WS_MAX_BUFFERED_BYTES must be > 0, got %d", c.MaxBufferedBytes)
	}
	if c.MaxQueueLength < 1 {
		return fmt.Errorf("WS_MAX_QUEUE_LENGTH must be > 0, got %d", c.MaxQueueLength)
	}
	if c.OutboundLogLimit < 1 {
		return fmt.Errorf("WS_OUTBOUND_LOG_LIMIT must be > 0, got %d", c.OutboundLogLimit)
	}
	if c.MaxReplayBatchSize < 1 {
		return fmt.Errorf("WS_REPLAY_BATCH_SIZE must be > 0, got %d", c.MaxReplayBatchSize)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("WS_HEARTBEAT_INTERVAL must be >= 1s, got %s", c.HeartbeatInterval)
	}
	if c.ResumeTokenTTL < time.Minute {
		return fmt.Errorf("WS_RESUME_TOKEN_TTL must be >= 1m, got %s", c.ResumeTokenTTL)
	}

	if c.ConnRatePerSec <= 0 || c.MsgRatePerSec <= 0 {
		return fmt.Errorf("rate limits must be > 0 (conn: %.1f, msg: %.1f)", c.ConnRatePerSec, c.MsgRatePerSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// HubOptions maps the per-connection limits onto hub options.
func (c *Config) HubOptions() hub.Options {
	return hub.Options{
		MaxBufferedBytes:   c.MaxBufferedBytes,
		MaxQueueLength:     c.MaxQueueLength,
		OutboundLogLimit:   c.OutboundLogLimit,
		HeartbeatInterval:  c.HeartbeatInterval,
		ResumeTokenTTL:     c.ResumeTokenTTL,
		MaxReplayBatchSize: c.MaxReplayBatchSize,
	}
}

// LogConfig logs configuration using structured logging. The JWT secret is
// never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("queue_driver", c.QueueDriver).
		Str("nats_url", c.NATSURL).
		Str("nats_subject", c.NATSSubject).
		Str("redis_addr", c.RedisAddr).
		Str("redis_stream", c.RedisStream).
		Str("redis_group", c.RedisGroup).
		Int64("max_buffered_bytes", c.MaxBufferedBytes).
		Int("max_queue_length", c.MaxQueueLength).
		Int("outbound_log_limit", c.OutboundLogLimit).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("resume_token_ttl", c.ResumeTokenTTL).
		Int("replay_batch_size", c.MaxReplayBatchSize).
		Float64("conn_rate", c.ConnRatePerSec).
		Float64("msg_rate", c.MsgRatePerSec).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
