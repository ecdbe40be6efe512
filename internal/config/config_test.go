package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WS_JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, QueueDriverRedis, cfg.QueueDriver)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxBufferedBytes)
	assert.Equal(t, 1024, cfg.MaxQueueLength)
	assert.Equal(t, 500, cfg.OutboundLogLimit)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Minute, cfg.ResumeTokenTTL)
	assert.Equal(t, 100, cfg.MaxReplayBatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WS_ADDR", ":9000")
	t.Setenv("WS_QUEUE_DRIVER", "nats")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("WS_REPLAY_BATCH_SIZE", "25")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, QueueDriverNATS, cfg.QueueDriver)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 25, cfg.MaxReplayBatchSize)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("WS_JWT_SECRET", "")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	setRequired(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"short jwt secret", "WS_JWT_SECRET", "short"},
		{"unknown queue driver", "WS_QUEUE_DRIVER", "kafka"},
		{"zero queue length", "WS_MAX_QUEUE_LENGTH", "0"},
		{"sub-second heartbeat", "WS_HEARTBEAT_INTERVAL", "100ms"},
		{"sub-minute token ttl", "WS_RESUME_TOKEN_TTL", "5s"},
		{"bad log level", "LOG_LEVEL", "trace"},
		{"bad log format", "LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestHubOptionsMapping(t *testing.T) {
	setRequired(t)
	t.Setenv("WS_MAX_BUFFERED_BYTES", "1048576")
	t.Setenv("WS_OUTBOUND_LOG_LIMIT", "50")

	cfg, err := Load(nil)
	require.NoError(t, err)

	opts := cfg.HubOptions()
	assert.Equal(t, int64(1048576), opts.MaxBufferedBytes)
	assert.Equal(t, 50, opts.OutboundLogLimit)
	assert.Equal(t, cfg.HeartbeatInterval, opts.HeartbeatInterval)
	assert.Equal(t, cfg.ResumeTokenTTL, opts.ResumeTokenTTL)
}
