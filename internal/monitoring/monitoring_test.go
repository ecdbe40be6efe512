package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	logger := NewLogger("warn", LogFormatJSON)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	// Unknown levels fall back to info instead of failing startup.
	logger = NewLogger("nonsense", LogFormatJSON)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestSamplerRegistersGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSampler(reg, zerolog.Nop(), time.Second)
	require.NotNil(t, s)

	s.collect()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ws_memory_bytes"])
	assert.True(t, names["ws_goroutines_active"])
}
