package monitoring

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler periodically publishes process resource usage as Prometheus
// gauges. Connection-level metrics live with the hub; this covers the
// process itself.
type Sampler struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process

	memoryUsage prometheus.Gauge
	memoryLimit prometheus.Gauge
	cpuUsage    prometheus.Gauge
	goroutines  prometheus.Gauge
	gomaxprocs  prometheus.Gauge
}

// NewSampler registers the system gauges on reg and returns a sampler that
// collects every interval once started.
func NewSampler(reg prometheus.Registerer, logger zerolog.Logger, interval time.Duration) *Sampler {
	factory := promauto.With(reg)
	s := &Sampler{
		logger:   logger.With().Str("component", "sampler").Logger(),
		interval: interval,
		memoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_memory_bytes",
			Help: "Current heap memory usage in bytes",
		}),
		memoryLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_memory_limit_bytes",
			Help: "Memory limit in bytes (from cgroup)",
		}),
		cpuUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_cpu_usage_percent",
			Help: "Current process CPU usage percentage",
		}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_goroutines_active",
			Help: "Current number of active goroutines",
		}),
		gomaxprocs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_gomaxprocs",
			Help: "Effective GOMAXPROCS",
		}),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn().Err(err).Msg("Process handle unavailable, CPU gauge disabled")
	}
	return s
}

// Run samples until ctx is cancelled. Blocks; run it in its own goroutine.
func (s *Sampler) Run(ctx context.Context) {
	s.gomaxprocs.Set(float64(runtime.GOMAXPROCS(0)))
	if limit, err := memoryLimit(); err == nil && limit > 0 {
		s.memoryLimit.Set(float64(limit))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.collect()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sampler) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.memoryUsage.Set(float64(mem.Alloc))
	s.goroutines.Set(float64(runtime.NumGoroutine()))

	if s.proc != nil {
		if pct, err := s.proc.CPUPercent(); err == nil {
			s.cpuUsage.Set(pct)
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.cpuUsage.Set(pcts[0])
	}
}

// memoryLimit returns the container memory limit in bytes from the cgroup
// filesystem. cgroup v2 is tried first, then v1. Returns 0 when no limit is
// detected (unlimited or non-containerized environment).
func memoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}
