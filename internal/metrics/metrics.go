// Package metrics exposes the hub's event taxonomy as Prometheus collectors.
//
// Each event in the taxonomy has one Recorder method; the hub never touches
// collectors directly. Identifier labels are collapsed to fixed placeholders
// when empty so an unauthenticated burst cannot explode label cardinality.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Placeholder label values used when an identifier is unknown or empty.
const (
	PlaceholderAccount = "acct"
	PlaceholderDevice  = "device"
)

// Recorder is the hub-facing event sink. Production code uses the Prometheus
// implementation from New; tests use Nop or a capture fake.
type Recorder interface {
	Connected(accountID, deviceID string)
	Closed(code int, reason string)
	InvalidFrame()
	InvalidSize()
	AckSent(latency time.Duration)
	AckRejected(reason string)
	HeartbeatTerminate()
	Overloaded()
	FrameSent()
	SendError()
	ReplayStart()
	ReplayBatchSent()
	ReplayBackpressureHit()
	ReplayComplete(frames int)
	ResumeTokenRotated()
	PingLatency(latency time.Duration)
}

type promRecorder struct {
	connects       *prometheus.CounterVec
	closes         *prometheus.CounterVec
	invalidFrames  prometheus.Counter
	invalidSizes   prometheus.Counter
	acks           *prometheus.CounterVec
	ackLatency     prometheus.Histogram
	heartbeatTerms prometheus.Counter
	overloads      prometheus.Counter
	framesSent     prometheus.Counter
	sendErrors     prometheus.Counter
	replayStarts   prometheus.Counter
	replayBatches  prometheus.Counter
	replayBackpr   prometheus.Counter
	replayDone     prometheus.Counter
	replayFrames   prometheus.Counter
	tokenRotations prometheus.Counter
	pingLatency    prometheus.Histogram
}

// New builds a Recorder registered against reg. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) Recorder {
	factory := promauto.With(reg)

	return &promRecorder{
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "WebSocket connections accepted",
		}, []string{"account", "device"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_closed_total",
			Help: "WebSocket connections closed, by close code and reason",
		}, []string{"code", "reason"}),
		invalidFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_invalid_frames_total",
			Help: "Inbound frames rejected by the envelope codec",
		}),
		invalidSizes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_invalid_sizes_total",
			Help: "Inbound frames rejected for exceeding the size cap",
		}),
		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_acks_total",
			Help: "Acks emitted, by status",
		}, []string{"status"}),
		ackLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_ack_latency_seconds",
			Help:    "Time from frame receipt to accepted ack enqueue",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		heartbeatTerms: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_heartbeat_terminates_total",
			Help: "Connections terminated for missing a pong",
		}),
		overloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_overloaded_total",
			Help: "Connections closed for exceeding the outbound buffer threshold",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_frames_sent_total",
			Help: "Outbound frames flushed to sockets",
		}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_send_errors_total",
			Help: "Fatal socket send failures",
		}),
		replayStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_replay_started_total",
			Help: "Resume replays started",
		}),
		replayBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_replay_batches_sent_total",
			Help: "Replay batches attempted",
		}),
		replayBackpr: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_replay_backpressure_hits_total",
			Help: "Replays halted by socket backpressure",
		}),
		replayDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_replay_completed_total",
			Help: "Resume replays completed",
		}),
		replayFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_replay_frames_total",
			Help: "Frames flushed during replays",
		}),
		tokenRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_resume_tokens_rotated_total",
			Help: "Resume tokens rotated",
		}),
		pingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_ping_latency_seconds",
			Help:    "Round-trip time between heartbeat ping and pong",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

func (r *promRecorder) Connected(accountID, deviceID string) {
	r.connects.WithLabelValues(
		labelOr(accountID, PlaceholderAccount),
		labelOr(deviceID, PlaceholderDevice),
	).Inc()
}

func (r *promRecorder) Closed(code int, reason string) {
	r.closes.WithLabelValues(strconv.Itoa(code), reason).Inc()
}

func (r *promRecorder) InvalidFrame() { r.invalidFrames.Inc() }
func (r *promRecorder) InvalidSize()  { r.invalidSizes.Inc() }

func (r *promRecorder) AckSent(latency time.Duration) {
	r.acks.WithLabelValues("accepted").Inc()
	r.ackLatency.Observe(latency.Seconds())
}

func (r *promRecorder) AckRejected(string) {
	r.acks.WithLabelValues("rejected").Inc()
}

func (r *promRecorder) HeartbeatTerminate()    { r.heartbeatTerms.Inc() }
func (r *promRecorder) Overloaded()            { r.overloads.Inc() }
func (r *promRecorder) FrameSent()             { r.framesSent.Inc() }
func (r *promRecorder) SendError()             { r.sendErrors.Inc() }
func (r *promRecorder) ReplayStart()           { r.replayStarts.Inc() }
func (r *promRecorder) ReplayBatchSent()       { r.replayBatches.Inc() }
func (r *promRecorder) ReplayBackpressureHit() { r.replayBackpr.Inc() }

func (r *promRecorder) ReplayComplete(frames int) {
	r.replayDone.Inc()
	r.replayFrames.Add(float64(frames))
}

func (r *promRecorder) ResumeTokenRotated() { r.tokenRotations.Inc() }

func (r *promRecorder) PingLatency(latency time.Duration) {
	r.pingLatency.Observe(latency.Seconds())
}

// labelOr collapses empty identifiers to a fixed placeholder.
func labelOr(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}

// Nop discards every event. Handy default for tests.
type Nop struct{}

func (Nop) Connected(string, string)  {}
func (Nop) Closed(int, string)        {}
func (Nop) InvalidFrame()             {}
func (Nop) InvalidSize()              {}
func (Nop) AckSent(time.Duration)     {}
func (Nop) AckRejected(string)        {}
func (Nop) HeartbeatTerminate()       {}
func (Nop) Overloaded()               {}
func (Nop) FrameSent()                {}
func (Nop) SendError()                {}
func (Nop) ReplayStart()              {}
func (Nop) ReplayBatchSent()          {}
func (Nop) ReplayBackpressureHit()    {}
func (Nop) ReplayComplete(int)        {}
func (Nop) ResumeTokenRotated()       {}
func (Nop) PingLatency(time.Duration) {}
