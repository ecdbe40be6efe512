package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectedCollapsesEmptyLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.Connected("", "")
	rec.Connected("acct-1", "dev-1")

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() != "ws_connections_total" {
			continue
		}
		found = true
		require.Len(t, fam.GetMetric(), 2)
		labels := map[string]string{}
		for _, l := range fam.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		assert.Equal(t, PlaceholderAccount, labels["account"])
		assert.Equal(t, PlaceholderDevice, labels["device"])
	}
	assert.True(t, found, "ws_connections_total not gathered")
}

func TestClosedLabelsCodeAndReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg).(*promRecorder)

	rec.Closed(1013, "overloaded")
	rec.Closed(1013, "overloaded")
	rec.Closed(1008, "unauthorized")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.closes.WithLabelValues("1013", "overloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.closes.WithLabelValues("1008", "unauthorized")))
}

func TestReplayLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg).(*promRecorder)

	rec.ReplayStart()
	rec.ReplayBatchSent()
	rec.ReplayBatchSent()
	rec.ReplayBackpressureHit()
	rec.ReplayComplete(37)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.replayStarts))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.replayBatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.replayBackpr))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.replayDone))
	assert.Equal(t, 37.0, testutil.ToFloat64(rec.replayFrames))
}

func TestAckCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg).(*promRecorder)

	rec.AckSent(2 * time.Millisecond)
	rec.AckRejected("duplicate")

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.acks.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.acks.WithLabelValues("rejected")))
}
