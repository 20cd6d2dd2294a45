package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersSnapshot(t *testing.T) {
	c, err := NewCounters(nil)
	require.NoError(t, err)

	c.IncTimeout()
	c.IncTimeout()
	c.IncFrameReceived()
	c.IncReset()

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Timeouts)
	assert.Equal(t, int64(2), s.ConsecutiveTimeouts)
	assert.Equal(t, int64(1), s.FramesReceived)
	assert.Equal(t, int64(1), s.Resets)

	c.IncSuccess()
	assert.Equal(t, int64(0), c.ConsecutiveTimeouts())
	assert.Equal(t, int64(2), c.Snapshot().Timeouts)
}

func TestCountersExportedToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCounters(reg)
	require.NoError(t, err)

	c.IncPacketError()
	c.IncPacketError()
	c.IncProtocolViolation()

	count, err := testutil.GatherAndCount(reg, "sensorhub_core_packet_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), values["sensorhub_core_packet_errors_total"])
	assert.Equal(t, float64(1), values["sensorhub_core_protocol_violations_total"])
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCounters(reg)
	require.NoError(t, err)
	_, err = NewCounters(reg)
	assert.Error(t, err)
}
