package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/metric"
	"sensorhub/internal/sensor"
)

type fakeHub struct {
	mu       sync.Mutex
	reported map[sensor.Type]int64
	enabled  []sensor.Type
	recovers atomic.Int32
	err      error
}

func newFakeHub(enabled ...sensor.Type) *fakeHub {
	return &fakeHub{reported: make(map[sensor.Type]int64), enabled: enabled}
}

func (h *fakeHub) Reported(t sensor.Type) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reported[t]
}

func (h *fakeHub) deliver(t sensor.Type) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reported[t]++
}

func (h *fakeHub) EnabledTypes() []sensor.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

func (h *fakeHub) Recover(context.Context) error {
	h.recovers.Add(1)
	return h.err
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

func newTestSupervisor(t *testing.T, hub *fakeHub) (*Supervisor, *metric.Counters, *clock) {
	t.Helper()
	counters, err := metric.NewCounters(nil)
	require.NoError(t, err)
	c := &clock{t: time.Unix(5000, 0)}
	cfg := DefaultConfig()
	s := New(cfg, hub, hub, hub, counters, nil)
	s.now = c.now
	t.Cleanup(s.Close)
	return s, counters, c
}

func TestSingleMissedTickDoesNotRecover(t *testing.T) {
	hub := newFakeHub(sensor.Accelerometer)
	s, _, c := newTestSupervisor(t, hub)

	assert.False(t, s.Tick(c.advance(time.Second))) // baseline
	hub.deliver(sensor.Accelerometer)
	assert.False(t, s.Tick(c.advance(time.Second)))
	assert.False(t, s.Tick(c.advance(time.Second))) // one missed
	hub.deliver(sensor.Accelerometer)
	assert.False(t, s.Tick(c.advance(time.Second)))

	s.Wait()
	assert.Equal(t, Healthy, s.State())
	assert.Zero(t, hub.recovers.Load())
}

func TestThreeMissedTicksRecover(t *testing.T) {
	hub := newFakeHub(sensor.Accelerometer)
	s, counters, c := newTestSupervisor(t, hub)

	s.Tick(c.advance(time.Second))
	assert.False(t, s.Tick(c.advance(time.Second)))
	assert.False(t, s.Tick(c.advance(time.Second)))
	assert.True(t, s.Tick(c.advance(time.Second)))

	s.Wait()
	assert.Equal(t, int32(1), hub.recovers.Load())
	assert.Equal(t, Healthy, s.State())
	snap := counters.Snapshot()
	assert.Equal(t, int64(1), snap.Resets)
	assert.Equal(t, int64(1), snap.NoResponseSensors)
}

func TestDisabledSensorIsForgotten(t *testing.T) {
	hub := newFakeHub(sensor.Accelerometer)
	s, _, c := newTestSupervisor(t, hub)

	s.Tick(c.advance(time.Second))                  // baseline
	assert.False(t, s.Tick(c.advance(time.Second))) // missed 1
	assert.False(t, s.Tick(c.advance(time.Second))) // missed 2

	hub.mu.Lock()
	hub.enabled = nil
	hub.mu.Unlock()
	assert.False(t, s.Tick(c.advance(time.Second)))

	hub.mu.Lock()
	hub.enabled = []sensor.Type{sensor.Accelerometer}
	hub.mu.Unlock()
	assert.False(t, s.Tick(c.advance(time.Second))) // new baseline
	assert.False(t, s.Tick(c.advance(time.Second))) // missed 1

	s.Wait()
	assert.Zero(t, hub.recovers.Load())
}

func TestOnChangeSensorsAreNotWatched(t *testing.T) {
	hub := newFakeHub(sensor.StepCounter, sensor.Proximity)
	s, _, c := newTestSupervisor(t, hub)

	for range 6 {
		assert.False(t, s.Tick(c.advance(time.Second)))
	}
	assert.Zero(t, hub.recovers.Load())
}

func TestCooldownDebouncesRecovery(t *testing.T) {
	hub := newFakeHub()
	s, counters, c := newTestSupervisor(t, hub)

	for range 3 {
		counters.IncTimeout()
	}
	require.True(t, s.Tick(c.advance(time.Second)))
	s.Wait()

	// still timing out right after the recovery
	assert.False(t, s.Tick(c.advance(time.Second)))
	assert.Equal(t, Suspect, s.State())

	assert.True(t, s.Tick(c.advance(10*time.Second)))
	s.Wait()
	assert.Equal(t, int32(2), hub.recovers.Load())
}

func TestTimeoutsBelowThresholdStayHealthy(t *testing.T) {
	hub := newFakeHub()
	s, counters, c := newTestSupervisor(t, hub)

	counters.IncTimeout()
	counters.IncTimeout()
	s.CheckNow()
	assert.Equal(t, Healthy, s.State())

	counters.IncSuccess()
	counters.IncTimeout()
	assert.False(t, s.Tick(c.advance(time.Second)))
}

func TestViolationsInsideWindowForceRecovery(t *testing.T) {
	hub := newFakeHub()
	s, _, c := newTestSupervisor(t, hub)

	// a recent recovery would normally debounce
	s.lastRecovery = c.t

	s.ReportViolation(errors.New("duplicate key"))
	c.advance(3 * time.Second)
	s.ReportViolation(errors.New("unknown tag"))
	s.Wait()
	assert.Zero(t, hub.recovers.Load(), "violations too far apart")

	c.advance(500 * time.Millisecond)
	s.OnViolation(errors.New("overrun"))
	s.Wait()
	assert.Equal(t, int32(1), hub.recovers.Load())
}

func TestCrashNoticeRecovers(t *testing.T) {
	hub := newFakeHub()
	s, _, _ := newTestSupervisor(t, hub)

	s.NotifyCrashed()
	s.Wait()
	assert.Equal(t, int32(1), hub.recovers.Load())
	assert.Equal(t, Healthy, s.State())
}

func TestFailedRecoveryStaysSuspect(t *testing.T) {
	hub := newFakeHub()
	hub.err = errors.New("probe timed out")
	s, _, _ := newTestSupervisor(t, hub)

	s.NotifyCrashed()
	s.Wait()
	assert.Equal(t, Suspect, s.State())
	assert.Equal(t, "probe timed out", s.Status().LastError)
}

func TestRepeatedTransportErrors(t *testing.T) {
	hub := newFakeHub()
	s, _, c := newTestSupervisor(t, hub)

	s.OnTransportError(errors.New("write: broken pipe"))
	s.OnTransportError(errors.New("write: broken pipe"))
	assert.False(t, s.Tick(c.advance(time.Second)))

	for range 3 {
		s.OnTransportError(errors.New("write: broken pipe"))
	}
	assert.True(t, s.Tick(c.advance(time.Second)))
	s.Wait()
}
