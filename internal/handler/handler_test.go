package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensorhub/internal/config"
	"sensorhub/internal/decoder"
	"sensorhub/internal/engine"
	"sensorhub/internal/metric"
	"sensorhub/internal/sensor"
	"sensorhub/internal/service"
	"sensorhub/internal/watchdog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type call struct {
	op    string
	t     sensor.Type
	delay time.Duration
}

type fakeController struct {
	calls []call
	err   error
}

func (f *fakeController) EnableSensor(_ context.Context, t sensor.Type, d time.Duration) error {
	f.calls = append(f.calls, call{"enable", t, d})
	return f.err
}

func (f *fakeController) ChangeDelay(_ context.Context, t sensor.Type, d time.Duration) error {
	f.calls = append(f.calls, call{"delay", t, d})
	return f.err
}

func (f *fakeController) DisableSensor(_ context.Context, t sensor.Type) error {
	f.calls = append(f.calls, call{"disable", t, 0})
	return f.err
}

func (f *fakeController) Flush(_ context.Context, t sensor.Type) error {
	f.calls = append(f.calls, call{"flush", t, 0})
	return f.err
}

func (f *fakeController) Sensors() []service.SensorState {
	return []service.SensorState{{Type: sensor.Accelerometer, Name: "accelerometer", Enabled: true, Delay: 20 * time.Millisecond}}
}

func sensorRouter(hub SensorController) *gin.Engine {
	r := gin.New()
	NewSensorHandler(hub, zap.NewNop()).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSensorRoutes(t *testing.T) {
	hub := &fakeController{}
	r := sensorRouter(hub)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/sensors/gyroscope/enable", `{"delay":"5ms"}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/sensors/step_counter/enable", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPut, "/api/v1/sensors/gyroscope/delay", `{"delay":"10ms"}`).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/sensors/gyroscope/flush", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/sensors/gyroscope/disable", "").Code)

	assert.Equal(t, []call{
		{"enable", sensor.Gyroscope, 5 * time.Millisecond},
		{"enable", sensor.StepCounter, 0},
		{"delay", sensor.Gyroscope, 10 * time.Millisecond},
		{"flush", sensor.Gyroscope, 0},
		{"disable", sensor.Gyroscope, 0},
	}, hub.calls)

	w := do(r, http.MethodGet, "/api/v1/sensors", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"accelerometer"`)
}

func TestSensorRoutesRejectBadInput(t *testing.T) {
	hub := &fakeController{}
	r := sensorRouter(hub)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/sensors/thermometer/enable", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/sensors/gyroscope/enable", `{"delay":"fast"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPut, "/api/v1/sensors/gyroscope/delay", "").Code)
	assert.Empty(t, hub.calls)
}

func TestSensorErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("enable: %w", engine.ErrTimeout), http.StatusGatewayTimeout, "HUB_TIMEOUT"},
		{fmt.Errorf("enable: %w", &engine.NackError{Opcode: 0xA1, Code: 5}), http.StatusBadGateway, "HUB_REJECTED"},
		{service.ErrNotEnabled, http.StatusConflict, "CONFLICT"},
		{service.ErrInvalidDelay, http.StatusBadRequest, "BAD_REQUEST"},
		{engine.ErrClosed, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := sensorRouter(&fakeController{err: tc.err})
			w := do(r, http.MethodPost, "/api/v1/sensors/light/enable", `{"delay":"100ms"}`)
			assert.Equal(t, tc.code, w.Code)
			assert.Contains(t, w.Body.String(), tc.name)
		})
	}
}

type fakeInfo struct{}

func (fakeInfo) SessionID() string { return "session-1" }
func (fakeInfo) Firmware() uint32  { return 0x01020304 }

type fixedStatus watchdog.Status

func (s fixedStatus) Status() watchdog.Status { return watchdog.Status(s) }

func TestHealthReflectsWatchdog(t *testing.T) {
	counters, err := metric.NewCounters(nil)
	require.NoError(t, err)
	counters.IncTimeout()
	cfg := &config.Config{App: config.AppConfig{Name: "sensorhub", Version: "1.0.0"}}

	healthy := NewHealthHandler(fakeInfo{}, fixedStatus{State: "healthy"}, counters, cfg, zap.NewNop())
	r := gin.New()
	healthy.RegisterRoutes(r.Group(""))
	r.GET("/counters", healthy.GetCounters)

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "0x01020304", body.Firmware)
	assert.Equal(t, "session-1", body.Session)
	assert.Equal(t, int64(1), body.Counters.Timeouts)

	assert.Contains(t, do(r, http.MethodGet, "/counters", "").Body.String(), `"timeouts":1`)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/live", "").Code)

	suspect := NewHealthHandler(fakeInfo{}, fixedStatus{State: "suspect", Reason: "timeouts"}, counters, cfg, zap.NewNop())
	r = gin.New()
	suspect.RegisterRoutes(r.Group(""))
	w = do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(nil)
	go bus.Start()
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	bus.Report(decoder.Report{Type: sensor.Light, Sample: sensor.LightSample{Lux: 7}})

	for _, ch := range []<-chan decoder.Report{a, b} {
		select {
		case r := <-ch:
			assert.Equal(t, sensor.Light, r.Type)
		case <-time.After(time.Second):
			t.Fatal("sample not delivered")
		}
	}

	bus.Unsubscribe("a")
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewEventBus(nil)
	go bus.Start()
	defer bus.Close()

	slow := bus.Subscribe("slow")
	for i := 0; i < subscriberQueueSize+50; i++ {
		bus.Publish(decoder.Report{Type: sensor.Accelerometer})
	}

	require.Eventually(t, func() bool { return bus.Dropped() >= 50 }, time.Second, 5*time.Millisecond)
	assert.Len(t, slow, subscriberQueueSize)
}

func startStream(t *testing.T, query string) (*EventBus, *websocket.Conn) {
	t.Helper()
	bus := NewEventBus(nil)
	go bus.Start()
	t.Cleanup(bus.Close)

	r := gin.New()
	NewStreamHandler(bus, nil, zap.NewNop()).RegisterRoutes(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	return bus, conn
}

func TestStreamJSON(t *testing.T) {
	bus, conn := startStream(t, "?sensors=accelerometer")

	bus.Report(decoder.Report{Type: sensor.Gyroscope, Sample: sensor.Vector3{X: 9}})
	bus.Report(decoder.Report{Type: sensor.Accelerometer, Sample: sensor.Vector3{X: 1, Y: 2, Z: 3}, Timestamp: 1000})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var msg struct {
		Sensor    string         `json:"sensor"`
		Kind      string         `json:"kind"`
		Sample    map[string]int `json:"sample"`
		Timestamp int64          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "accelerometer", msg.Sensor)
	assert.Equal(t, "vector3", msg.Kind)
	assert.Equal(t, map[string]int{"x": 1, "y": 2, "z": 3}, msg.Sample)
	assert.Equal(t, int64(1000), msg.Timestamp)
}

func TestStreamCBOR(t *testing.T) {
	bus, conn := startStream(t, "?format=cbor")

	bus.Report(decoder.Report{Type: sensor.StepCounter, Sample: sensor.StepCount{Steps: 42}, Batched: true})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	var msg struct {
		Sensor  string            `cbor:"sensor"`
		Sample  map[string]uint32 `cbor:"sample"`
		Batched bool              `cbor:"batched"`
	}
	require.NoError(t, cbor.Unmarshal(payload, &msg))
	assert.Equal(t, "step_counter", msg.Sensor)
	assert.Equal(t, uint32(42), msg.Sample["steps"])
	assert.True(t, msg.Batched)
}

func TestStreamRejectsUnknownFormat(t *testing.T) {
	r := gin.New()
	NewStreamHandler(NewEventBus(nil), nil, zap.NewNop()).RegisterRoutes(r.Group("/api/v1"))

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/stream?format=xml", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/stream?sensors=nope", "").Code)
}
