// Package metric holds the operationally visible counters of the hub core.
//
// Counters are plain atomics so the watchdog can read them cheaply; they are
// exported to Prometheus through CounterFunc/GaugeFunc collectors reading the
// same atomics, so there is a single source of truth.
package metric

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorhub"

// Counters are incremented only by the core components and read elsewhere
type Counters struct {
	timeouts            atomic.Int64
	consecutiveTimeouts atomic.Int64
	resets              atomic.Int64
	packetErrors        atomic.Int64
	noResponseSensors   atomic.Int64
	framesReceived      atomic.Int64
	protocolViolations  atomic.Int64
	batchFailures       atomic.Int64
	transportErrors     atomic.Int64
	requestsCompleted   atomic.Int64
}

// Snapshot is a point-in-time copy of all counters
type Snapshot struct {
	Timeouts            int64 `json:"timeouts"`
	ConsecutiveTimeouts int64 `json:"consecutive_timeouts"`
	Resets              int64 `json:"resets"`
	PacketErrors        int64 `json:"packet_errors"`
	NoResponseSensors   int64 `json:"no_response_sensors"`
	FramesReceived      int64 `json:"frames_received"`
	ProtocolViolations  int64 `json:"protocol_violations"`
	BatchFailures       int64 `json:"batch_failures"`
	TransportErrors     int64 `json:"transport_errors"`
	RequestsCompleted   int64 `json:"requests_completed"`
}

// NewCounters creates counters and registers their collectors with reg.
// A nil reg skips registration.
func NewCounters(reg prometheus.Registerer) (*Counters, error) {
	c := &Counters{}
	if reg == nil {
		return c, nil
	}

	collectors := []prometheus.Collector{
		c.counterFunc("timeouts_total", "Synchronous requests that hit their deadline", &c.timeouts),
		c.gaugeFunc("consecutive_timeouts", "Timeouts since the last successful request", &c.consecutiveTimeouts),
		c.counterFunc("resets_total", "Recovery sequences run by the watchdog", &c.resets),
		c.counterFunc("packet_errors_total", "Inbound frames dropped as malformed", &c.packetErrors),
		c.counterFunc("no_response_sensors_total", "Sensor silence detections by the watchdog", &c.noResponseSensors),
		c.counterFunc("frames_received_total", "Inbound frames received from the hub", &c.framesReceived),
		c.counterFunc("protocol_violations_total", "Protocol violations detected on the link", &c.protocolViolations),
		c.counterFunc("batch_failures_total", "Aborted batch retrievals", &c.batchFailures),
		c.counterFunc("transport_errors_total", "Failed transport send or receive primitives", &c.transportErrors),
		c.counterFunc("requests_completed_total", "Requests completed successfully", &c.requestsCompleted),
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Counters) counterFunc(name, help string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

func (c *Counters) gaugeFunc(name, help string, v *atomic.Int64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

// IncTimeout records a request timeout
func (c *Counters) IncTimeout() {
	c.timeouts.Add(1)
	c.consecutiveTimeouts.Add(1)
}

// IncSuccess records a completed request and clears the consecutive timeout run
func (c *Counters) IncSuccess() {
	c.requestsCompleted.Add(1)
	c.consecutiveTimeouts.Store(0)
}

func (c *Counters) IncReset()             { c.resets.Add(1) }
func (c *Counters) IncPacketError()       { c.packetErrors.Add(1) }
func (c *Counters) IncNoResponseSensor()  { c.noResponseSensors.Add(1) }
func (c *Counters) IncFrameReceived()     { c.framesReceived.Add(1) }
func (c *Counters) IncProtocolViolation() { c.protocolViolations.Add(1) }
func (c *Counters) IncBatchFailure()      { c.batchFailures.Add(1) }
func (c *Counters) IncTransportError()    { c.transportErrors.Add(1) }

// FramesReceived returns the running inbound frame count
func (c *Counters) FramesReceived() int64 { return c.framesReceived.Load() }

// ConsecutiveTimeouts returns timeouts since the last success
func (c *Counters) ConsecutiveTimeouts() int64 { return c.consecutiveTimeouts.Load() }

// Snapshot copies all counters
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Timeouts:            c.timeouts.Load(),
		ConsecutiveTimeouts: c.consecutiveTimeouts.Load(),
		Resets:              c.resets.Load(),
		PacketErrors:        c.packetErrors.Load(),
		NoResponseSensors:   c.noResponseSensors.Load(),
		FramesReceived:      c.framesReceived.Load(),
		ProtocolViolations:  c.protocolViolations.Load(),
		BatchFailures:       c.batchFailures.Load(),
		TransportErrors:     c.transportErrors.Load(),
		RequestsCompleted:   c.requestsCompleted.Load(),
	}
}
