// Package decoder demultiplexes device-initiated writes into typed records.
//
// Every frame is decoded in two phases: the whole tag sequence is parsed and
// validated first, and only a frame that consumed exactly its declared length
// is dispatched to the sinks. A malformed frame reaches no sink at all.
package decoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sensorhub/internal/metric"
	"sensorhub/internal/sensor"
	"sensorhub/internal/timestamp"
)

// Report is one decoded sample
type Report struct {
	Type          sensor.Type   `json:"type" cbor:"type"`
	Sample        sensor.Sample `json:"sample" cbor:"sample"`
	Timestamp     int64         `json:"timestamp" cbor:"timestamp"`           // host timebase, ns
	PeerTimestamp int64         `json:"peer_timestamp" cbor:"peer_timestamp"` // hub timebase, ns
	Batched       bool          `json:"batched" cbor:"batched"`
}

// ReportSink receives samples; it must not block
type ReportSink interface {
	Report(r Report)
}

// MetaSink receives control events; it must not call back into the decoder
type MetaSink interface {
	Meta(ev MetaEvent)
}

// CalibrationSink persists calibration blobs
type CalibrationSink interface {
	Calibration(blob CalibrationBlob)
}

// BatchStarter launches a batch retrieval; it must not block
type BatchStarter interface {
	StartBatch(a BigDataAnnounce)
}

// ClockSync is told about peer clock samples
type ClockSync interface {
	OnPeerClock(peerNs int64)
}

// EnabledSet reports which sensors are on and at what rate
type EnabledSet interface {
	Enabled(t sensor.Type) bool
	Interval(t sensor.Type) time.Duration
}

// Sinks bundles the collaborators; nil members are skipped
type Sinks struct {
	Reports     ReportSink
	Meta        MetaSink
	Calibration CalibrationSink
	Batches     BatchStarter
	Clock       ClockSync
	Enabled     EnabledSet
}

// Config tunes the decoder
type Config struct {
	Level        timestamp.LevelConfig
	AnchorSlots  int
	AlwaysReport []sensor.Type
}

// Decoder is the dataframe decoder
type Decoder struct {
	widths   sensor.WidthTable
	sinks    Sinks
	clock    *timestamp.Clock
	anchors  *timestamp.AnchorTable
	always   sensor.Set
	counters *metric.Counters
	logger   *zap.Logger
	mcu      *zap.Logger

	// serializes dispatch so samples of one sensor are emitted in order
	mu       sync.Mutex
	levelers [sensor.Count]*timestamp.Leveler

	reported [sensor.Count]atomic.Int64
	dropped  atomic.Int64
}

// New creates a decoder
func New(widths sensor.WidthTable, cfg Config, sinks Sinks, clock *timestamp.Clock, counters *metric.Counters, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = timestamp.NewClock(nil)
	}
	d := &Decoder{
		widths:   widths,
		sinks:    sinks,
		clock:    clock,
		anchors:  timestamp.NewAnchorTable(cfg.AnchorSlots),
		always:   sensor.NewSet(cfg.AlwaysReport...),
		counters: counters,
		logger:   logger.With(zap.String("component", "decoder")),
		mcu:      logger.With(zap.String("source", "mcu")),
	}
	for i := range d.levelers {
		d.levelers[i] = timestamp.NewLeveler(cfg.Level, 0)
	}
	return d
}

// SetSinks replaces the collaborators; call before traffic starts
func (d *Decoder) SetSinks(s Sinks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = s
}

// Anchors exposes the anchor table
func (d *Decoder) Anchors() *timestamp.AnchorTable {
	return d.anchors
}

// DecodeFrame decodes the payload of one live device write
func (d *Decoder) DecodeFrame(payload []byte) error {
	ins, err := parse(d.widths, payload)
	if err != nil {
		return err
	}
	d.apply(ins, false)
	return nil
}

// DecodeBatch decodes a fully retrieved batch buffer. A buffer whose last
// record runs past the end is reported as misaligned.
func (d *Decoder) DecodeBatch(buf []byte) error {
	ins, err := parse(d.widths, buf)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && (errors.Is(pe.Reason, ErrTruncated) ||
			errors.Is(pe.Reason, sensor.ErrTruncated) ||
			errors.Is(pe.Reason, timestamp.ErrTruncated)) {
			pe.Reason = fmt.Errorf("%w: %w", ErrMisaligned, pe.Reason)
		}
		return err
	}
	for _, in := range ins {
		if in.tag == TagBigData {
			return &ProtocolError{Offset: in.offset, Tag: TagBigData, Reason: ErrNested}
		}
	}
	d.apply(ins, true)
	return nil
}

// ResetSensor drops the timestamp history of t, on enable or rate change
func (d *Decoder) ResetSensor(t sensor.Type, interval time.Duration) {
	if !t.Valid() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levelers[t].Reset(interval)
}

// Reported returns how many samples of t reached the report sink
func (d *Decoder) Reported(t sensor.Type) int64 {
	if !t.Valid() {
		return 0
	}
	return d.reported[t].Load()
}

// Dropped returns how many samples were dropped for bad timestamps
func (d *Decoder) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Decoder) apply(ins []instruction, batched bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range ins {
		in := &ins[i]
		switch in.tag {
		case TagSample:
			d.applySample(in, batched)

		case TagMeta:
			if in.meta.What == MetaRateChanged && in.meta.Sensor.Valid() {
				d.levelers[in.meta.Sensor].Reset(d.interval(in.meta.Sensor))
			}
			if d.sinks.Meta != nil {
				d.sinks.Meta.Meta(in.meta)
			}

		case TagDebugText:
			d.mcu.Info("MCU log", zap.String("text", in.text))

		case TagBigData:
			if d.sinks.Batches != nil {
				d.sinks.Batches.StartBatch(in.big)
			}

		case TagGyroCal, TagMagCal, TagProxCal:
			if d.sinks.Calibration != nil {
				d.sinks.Calibration.Calibration(in.calib)
			}

		case TagTimeSync:
			off := d.clock.Observe(in.peerNs)
			d.logger.Debug("Peer clock sample", zap.Int64("offset_ns", off))
			if d.sinks.Clock != nil {
				d.sinks.Clock.OnPeerClock(in.peerNs)
			}

		case TagTimeAnchor:
			if err := d.anchors.Set(in.anchor, in.peerNs); err != nil {
				d.counters.IncPacketError()
				d.logger.Warn("Anchor rejected", zap.Error(err))
			}
		}
	}
}

func (d *Decoder) reportable(t sensor.Type) bool {
	if d.always.Has(t) {
		return true
	}
	return d.sinks.Enabled != nil && d.sinks.Enabled.Enabled(t)
}

func (d *Decoder) interval(t sensor.Type) time.Duration {
	if d.sinks.Enabled == nil {
		return 0
	}
	return d.sinks.Enabled.Interval(t)
}

func (d *Decoder) applySample(in *instruction, batched bool) {
	t := in.sensor
	if !d.reportable(t) {
		return
	}

	if !in.stamp.Recognized() {
		d.counters.IncPacketError()
		d.logger.Warn("Unknown timestamp encoding, read as plain",
			zap.Stringer("sensor", t),
			zap.Uint8("flag", in.stamp.Flag),
		)
	}

	lv := d.levelers[t]
	now := d.clock.PeerNow()

	var (
		peer int64
		ok   bool
	)
	switch in.stamp.Encoding {
	case timestamp.Interpolated:
		ts, err := d.anchors.Interpolate(in.stamp.Anchor, in.stamp.Count, in.stamp.Position, now)
		if err != nil {
			d.dropSample(t, err)
			return
		}
		peer, ok = ts, lv.Accept(ts)

	case timestamp.Backfill:
		interval := int64(d.interval(t))
		if interval == 0 {
			interval = lv.Interval()
		}
		ts, err := d.anchors.Backfill(in.stamp.Anchor, interval, now)
		if err != nil {
			d.dropSample(t, err)
			return
		}
		peer, ok = ts, lv.Accept(ts)

	default:
		peer = int64(in.stamp.Value)
		var leveled int64
		leveled, ok = lv.Level(peer)
		if ok {
			peer = leveled
		}
	}

	if !ok {
		d.dropSample(t, fmt.Errorf("timestamp %d not after %d", peer, lv.Last()))
		return
	}

	d.reported[t].Add(1)
	if d.sinks.Reports != nil {
		d.sinks.Reports.Report(Report{
			Type:          t,
			Sample:        in.sample,
			Timestamp:     d.clock.ToHost(peer),
			PeerTimestamp: peer,
			Batched:       batched,
		})
	}
}

func (d *Decoder) dropSample(t sensor.Type, err error) {
	d.dropped.Add(1)
	d.logger.Debug("Sample dropped", zap.Stringer("sensor", t), zap.Error(err))
}
