// internal/service/hub_service.go
package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sensorhub/internal/config"
	"sensorhub/internal/decoder"
	"sensorhub/internal/engine"
	"sensorhub/internal/metric"
	"sensorhub/internal/sensor"
	"sensorhub/internal/timestamp"
	"sensorhub/internal/transport"
	"sensorhub/internal/utils"
	"sensorhub/pkg/retry"
)

// Hub command opcodes
const (
	OpAddSensor      byte = 0xA1 // [type][delay_us u32]
	OpRemoveSensor   byte = 0xA2 // [type]
	OpChangeDelay    byte = 0xA3 // [type][delay_us u32]
	OpFlush          byte = 0xA4 // [type]
	OpSetTime        byte = 0xB1 // [host_ns u64]
	OpProbe          byte = 0xB2 // reply: [fw_version u32]
	OpInit           byte = 0xB3
	OpSetCalibration byte = 0xB4 // [tag][blob]
)

const probeReplyLen = 4

var (
	ErrInvalidSensor = errors.New("invalid sensor type")
	ErrNotEnabled    = errors.New("sensor not enabled")
	ErrInvalidDelay  = errors.New("invalid sampling delay")
)

// CalibrationStore supplies the blobs uploaded during init
type CalibrationStore interface {
	Names() ([]string, error)
	Load(name string) ([]byte, error)
}

// CrashNotifier is told about out-of-band peer failures
type CrashNotifier interface {
	NotifyCrashed()
}

// ViolationReporter escalates protocol violations
type ViolationReporter interface {
	ReportViolation(err error)
}

// SensorState describes one sensor for diagnostics
type SensorState struct {
	Type     sensor.Type   `json:"type"`
	Name     string        `json:"name"`
	Enabled  bool          `json:"enabled"`
	Delay    time.Duration `json:"delay"`
	Reported int64         `json:"reported"`
}

// HubService owns the lifecycle of the hub link: initialization, sensor
// enable state and its replay after a recovery.
type HubService struct {
	id       uuid.UUID
	engine   *engine.Engine
	decoder  *decoder.Decoder
	store    CalibrationStore
	clock    *timestamp.Clock
	counters *metric.Counters
	config   config.ProtocolConfig
	logger   *utils.ServiceLogger

	mu         sync.RWMutex
	transport  transport.Transport
	crash      CrashNotifier
	violations ViolationReporter
	enabled    map[sensor.Type]time.Duration
	firmware   uint32
	started    bool

	// serializes Start, Recover and resync
	lifecycle sync.Mutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHubService creates a hub service and installs itself as the decoder's
// enable-state source and the engine's device-write consumer
func NewHubService(
	eng *engine.Engine,
	dec *decoder.Decoder,
	store CalibrationStore,
	clock *timestamp.Clock,
	counters *metric.Counters,
	cfg config.ProtocolConfig,
	logger *zap.Logger,
) *HubService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = timestamp.NewClock(nil)
	}
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	hs := &HubService{
		id:       id,
		engine:   eng,
		decoder:  dec,
		store:    store,
		clock:    clock,
		counters: counters,
		config:   cfg,
		logger:   utils.NewServiceLogger(logger.With(zap.String("session", id.String())), "hub-service"),
		enabled:  make(map[sensor.Type]time.Duration),
		ctx:      ctx,
		cancel:   cancel,
	}
	eng.SetDeviceWriteHandler(hs.handleDeviceWrite)
	return hs
}

// SessionID identifies this host session in logs and diagnostics
func (hs *HubService) SessionID() string {
	return hs.id.String()
}

// SetTransport attaches the binding reset during recovery
func (hs *HubService) SetTransport(t transport.Transport) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.transport = t
}

// SetSupervisor attaches crash and violation escalation
func (hs *HubService) SetSupervisor(crash CrashNotifier, violations ViolationReporter) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.crash = crash
	hs.violations = violations
}

// Start probes the hub, runs the init sequence and starts the periodic time
// announcement. The transport must already be up.
func (hs *HubService) Start(ctx context.Context) error {
	hs.lifecycle.Lock()
	defer hs.lifecycle.Unlock()

	if err := hs.bringUp(ctx); err != nil {
		return err
	}

	hs.mu.Lock()
	first := !hs.started
	hs.started = true
	hs.mu.Unlock()

	if first && hs.config.TimeResync > 0 {
		hs.wg.Add(1)
		go hs.timeResyncLoop()
	}
	return nil
}

// bringUp is the probe, init and replay sequence shared by Start and Recover
func (hs *HubService) bringUp(ctx context.Context) error {
	fw, err := hs.probe(ctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	hs.mu.Lock()
	hs.firmware = fw
	hs.mu.Unlock()
	hs.logger.Info("Hub responded", zap.Uint32("firmware", fw))

	if err := hs.initialize(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := hs.replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	return nil
}

func (hs *HubService) probe(ctx context.Context) (uint32, error) {
	reply, err := retry.DoValue(ctx, hs.retryConfig(), func(int) ([]byte, error) {
		return hs.engine.SendSync(ctx, engine.Command{
			Opcode:   OpProbe,
			Kind:     engine.Read,
			ReplyLen: probeReplyLen,
		}, hs.config.ProbeTimeout)
	})
	if err != nil {
		return 0, err
	}
	if len(reply) < probeReplyLen {
		return 0, fmt.Errorf("short probe reply of %d bytes", len(reply))
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// initialize runs the device init sequence: init, clock, calibration upload
func (hs *HubService) initialize(ctx context.Context) error {
	if err := hs.command(ctx, OpInit, nil); err != nil {
		return err
	}
	if err := hs.setTime(ctx); err != nil {
		return err
	}
	return hs.uploadCalibration(ctx)
}

func (hs *HubService) setTime(ctx context.Context) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(hs.clock.HostNow()))
	return hs.command(ctx, OpSetTime, buf)
}

var calibrationTags = map[string]decoder.Tag{
	"gyro": decoder.TagGyroCal,
	"mag":  decoder.TagMagCal,
	"prox": decoder.TagProxCal,
}

func (hs *HubService) uploadCalibration(ctx context.Context) error {
	if hs.store == nil {
		return nil
	}
	names, err := hs.store.Names()
	if err != nil {
		hs.logger.Warn("Calibration store unavailable", zap.Error(err))
		return nil
	}
	for _, name := range names {
		tag, ok := calibrationTags[name]
		if !ok {
			continue
		}
		blob, err := hs.store.Load(name)
		if err != nil {
			hs.logger.Warn("Skipping calibration", zap.String("name", name), zap.Error(err))
			continue
		}
		if err := hs.command(ctx, OpSetCalibration, append([]byte{byte(tag)}, blob...)); err != nil {
			return fmt.Errorf("upload %s calibration: %w", name, err)
		}
		hs.logger.Debug("Calibration uploaded", zap.String("name", name), zap.Int("bytes", len(blob)))
	}
	return nil
}

// replay re-issues the add command of every enabled sensor
func (hs *HubService) replay(ctx context.Context) error {
	hs.mu.RLock()
	types := make([]sensor.Type, 0, len(hs.enabled))
	for t := range hs.enabled {
		types = append(types, t)
	}
	hs.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		delay := hs.Interval(t)
		if err := hs.command(ctx, OpAddSensor, delayPayload(t, delay)); err != nil {
			return fmt.Errorf("re-enable %s: %w", t, err)
		}
		hs.decoder.ResetSensor(t, delay)
	}
	if len(types) > 0 {
		hs.logger.Info("Sensor state replayed", zap.Int("sensors", len(types)))
	}
	return nil
}

// command sends an acknowledged write, retrying timeouts and transport
// failures. A rejection by the hub is final.
func (hs *HubService) command(ctx context.Context, opcode byte, data []byte) error {
	return retry.Do(ctx, hs.retryConfig(), func(attempt int) error {
		_, err := hs.engine.SendSync(ctx, engine.Command{
			Opcode:       opcode,
			Kind:         engine.Write,
			Data:         data,
			ExpectReturn: true,
		}, hs.config.DefaultTimeout)
		if err == nil {
			return nil
		}
		var nack *engine.NackError
		if errors.As(err, &nack) || errors.Is(err, engine.ErrClosed) {
			return retry.Permanent(err)
		}
		if attempt > 1 {
			hs.logger.Debug("Command retry failed", zap.Uint8("opcode", opcode), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

func (hs *HubService) retryConfig() retry.Config {
	return retry.Fixed(hs.config.CommandRetry.Attempts, hs.config.CommandRetry.Delay)
}

func delayPayload(t sensor.Type, delay time.Duration) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:], uint32(delay/time.Microsecond))
	return buf
}

func validDelay(t sensor.Type, delay time.Duration) error {
	if t.OnChange() {
		return nil
	}
	if delay <= 0 || delay/time.Microsecond > 0xFFFFFFFF {
		return fmt.Errorf("%w: %s for %s", ErrInvalidDelay, delay, t)
	}
	return nil
}

// EnableSensor switches t on at the given sampling delay
func (hs *HubService) EnableSensor(ctx context.Context, t sensor.Type, delay time.Duration) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSensor, t)
	}
	if err := validDelay(t, delay); err != nil {
		return err
	}
	if err := hs.command(ctx, OpAddSensor, delayPayload(t, delay)); err != nil {
		return fmt.Errorf("enable %s: %w", t, err)
	}

	hs.mu.Lock()
	hs.enabled[t] = delay
	hs.mu.Unlock()
	hs.decoder.ResetSensor(t, delay)

	hs.logger.Info("Sensor enabled", zap.Stringer("sensor", t), zap.Duration("delay", delay))
	return nil
}

// ChangeDelay changes the sampling delay of an enabled sensor
func (hs *HubService) ChangeDelay(ctx context.Context, t sensor.Type, delay time.Duration) error {
	if !hs.Enabled(t) {
		return fmt.Errorf("%w: %s", ErrNotEnabled, t)
	}
	if err := validDelay(t, delay); err != nil {
		return err
	}
	if err := hs.command(ctx, OpChangeDelay, delayPayload(t, delay)); err != nil {
		return fmt.Errorf("change %s delay: %w", t, err)
	}

	hs.mu.Lock()
	hs.enabled[t] = delay
	hs.mu.Unlock()
	hs.decoder.ResetSensor(t, delay)

	hs.logger.Info("Sensor delay changed", zap.Stringer("sensor", t), zap.Duration("delay", delay))
	return nil
}

// DisableSensor switches t off
func (hs *HubService) DisableSensor(ctx context.Context, t sensor.Type) error {
	if !hs.Enabled(t) {
		return fmt.Errorf("%w: %s", ErrNotEnabled, t)
	}
	if err := hs.command(ctx, OpRemoveSensor, []byte{byte(t)}); err != nil {
		return fmt.Errorf("disable %s: %w", t, err)
	}

	hs.mu.Lock()
	delete(hs.enabled, t)
	hs.mu.Unlock()

	hs.logger.Info("Sensor disabled", zap.Stringer("sensor", t))
	return nil
}

// Flush asks the hub to deliver buffered samples of t now
func (hs *HubService) Flush(ctx context.Context, t sensor.Type) error {
	if !hs.Enabled(t) {
		return fmt.Errorf("%w: %s", ErrNotEnabled, t)
	}
	return hs.command(ctx, OpFlush, []byte{byte(t)})
}

// Sensors lists every sensor type with its state
func (hs *HubService) Sensors() []SensorState {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	out := make([]SensorState, 0, sensor.Count)
	for _, t := range sensor.All() {
		delay, on := hs.enabled[t]
		out = append(out, SensorState{
			Type:     t,
			Name:     t.String(),
			Enabled:  on,
			Delay:    delay,
			Reported: hs.decoder.Reported(t),
		})
	}
	return out
}

// Firmware returns the version reported by the last probe
func (hs *HubService) Firmware() uint32 {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.firmware
}

// Enabled implements decoder.EnabledSet
func (hs *HubService) Enabled(t sensor.Type) bool {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	_, ok := hs.enabled[t]
	return ok
}

// Interval implements decoder.EnabledSet
func (hs *HubService) Interval(t sensor.Type) time.Duration {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.enabled[t]
}

// EnabledTypes implements watchdog.EnabledSensors
func (hs *HubService) EnabledTypes() []sensor.Type {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make([]sensor.Type, 0, len(hs.enabled))
	for t := range hs.enabled {
		out = append(out, t)
	}
	return out
}

// Meta implements decoder.MetaSink
func (hs *HubService) Meta(ev decoder.MetaEvent) {
	switch ev.What {
	case decoder.MetaFlushComplete:
		hs.logger.Debug("Flush complete", zap.Stringer("sensor", ev.Sensor))
	case decoder.MetaSensorError:
		hs.logger.Warn("Hub reported sensor error", zap.Stringer("sensor", ev.Sensor))
	case decoder.MetaRateChanged:
		hs.logger.Info("Hub changed sensor rate", zap.Stringer("sensor", ev.Sensor))
	default:
		hs.logger.Debug("Unknown meta event", zap.Uint8("what", uint8(ev.What)), zap.Stringer("sensor", ev.Sensor))
	}
}

// OnPeerClock implements decoder.ClockSync
func (hs *HubService) OnPeerClock(peerNs int64) {
	hs.logger.Debug("Hub clock sample",
		zap.Int64("peer_ns", peerNs),
		zap.Int64("offset_ns", hs.clock.Offset()),
	)
}

// HandleControl maps out-of-band bridge messages onto supervisor input
func (hs *HubService) HandleControl(msg string) {
	hs.mu.RLock()
	crash := hs.crash
	hs.mu.RUnlock()

	switch msg {
	case transport.ControlPeerCrashed, transport.ControlBridgeClosed:
		hs.logger.Warn("Bridge reported link loss", zap.String("message", msg))
		if crash != nil {
			crash.NotifyCrashed()
		}
	case transport.ControlPeerReady:
		hs.logger.Info("Bridge reported peer ready, resyncing")
		hs.wg.Add(1)
		go func() {
			defer hs.wg.Done()
			if err := hs.Resync(hs.ctx); err != nil {
				hs.logger.Warn("Resync failed", zap.Error(err))
			}
		}()
	default:
		hs.logger.Debug("Unknown control message", zap.String("message", msg))
	}
}

// Resync re-runs the init sequence without tearing down the transport
func (hs *HubService) Resync(ctx context.Context) error {
	hs.lifecycle.Lock()
	defer hs.lifecycle.Unlock()
	return hs.bringUp(ctx)
}

// Recover implements watchdog.Recoverer: drop every in-flight request, reset
// the transport, wait for the hub and replay its state
func (hs *HubService) Recover(ctx context.Context) error {
	hs.lifecycle.Lock()
	defer hs.lifecycle.Unlock()

	hs.mu.RLock()
	t := hs.transport
	hs.mu.RUnlock()

	started := time.Now()
	hs.engine.Registry().AbandonAll()
	if t != nil {
		if err := t.Reset(ctx); err != nil {
			return fmt.Errorf("reset transport: %w", err)
		}
	}
	if err := hs.bringUp(ctx); err != nil {
		return err
	}
	hs.logger.Info("Hub recovered", zap.Duration("took", time.Since(started)))
	return nil
}

func (hs *HubService) handleDeviceWrite(payload []byte) {
	err := hs.decoder.DecodeFrame(payload)
	if err == nil {
		return
	}

	hs.counters.IncProtocolViolation()
	fields := []zap.Field{zap.Error(err)}
	var pe *decoder.ProtocolError
	if errors.As(err, &pe) {
		fields = append(fields, zap.Int("offset", pe.Offset), zap.Binary("context", pe.Context))
	}
	hs.logger.Warn("Device write rejected", fields...)

	hs.mu.RLock()
	v := hs.violations
	hs.mu.RUnlock()
	if v != nil {
		v.ReportViolation(err)
	}
}

func (hs *HubService) timeResyncLoop() {
	defer hs.wg.Done()
	ticker := time.NewTicker(hs.config.TimeResync)
	defer ticker.Stop()

	for {
		select {
		case <-hs.ctx.Done():
			return
		case <-ticker.C:
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(hs.clock.HostNow()))
			err := hs.engine.SendAsync(hs.ctx, engine.Command{Opcode: OpSetTime, Kind: engine.Write, Data: buf})
			if err != nil && !errors.Is(err, engine.ErrClosed) {
				hs.logger.Warn("Time announcement failed", zap.Error(err))
			}
		}
	}
}

// Close stops background work, abandons in-flight requests and closes the
// transport, in that order
func (hs *HubService) Close() error {
	hs.cancel()
	hs.wg.Wait()
	hs.engine.Close()

	hs.mu.RLock()
	t := hs.transport
	hs.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Close()
}
