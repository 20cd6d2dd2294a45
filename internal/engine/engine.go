// Package engine drives request/response traffic over a transport binding:
// synchronous send-and-wait, fire-and-forget sends, sequence allocation and
// timeout accounting. It never retries on its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sensorhub/internal/frame"
	"sensorhub/internal/metric"
	"sensorhub/internal/pending"
	"sensorhub/internal/transport"
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrTransport = errors.New("transport failure")
	ErrClosed    = errors.New("engine closed")
	ErrNoTarget  = errors.New("no transport attached")
)

// NackError is returned when a write is acknowledged with a failure code
type NackError struct {
	Opcode byte
	Code   byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("command 0x%02x rejected with code 0x%02x", e.Opcode, e.Code)
}

// ReturnOK is the success return code of an acknowledged write
const ReturnOK byte = 0x00

// CommandKind selects the frame kind of a command
type CommandKind int

const (
	Read CommandKind = iota
	Write
)

// Command is one request to the hub
type Command struct {
	Opcode       byte
	Kind         CommandKind
	Data         []byte
	ReplyLen     int    // expected reply size for reads
	ExpectReturn bool   // writes only: wait for a 1-byte return code
	Seq          uint16 // 0 lets the engine allocate one
}

// Observer is told about request outcomes that matter for link health
type Observer interface {
	OnTimeout(key pending.Key)
	OnTransportError(err error)
	OnViolation(err error)
	CheckNow()
}

// Options configures an Engine
type Options struct {
	DefaultTimeout     time.Duration
	RecoveryCheckDelay time.Duration
}

// Engine is the protocol engine
type Engine struct {
	registry *pending.Registry
	codec    frame.Codec
	counters *metric.Counters
	logger   *zap.Logger
	opts     Options

	mu          sync.RWMutex
	transport   transport.Transport
	observer    Observer
	deviceWrite func([]byte)

	seq    atomic.Uint32
	closed atomic.Bool
}

// New creates an engine; attach a transport with SetTransport before sending
func New(registry *pending.Registry, codec frame.Codec, counters *metric.Counters, opts Options, logger *zap.Logger) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Second
	}
	if opts.RecoveryCheckDelay <= 0 {
		opts.RecoveryCheckDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		codec:    codec,
		counters: counters,
		opts:     opts,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// SetTransport attaches the binding frames are submitted to
func (e *Engine) SetTransport(t transport.Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
}

// SetObserver attaches the link-health observer
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// SetDeviceWriteHandler sets the consumer of unsolicited device writes
func (e *Engine) SetDeviceWriteHandler(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceWrite = fn
}

// Registry exposes the pending-request registry for recovery
func (e *Engine) Registry() *pending.Registry {
	return e.registry
}

// Codec returns the frame codec in use
func (e *Engine) Codec() frame.Codec {
	return e.codec
}

// NextSeq allocates a sequence number in 1..frame.MaxSeq
func (e *Engine) NextSeq() uint16 {
	for {
		n := e.seq.Add(1)
		s := uint16(n % (frame.MaxSeq + 1))
		if s != 0 {
			return s
		}
	}
}

func (e *Engine) target() (transport.Transport, Observer) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport, e.observer
}

// build turns a command into a frame and the key its reply will carry
func (e *Engine) build(cmd *Command) (*frame.Frame, pending.Key, error) {
	if cmd.Seq == 0 {
		cmd.Seq = e.NextSeq()
	}
	if cmd.Seq > frame.MaxSeq {
		return nil, pending.Key{}, fmt.Errorf("%w: %d", frame.ErrSeqOutOfRange, cmd.Seq)
	}

	payload := make([]byte, 1+len(cmd.Data))
	payload[0] = cmd.Opcode
	copy(payload[1:], cmd.Data)

	f := &frame.Frame{Payload: payload}
	f.Seq = cmd.Seq

	var key pending.Key
	switch cmd.Kind {
	case Read:
		f.Kind = frame.KindHostRead
		key = pending.Key{Opcode: cmd.Opcode, Kind: frame.KindHostRead, Seq: cmd.Seq}
	case Write:
		f.Kind = frame.KindHostWrite
		f.ExpectsReturn = cmd.ExpectReturn
		key = pending.Key{Opcode: cmd.Opcode, Kind: frame.KindWriteReply, Seq: cmd.Seq}
	default:
		return nil, key, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}

	if len(payload) > e.codec.MaxPayload {
		return nil, key, fmt.Errorf("%w: %d > %d", frame.ErrOversizedPayload, len(payload), e.codec.MaxPayload)
	}
	return f, key, nil
}

// awaitsReply reports whether a command has a reply to correlate
func awaitsReply(cmd Command) bool {
	switch cmd.Kind {
	case Read:
		return cmd.ReplyLen > 0
	case Write:
		return cmd.ExpectReturn
	}
	return false
}

func replyCapacity(cmd Command) int {
	if cmd.Kind == Write {
		return 1
	}
	return cmd.ReplyLen
}

// SendAsync submits cmd and returns without waiting. A write expecting a
// return code is registered so the acknowledgement can be matched and checked.
func (e *Engine) SendAsync(ctx context.Context, cmd Command) error {
	if e.closed.Load() {
		return ErrClosed
	}
	t, observer := e.target()
	if t == nil {
		return ErrNoTarget
	}

	f, key, err := e.build(&cmd)
	if err != nil {
		return err
	}

	registered := false
	if awaitsReply(cmd) {
		if _, err := e.registry.Register(key, make([]byte, replyCapacity(cmd)), false); err != nil {
			e.reportRegisterError(observer, err)
			return err
		}
		registered = true
	}

	if err := t.Submit(ctx, f); err != nil {
		if registered {
			e.registry.Abandon(key)
		}
		return e.transportFailed(observer, err)
	}
	e.counters.IncSuccess()
	return nil
}

// SendSync submits cmd and waits up to timeout for its reply. Writes without
// a return code complete as soon as the frame is submitted.
func (e *Engine) SendSync(ctx context.Context, cmd Command, timeout time.Duration) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	t, observer := e.target()
	if t == nil {
		return nil, ErrNoTarget
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	f, key, err := e.build(&cmd)
	if err != nil {
		return nil, err
	}

	if !awaitsReply(cmd) {
		if err := t.Submit(ctx, f); err != nil {
			return nil, e.transportFailed(observer, err)
		}
		e.counters.IncSuccess()
		return nil, nil
	}

	handle, err := e.registry.Register(key, make([]byte, replyCapacity(cmd)), true)
	if err != nil {
		e.reportRegisterError(observer, err)
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.Submit(waitCtx, f); err != nil {
		e.registry.Abandon(key)
		return nil, e.transportFailed(observer, err)
	}

	reply, err := handle.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, e.timedOut(observer, key, timeout)
		}
		if errors.Is(err, pending.ErrReplyTooLong) {
			return nil, err
		}
		return nil, fmt.Errorf("request %s: %w", key, err)
	}

	e.counters.IncSuccess()

	if cmd.Kind == Write {
		if len(reply) != 1 {
			return nil, fmt.Errorf("request %s: malformed return code of %d bytes", key, len(reply))
		}
		if reply[0] != ReturnOK {
			return reply, &NackError{Opcode: cmd.Opcode, Code: reply[0]}
		}
	}
	return reply, nil
}

func (e *Engine) timedOut(observer Observer, key pending.Key, timeout time.Duration) error {
	e.counters.IncTimeout()
	e.logger.Warn("Request timed out",
		zap.Stringer("key", key),
		zap.Duration("timeout", timeout),
		zap.Int64("consecutive", e.counters.ConsecutiveTimeouts()),
	)
	if observer != nil {
		observer.OnTimeout(key)
		time.AfterFunc(e.opts.RecoveryCheckDelay, observer.CheckNow)
	}
	return fmt.Errorf("%w: %s after %s", ErrTimeout, key, timeout)
}

func (e *Engine) transportFailed(observer Observer, err error) error {
	e.counters.IncTransportError()
	e.logger.Error("Transport submit failed", zap.Error(err))
	if observer != nil {
		observer.OnTransportError(err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (e *Engine) reportRegisterError(observer Observer, err error) {
	if errors.Is(err, pending.ErrDuplicateKey) || errors.Is(err, pending.ErrResourceExhausted) {
		e.counters.IncProtocolViolation()
		if observer != nil {
			observer.OnViolation(err)
		}
	}
}

// ReplyCapacity implements transport.Inbound
func (e *Engine) ReplyCapacity(key pending.Key) (int, bool) {
	return e.registry.Capacity(key)
}

// HandleReply implements transport.Inbound
func (e *Engine) HandleReply(key pending.Key, payload []byte) error {
	e.counters.IncFrameReceived()

	err := e.registry.Complete(key, payload)
	switch {
	case err == nil:
		if key.Kind == frame.KindWriteReply && len(payload) == 1 && payload[0] != ReturnOK {
			e.logger.Warn("Write acknowledged with failure code",
				zap.Stringer("key", key),
				zap.Uint8("code", payload[0]),
			)
		}
		return nil
	case errors.Is(err, pending.ErrLateReply):
		e.logger.Info("Late reply dropped", zap.Stringer("key", key))
		return nil
	case errors.Is(err, pending.ErrReplyTooLong):
		e.HandleViolation(err, payload)
		return err
	default:
		e.counters.IncPacketError()
		e.logger.Warn("Reply without pending request", zap.Stringer("key", key), zap.Error(err))
		return err
	}
}

// HandleDeviceWrite implements transport.Inbound
func (e *Engine) HandleDeviceWrite(payload []byte) {
	e.counters.IncFrameReceived()

	e.mu.RLock()
	fn := e.deviceWrite
	e.mu.RUnlock()

	if fn == nil {
		e.logger.Debug("Device write dropped, no handler", zap.Int("bytes", len(payload)))
		return
	}
	fn(payload)
}

// HandleViolation implements transport.Inbound
func (e *Engine) HandleViolation(err error, context []byte) {
	e.counters.IncProtocolViolation()
	e.logger.Warn("Protocol violation",
		zap.Error(err),
		zap.Binary("context", context),
	)
	_, observer := e.target()
	if observer != nil {
		observer.OnViolation(err)
	}
}

// Close abandons every pending request and refuses new ones. The transport
// is not closed here; the owner releases it after Close returns.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.registry.AbandonAll()
}
