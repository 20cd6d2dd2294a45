// internal/transport/relay.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sensorhub/internal/frame"
	"sensorhub/internal/pending"
)

// Bridge is the external process relaying bytes to and from the hub
type Bridge interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Reconnector is implemented by bridges that can re-establish their session
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// State is the reassembly state
type State int

const (
	AwaitingHeader State = iota
	AwaitingPayload
	Discarding
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingPayload:
		return "awaiting_payload"
	case Discarding:
		return "discarding"
	default:
		return "unknown"
	}
}

// Reassembler rebuilds frames from arbitrarily sized chunks. Each relay owns
// its own instance; nothing is shared between bindings.
type Reassembler struct {
	codec   frame.Codec
	inbound Inbound

	state   State
	hdr     [frame.HeaderSize]byte
	hdrN    int
	header  frame.Header
	payload []byte
	want    int
	checked bool
}

// NewReassembler creates a reassembler delivering to inbound
func NewReassembler(codec frame.Codec, inbound Inbound) *Reassembler {
	return &Reassembler{
		codec:   codec,
		inbound: inbound,
		payload: make([]byte, 0, codec.MaxPayload),
	}
}

// State returns the current state
func (r *Reassembler) State() State {
	return r.state
}

// Reset drops any partial frame
func (r *Reassembler) Reset() {
	r.state = AwaitingHeader
	r.hdrN = 0
	r.header = frame.Header{}
	r.payload = r.payload[:0]
	r.want = 0
	r.checked = false
}

// Feed consumes one chunk
func (r *Reassembler) Feed(chunk []byte) {
	for len(chunk) > 0 {
		switch r.state {
		case AwaitingHeader:
			n := copy(r.hdr[r.hdrN:], chunk)
			r.hdrN += n
			chunk = chunk[n:]
			if r.hdrN == frame.HeaderSize {
				r.onHeader()
			}

		case AwaitingPayload:
			n := min(r.want-len(r.payload), len(chunk))
			if len(r.payload)+n > cap(r.payload) {
				r.violation(ErrBufferOverflow, chunk[:n])
				return
			}
			r.payload = append(r.payload, chunk[:n]...)
			chunk = chunk[n:]
			if !r.checkCapacity() {
				continue
			}
			if len(r.payload) == r.want {
				r.deliver()
			}

		case Discarding:
			n := min(r.want, len(chunk))
			r.want -= n
			chunk = chunk[n:]
			if r.want == 0 {
				r.Reset()
			}
		}
	}
}

func (r *Reassembler) onHeader() {
	h, err := r.codec.DecodeHeader(r.hdr[:])
	if err != nil {
		if errors.Is(err, frame.ErrOversizedPayload) {
			err = fmt.Errorf("%w: %w", ErrBufferOverflow, err)
		}
		r.violation(err, r.hdr[:])
		return
	}
	r.header = h
	r.want = int(h.Length)
	r.hdrN = 0

	switch h.Kind {
	case frame.KindDeviceWrite, frame.KindHostRead:
		if h.Length == 0 {
			r.Reset()
			return
		}
		r.state = AwaitingPayload

	case frame.KindWriteReply:
		switch {
		case h.Length == 0:
			// fire-and-forget acknowledgement
			r.Reset()
		case h.ExpectsReturn:
			r.state = AwaitingPayload
		default:
			r.state = Discarding
		}

	default:
		r.violation(fmt.Errorf("%w: %s from peer", ErrUnexpectedKind, h.Kind), r.hdr[:])
	}
}

// checkCapacity rejects a reply longer than its registered buffer as soon as
// the opcode is known, and skips the rest of it to stay aligned
func (r *Reassembler) checkCapacity() bool {
	if r.checked || r.header.Kind == frame.KindDeviceWrite || len(r.payload) == 0 {
		return true
	}
	r.checked = true

	key, _ := ReplyKey(r.header, r.payload)
	capacity, ok := r.inbound.ReplyCapacity(key)
	if !ok || r.want-1 <= capacity {
		return true
	}

	r.inbound.HandleViolation(
		fmt.Errorf("%w: %s advertises %d bytes, expected at most %d", pending.ErrReplyTooLong, key, r.want-1, capacity),
		r.hdr[:],
	)
	r.want -= len(r.payload)
	r.payload = r.payload[:0]
	if r.want == 0 {
		r.Reset()
	} else {
		r.state = Discarding
	}
	return false
}

func (r *Reassembler) deliver() {
	h := r.header
	payload := make([]byte, len(r.payload))
	copy(payload, r.payload)
	r.Reset()

	if h.Kind == frame.KindDeviceWrite {
		r.inbound.HandleDeviceWrite(payload)
		return
	}
	key, _ := ReplyKey(h, payload)
	_ = r.inbound.HandleReply(key, payload[1:])
}

func (r *Reassembler) violation(err error, context []byte) {
	ctx := append([]byte(nil), context...)
	r.Reset()
	r.inbound.HandleViolation(err, ctx)
}

// Relay is the binding through an external bridge process. Inbound bytes
// arrive through OnBytes and are processed in arrival order.
type Relay struct {
	codec  frame.Codec
	logger *zap.Logger

	feed sync.Mutex
	asm  *Reassembler

	mu     sync.Mutex
	bridge Bridge
}

// NewRelay creates a relay binding; attach the bridge once it is connected
func NewRelay(codec frame.Codec, inbound Inbound, logger *zap.Logger) *Relay {
	return &Relay{
		codec:  codec,
		asm:    NewReassembler(codec, inbound),
		logger: logger.With(zap.String("component", "transport"), zap.String("binding", "relay")),
	}
}

// Attach sets the bridge frames are written to
func (r *Relay) Attach(b Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridge = b
}

func (r *Relay) current() Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridge
}

// Submit encodes f and writes it to the bridge; replies arrive via OnBytes
func (r *Relay) Submit(ctx context.Context, f *frame.Frame) error {
	b := r.current()
	if b == nil {
		return ErrNotOpen
	}
	raw, err := r.codec.Encode(f)
	if err != nil {
		return err
	}
	return b.Write(ctx, raw)
}

// OnBytes feeds one chunk from the bridge into the reassembler
func (r *Relay) OnBytes(chunk []byte) {
	r.feed.Lock()
	defer r.feed.Unlock()
	r.asm.Feed(chunk)
}

// Reset drops partial reassembly state and reconnects the bridge when supported
func (r *Relay) Reset(ctx context.Context) error {
	r.feed.Lock()
	r.asm.Reset()
	r.feed.Unlock()

	b := r.current()

	if rc, ok := b.(Reconnector); ok {
		if err := rc.Reconnect(ctx); err != nil {
			return fmt.Errorf("reconnect bridge: %w", err)
		}
	}
	r.logger.Info("Relay binding reset")
	return nil
}

// Close closes the bridge
func (r *Relay) Close() error {
	b := r.current()
	if b == nil {
		return nil
	}
	return b.Close()
}
