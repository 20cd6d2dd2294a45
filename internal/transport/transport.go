// internal/transport/transport.go
package transport

import (
	"context"
	"errors"

	"sensorhub/internal/frame"
	"sensorhub/internal/pending"
)

var (
	ErrNotOpen        = errors.New("transport not open")
	ErrBufferOverflow = errors.New("reassembly buffer overflow")
	ErrUnexpectedKind = errors.New("unexpected frame kind")
)

// Transport moves raw frames to the hub. Both bindings satisfy it.
type Transport interface {
	// Submit sends f. Replies and device writes are delivered through the
	// Inbound the transport was built with, possibly before Submit returns.
	Submit(ctx context.Context, f *frame.Frame) error

	// Reset tears down and reinitializes the binding, dropping any partial state
	Reset(ctx context.Context) error

	Close() error
}

// Inbound receives everything the hub sends to the host
type Inbound interface {
	// ReplyCapacity reports the reply payload size registered for key
	ReplyCapacity(key pending.Key) (int, bool)

	// HandleReply delivers a reply payload (opcode stripped) for key
	HandleReply(key pending.Key, payload []byte) error

	// HandleDeviceWrite delivers one unsolicited device-initiated payload
	HandleDeviceWrite(payload []byte)

	// HandleViolation reports malformed inbound traffic that was dropped
	HandleViolation(err error, context []byte)
}

// ReplyKey rebuilds the correlation key of a reply from its header and payload
func ReplyKey(h frame.Header, payload []byte) (pending.Key, bool) {
	if len(payload) == 0 {
		return pending.Key{}, false
	}
	return pending.Key{Opcode: payload[0], Kind: h.Kind, Seq: h.Seq}, true
}
