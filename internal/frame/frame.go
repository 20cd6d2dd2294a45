// internal/frame/frame.go
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the direction/type of a frame, carried in the low bits of the options word
type Kind uint8

const (
	KindHostRead    Kind = 0 // host reads from device
	KindHostWrite   Kind = 1 // host writes to device
	KindDeviceWrite Kind = 2 // device writes to host (unsolicited)
	KindWriteReply  Kind = 3 // device replies to a host write
)

// Header layout
const (
	HeaderSize = 4

	kindMask      = 0x0007
	returnFlag    = 0x0008
	seqShift      = 4
	MaxSeq        = 0x0FFF
	DefaultMaxLen = 2048
)

var (
	ErrOversizedPayload = errors.New("frame payload exceeds channel maximum")
	ErrShortHeader      = errors.New("frame header shorter than 4 bytes")
	ErrUnknownKind      = errors.New("unknown frame kind")
	ErrSeqOutOfRange    = errors.New("sequence does not fit in 12 bits")
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindHostRead:
		return "host_read"
	case KindHostWrite:
		return "host_write"
	case KindDeviceWrite:
		return "device_write"
	case KindWriteReply:
		return "write_reply"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four wire kinds
func (k Kind) Valid() bool {
	return k <= KindWriteReply
}

// Header is the fixed 4-byte frame header: options word + payload length
type Header struct {
	Kind          Kind
	ExpectsReturn bool
	Seq           uint16
	Length        uint16
}

// Frame is one framed unit on the wire
type Frame struct {
	Header
	Payload []byte
}

// Codec encodes and decodes headers against a channel maximum
type Codec struct {
	MaxPayload int
}

// NewCodec creates a codec; maxPayload <= 0 selects DefaultMaxLen
func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 || maxPayload > 0xFFFF {
		maxPayload = DefaultMaxLen
	}
	return Codec{MaxPayload: maxPayload}
}

// Options packs kind, return flag and sequence into the options word
func (h Header) Options() uint16 {
	opts := uint16(h.Kind) & kindMask
	if h.ExpectsReturn {
		opts |= returnFlag
	}
	opts |= (h.Seq & MaxSeq) << seqShift
	return opts
}

// EncodeHeader serializes h into its 4-byte wire form
func (c Codec) EncodeHeader(h Header) ([HeaderSize]byte, error) {
	var out [HeaderSize]byte
	if !h.Kind.Valid() {
		return out, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}
	if h.Seq > MaxSeq {
		return out, fmt.Errorf("%w: %d", ErrSeqOutOfRange, h.Seq)
	}
	if int(h.Length) > c.MaxPayload {
		return out, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, h.Length, c.MaxPayload)
	}
	binary.LittleEndian.PutUint16(out[0:2], h.Options())
	binary.LittleEndian.PutUint16(out[2:4], h.Length)
	return out, nil
}

// DecodeHeader parses the first 4 bytes of b
func (c Codec) DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	opts := binary.LittleEndian.Uint16(b[0:2])
	h := Header{
		Kind:          Kind(opts & kindMask),
		ExpectsReturn: opts&returnFlag != 0,
		Seq:           opts >> seqShift,
		Length:        binary.LittleEndian.Uint16(b[2:4]),
	}
	if !h.Kind.Valid() {
		return h, fmt.Errorf("%w: options=0x%04x", ErrUnknownKind, opts)
	}
	if int(h.Length) > c.MaxPayload {
		return h, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, h.Length, c.MaxPayload)
	}
	return h, nil
}

// Encode serializes header and payload; Length is taken from the payload
func (c Codec) Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > c.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, len(f.Payload), c.MaxPayload)
	}
	f.Length = uint16(len(f.Payload))
	hdr, err := c.EncodeHeader(f.Header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	copy(out, hdr[:])
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// Decode parses a complete frame held in b. Trailing bytes are an error.
func (c Codec) Decode(b []byte) (*Frame, error) {
	h, err := c.DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b)-HeaderSize != int(h.Length) {
		return nil, fmt.Errorf("frame length mismatch: header says %d, have %d", h.Length, len(b)-HeaderSize)
	}
	f := &Frame{Header: h}
	if h.Length > 0 {
		f.Payload = make([]byte, h.Length)
		copy(f.Payload, b[HeaderSize:])
	}
	return f, nil
}

// Opcode returns the first payload byte of a host-originated frame or a reply
func (f *Frame) Opcode() (byte, bool) {
	if len(f.Payload) == 0 {
		return 0, false
	}
	return f.Payload[0], true
}
