package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sensorhub/internal/sensor"
	"sensorhub/internal/timestamp"
)

// Tag is the instruction tag opening every record of a device write
type Tag byte

const (
	TagSample     Tag = 0x01
	TagMeta       Tag = 0x02
	TagDebugText  Tag = 0x03
	TagBigData    Tag = 0x04
	TagGyroCal    Tag = 0x05
	TagMagCal     Tag = 0x06
	TagProxCal    Tag = 0x07
	TagTimeSync   Tag = 0x08
	TagTimeAnchor Tag = 0x09
)

// Calibration blob sizes
const (
	GyroCalSize = 12
	MagCalSize  = 24
	ProxCalSize = 4
)

func (t Tag) String() string {
	switch t {
	case TagSample:
		return "sample"
	case TagMeta:
		return "meta"
	case TagDebugText:
		return "debug_text"
	case TagBigData:
		return "big_data"
	case TagGyroCal:
		return "gyro_cal"
	case TagMagCal:
		return "mag_cal"
	case TagProxCal:
		return "prox_cal"
	case TagTimeSync:
		return "time_sync"
	case TagTimeAnchor:
		return "time_anchor"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

var (
	ErrProtocol   = errors.New("protocol violation")
	ErrUnknownTag = errors.New("unknown instruction tag")
	ErrTruncated  = errors.New("record truncated")
	ErrMisaligned = errors.New("batch records do not line up with buffer end")
	ErrNested     = errors.New("bulk announce inside a batch")
)

// ProtocolError describes a rejected frame with the bytes around the fault
type ProtocolError struct {
	Offset  int
	Tag     Tag
	Context []byte
	Reason  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation at offset %d (%s): %v", e.Offset, e.Tag, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	return []error{ErrProtocol, e.Reason}
}

// MetaWhat names a control event
type MetaWhat uint8

const (
	MetaFlushComplete MetaWhat = 0x01
	MetaSensorError   MetaWhat = 0x02
	MetaRateChanged   MetaWhat = 0x03
)

// MetaEvent is a control event about one sensor
type MetaEvent struct {
	What   MetaWhat    `json:"what" cbor:"what"`
	Sensor sensor.Type `json:"sensor" cbor:"sensor"`
}

// BigDataAnnounce starts a batch retrieval
type BigDataAnnounce struct {
	Type    uint8  `json:"type"`
	Total   uint32 `json:"total"`
	Address uint32 `json:"address"`
}

// CalibrationBlob is an uninterpreted calibration record
type CalibrationBlob struct {
	Tag  Tag
	Data []byte
}

// Name returns the store name of the blob kind
func (c CalibrationBlob) Name() string {
	switch c.Tag {
	case TagGyroCal:
		return "gyro"
	case TagMagCal:
		return "mag"
	case TagProxCal:
		return "prox"
	default:
		return c.Tag.String()
	}
}

// instruction is one validated record awaiting dispatch
type instruction struct {
	tag    Tag
	offset int

	sensor sensor.Type
	sample sensor.Sample
	stamp  timestamp.Stamp
	meta   MetaEvent
	text   string
	big    BigDataAnnounce
	calib  CalibrationBlob
	peerNs int64
	anchor uint8
}

// parse validates a whole tag sequence without side effects. It must
// consume exactly len(data) bytes.
func parse(widths sensor.WidthTable, data []byte) ([]instruction, error) {
	var out []instruction
	pos := 0

	fail := func(at int, tag Tag, reason error) error {
		lo, hi := max(0, at-8), min(len(data), at+16)
		return &ProtocolError{
			Offset:  at,
			Tag:     tag,
			Context: append([]byte(nil), data[lo:hi]...),
			Reason:  reason,
		}
	}
	need := func(at, n int, tag Tag) error {
		if len(data)-at < n {
			return fail(at, tag, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, tag, n, len(data)-at))
		}
		return nil
	}

	for pos < len(data) {
		start := pos
		tag := Tag(data[pos])
		pos++
		in := instruction{tag: tag, offset: start}

		switch tag {
		case TagSample:
			if err := need(pos, 1, tag); err != nil {
				return nil, err
			}
			st := sensor.Type(data[pos])
			pos++
			sample, n, err := widths.Parse(st, data[pos:])
			if err != nil {
				return nil, fail(start, tag, err)
			}
			pos += n
			stamp, n, err := timestamp.ParseStamp(data[pos:])
			if err != nil {
				return nil, fail(start, tag, err)
			}
			pos += n
			in.sensor, in.sample, in.stamp = st, sample, stamp

		case TagMeta:
			if err := need(pos, 2, tag); err != nil {
				return nil, err
			}
			in.meta = MetaEvent{What: MetaWhat(data[pos]), Sensor: sensor.Type(data[pos+1])}
			pos += 2

		case TagDebugText:
			if err := need(pos, 2, tag); err != nil {
				return nil, err
			}
			n := int(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
			if err := need(pos, n, tag); err != nil {
				return nil, err
			}
			in.text = string(data[pos : pos+n])
			pos += n

		case TagBigData:
			if err := need(pos, 9, tag); err != nil {
				return nil, err
			}
			in.big = BigDataAnnounce{
				Type:    data[pos],
				Total:   binary.LittleEndian.Uint32(data[pos+1:]),
				Address: binary.LittleEndian.Uint32(data[pos+5:]),
			}
			pos += 9

		case TagGyroCal, TagMagCal, TagProxCal:
			n := calibrationSize(tag)
			if err := need(pos, n, tag); err != nil {
				return nil, err
			}
			in.calib = CalibrationBlob{Tag: tag, Data: append([]byte(nil), data[pos:pos+n]...)}
			pos += n

		case TagTimeSync:
			if err := need(pos, 8, tag); err != nil {
				return nil, err
			}
			in.peerNs = int64(binary.LittleEndian.Uint64(data[pos:]))
			pos += 8

		case TagTimeAnchor:
			if err := need(pos, 9, tag); err != nil {
				return nil, err
			}
			in.anchor = data[pos]
			in.peerNs = int64(binary.LittleEndian.Uint64(data[pos+1:]))
			pos += 9

		default:
			return nil, fail(start, tag, ErrUnknownTag)
		}

		out = append(out, in)
	}

	if pos != len(data) {
		return nil, fail(pos, 0, fmt.Errorf("consumed %d of %d bytes", pos, len(data)))
	}
	return out, nil
}

func calibrationSize(tag Tag) int {
	switch tag {
	case TagGyroCal:
		return GyroCalSize
	case TagMagCal:
		return MagCalSize
	case TagProxCal:
		return ProxCalSize
	}
	return 0
}
