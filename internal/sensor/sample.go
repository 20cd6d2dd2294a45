package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated   = errors.New("sensor record truncated")
	ErrUnknownType = errors.New("unknown sensor type")
)

// Sample is one decoded sensor value
type Sample interface {
	Kind() string
}

// Vector3 is a 3-axis reading (accelerometer, gyroscope, raw magnetometer)
type Vector3 struct {
	X int32 `json:"x" cbor:"x"`
	Y int32 `json:"y" cbor:"y"`
	Z int32 `json:"z" cbor:"z"`
}

// UncalibratedVector is a 3-axis reading with its bias estimate
type UncalibratedVector struct {
	X     int32 `json:"x" cbor:"x"`
	Y     int32 `json:"y" cbor:"y"`
	Z     int32 `json:"z" cbor:"z"`
	BiasX int32 `json:"bias_x" cbor:"bias_x"`
	BiasY int32 `json:"bias_y" cbor:"bias_y"`
	BiasZ int32 `json:"bias_z" cbor:"bias_z"`
}

// CalibratedMag is a calibrated magnetic field reading
type CalibratedMag struct {
	X        int16 `json:"x" cbor:"x"`
	Y        int16 `json:"y" cbor:"y"`
	Z        int16 `json:"z" cbor:"z"`
	Accuracy uint8 `json:"accuracy" cbor:"accuracy"`
}

// Quaternion is a rotation vector with accuracy
type Quaternion struct {
	X        int32 `json:"x" cbor:"x"`
	Y        int32 `json:"y" cbor:"y"`
	Z        int32 `json:"z" cbor:"z"`
	W        int32 `json:"w" cbor:"w"`
	Accuracy uint8 `json:"accuracy" cbor:"accuracy"`
}

// PressureTemp is a barometer reading
type PressureTemp struct {
	Pressure    int32 `json:"pressure" cbor:"pressure"`
	Temperature int16 `json:"temperature" cbor:"temperature"`
}

// ProximityState is a near/far decision with the ADC value behind it
type ProximityState struct {
	Near bool   `json:"near" cbor:"near"`
	ADC  uint16 `json:"adc" cbor:"adc"`
}

// ProximityADC is a raw proximity reading
type ProximityADC struct {
	Raw uint16 `json:"raw" cbor:"raw"`
}

// LightSample is an ambient light reading
type LightSample struct {
	Lux  uint32 `json:"lux" cbor:"lux"`
	CCT  uint32 `json:"cct" cbor:"cct"`
	Gain uint8  `json:"gain" cbor:"gain"`
}

// GestureBlob is an opaque gesture record
type GestureBlob struct {
	Data []byte `json:"data" cbor:"data"`
}

// Event is a one-shot trigger
type Event struct {
	Value uint8 `json:"value" cbor:"value"`
}

// StepCount is a cumulative step counter
type StepCount struct {
	Steps uint32 `json:"steps" cbor:"steps"`
}

// Climate is a temperature and humidity reading
type Climate struct {
	Temperature int16  `json:"temperature" cbor:"temperature"`
	Humidity    uint16 `json:"humidity" cbor:"humidity"`
	Comfort     uint8  `json:"comfort" cbor:"comfort"`
}

func (Vector3) Kind() string            { return "vector3" }
func (UncalibratedVector) Kind() string { return "uncalibrated_vector" }
func (CalibratedMag) Kind() string      { return "calibrated_mag" }
func (Quaternion) Kind() string         { return "quaternion" }
func (PressureTemp) Kind() string       { return "pressure_temp" }
func (ProximityState) Kind() string     { return "proximity_state" }
func (ProximityADC) Kind() string       { return "proximity_adc" }
func (LightSample) Kind() string        { return "light" }
func (GestureBlob) Kind() string        { return "gesture" }
func (Event) Kind() string              { return "event" }
func (StepCount) Kind() string          { return "step_count" }
func (Climate) Kind() string            { return "climate" }

var le = binary.LittleEndian

func i16(b []byte) int32 { return int32(int16(le.Uint16(b))) }
func i32(b []byte) int32 { return int32(le.Uint32(b)) }

// RecordLen returns how many bytes the payload of t occupies at the start of
// data, reading the length prefix of self-describing records
func (w WidthTable) RecordLen(t Type, data []byte) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	n := w.Width(t)
	if n == SelfDescribing {
		if len(data) < 1 {
			return 0, fmt.Errorf("%w: %s length prefix missing", ErrTruncated, t)
		}
		n = 1 + int(data[0])
	}
	if len(data) < n {
		return 0, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, t, n, len(data))
	}
	return n, nil
}

// Parse decodes the payload of one record of type t from the start of data
// and returns the sample with the number of bytes consumed
func (w WidthTable) Parse(t Type, data []byte) (Sample, int, error) {
	n, err := w.RecordLen(t, data)
	if err != nil {
		return nil, 0, err
	}
	b := data[:n]

	var s Sample
	switch t {
	case Accelerometer, GeomagneticRaw:
		s = Vector3{X: i16(b[0:]), Y: i16(b[2:]), Z: i16(b[4:])}
	case Gyroscope:
		if n == 12 {
			s = Vector3{X: i32(b[0:]), Y: i32(b[4:]), Z: i32(b[8:])}
		} else {
			s = Vector3{X: i16(b[0:]), Y: i16(b[2:]), Z: i16(b[4:])}
		}
	case GeomagneticUncalib:
		s = UncalibratedVector{
			X: i16(b[0:]), Y: i16(b[2:]), Z: i16(b[4:]),
			BiasX: i16(b[6:]), BiasY: i16(b[8:]), BiasZ: i16(b[10:]),
		}
	case GyroUncalib:
		s = UncalibratedVector{
			X: i32(b[0:]), Y: i32(b[4:]), Z: i32(b[8:]),
			BiasX: i32(b[12:]), BiasY: i32(b[16:]), BiasZ: i32(b[20:]),
		}
	case Geomagnetic:
		m := CalibratedMag{X: int16(le.Uint16(b[0:])), Y: int16(le.Uint16(b[2:])), Z: int16(le.Uint16(b[4:]))}
		if n == 7 {
			m.Accuracy = b[6]
		}
		s = m
	case Pressure:
		s = PressureTemp{Pressure: i32(b[0:]), Temperature: int16(le.Uint16(b[4:]))}
	case Gesture:
		s = GestureBlob{Data: append([]byte(nil), b[1:]...)}
	case Proximity:
		s = ProximityState{Near: b[0] != 0, ADC: le.Uint16(b[1:])}
	case ProximityRaw:
		s = ProximityADC{Raw: le.Uint16(b[0:])}
	case Light:
		s = LightSample{Lux: le.Uint32(b[0:]), CCT: le.Uint32(b[4:]), Gain: b[8]}
	case GameRotationVector, RotationVector:
		s = Quaternion{X: i32(b[0:]), Y: i32(b[4:]), Z: i32(b[8:]), W: i32(b[12:]), Accuracy: b[16]}
	case StepDetector, SignificantMotion, TiltDetector:
		s = Event{Value: b[0]}
	case StepCounter:
		s = StepCount{Steps: le.Uint32(b[0:])}
	case TempHumidity:
		s = Climate{Temperature: int16(le.Uint16(b[0:])), Humidity: le.Uint16(b[2:]), Comfort: b[4]}
	case typeCount:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return s, n, nil
}
