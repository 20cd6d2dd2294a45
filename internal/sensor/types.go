// Package sensor defines the closed set of hub sensor types, the per-type
// record widths and the typed sample values decoded from them.
package sensor

import (
	"fmt"
	"strings"
)

// Type is a hub sensor type id as carried on the wire
type Type uint8

const (
	Accelerometer Type = iota
	Gyroscope
	GeomagneticUncalib
	GeomagneticRaw
	Geomagnetic
	Pressure
	Gesture
	Proximity
	ProximityRaw
	Light
	GyroUncalib
	GameRotationVector
	RotationVector
	StepDetector
	StepCounter
	SignificantMotion
	TiltDetector
	TempHumidity

	typeCount
)

// Count is the number of sensor types
const Count = int(typeCount)

var typeNames = [typeCount]string{
	Accelerometer:      "accelerometer",
	Gyroscope:          "gyroscope",
	GeomagneticUncalib: "geomagnetic_uncalib",
	GeomagneticRaw:     "geomagnetic_raw",
	Geomagnetic:        "geomagnetic",
	Pressure:           "pressure",
	Gesture:            "gesture",
	Proximity:          "proximity",
	ProximityRaw:       "proximity_raw",
	Light:              "light",
	GyroUncalib:        "gyro_uncalib",
	GameRotationVector: "game_rotation_vector",
	RotationVector:     "rotation_vector",
	StepDetector:       "step_detector",
	StepCounter:        "step_counter",
	SignificantMotion:  "significant_motion",
	TiltDetector:       "tilt_detector",
	TempHumidity:       "temp_humidity",
}

// String returns the string representation of Type
func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("sensor(%d)", uint8(t))
}

// Valid reports whether t is a known sensor type
func (t Type) Valid() bool {
	return t < typeCount
}

// ParseType resolves a type by name
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sensor type %q", name)
}

// ParseTypes resolves a list of names
func ParseTypes(names []string) ([]Type, error) {
	out := make([]Type, 0, len(names))
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// All returns every sensor type in id order
func All() []Type {
	out := make([]Type, Count)
	for i := range out {
		out[i] = Type(i)
	}
	return out
}

// OnChange reports whether the sensor only reports on events, so silence
// from it says nothing about link health
func (t Type) OnChange() bool {
	switch t {
	case Gesture, Proximity, StepDetector, StepCounter, SignificantMotion, TiltDetector:
		return true
	default:
		return false
	}
}

// Set is a fixed-size set of sensor types
type Set [typeCount]bool

// NewSet builds a set from types
func NewSet(types ...Type) Set {
	var s Set
	for _, t := range types {
		s.Add(t)
	}
	return s
}

func (s *Set) Add(t Type) {
	if t.Valid() {
		s[t] = true
	}
}

func (s *Set) Remove(t Type) {
	if t.Valid() {
		s[t] = false
	}
}

func (s Set) Has(t Type) bool {
	return t.Valid() && s[t]
}

// Types lists the members in id order
func (s Set) Types() []Type {
	var out []Type
	for i, ok := range s {
		if ok {
			out = append(out, Type(i))
		}
	}
	return out
}
