package sensor

// Variants are the firmware build options that change record widths
type Variants struct {
	GyroWide    bool `mapstructure:"gyro_wide"`    // 32-bit gyroscope axes
	MagAccuracy bool `mapstructure:"mag_accuracy"` // calibrated mag carries an accuracy byte
}

// SelfDescribing marks a record whose length is carried in its first byte
const SelfDescribing = -1

// WidthTable gives the payload width of every sensor type. It is resolved
// once at startup and never changes afterwards.
type WidthTable struct {
	widths  [typeCount]int
	variant Variants
}

// Resolve builds the width table for a firmware build
func Resolve(v Variants) WidthTable {
	var w WidthTable
	w.variant = v
	for i := range w.widths {
		w.widths[i] = baseWidth(Type(i), v)
	}
	return w
}

func baseWidth(t Type, v Variants) int {
	switch t {
	case Accelerometer:
		return 6
	case Gyroscope:
		if v.GyroWide {
			return 12
		}
		return 6
	case GeomagneticUncalib:
		return 12
	case GeomagneticRaw:
		return 6
	case Geomagnetic:
		if v.MagAccuracy {
			return 7
		}
		return 6
	case Pressure:
		return 6
	case Gesture:
		return SelfDescribing
	case Proximity:
		return 3
	case ProximityRaw:
		return 2
	case Light:
		return 9
	case GyroUncalib:
		return 24
	case GameRotationVector, RotationVector:
		return 17
	case StepDetector, SignificantMotion, TiltDetector:
		return 1
	case StepCounter:
		return 4
	case TempHumidity:
		return 5
	case typeCount:
	}
	return 0
}

// Width returns the payload width of t, or SelfDescribing
func (w WidthTable) Width(t Type) int {
	if !t.Valid() {
		return 0
	}
	return w.widths[t]
}

// Variants returns the build options the table was resolved from
func (w WidthTable) Variants() Variants {
	return w.variant
}
