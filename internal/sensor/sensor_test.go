package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeNamesRoundTrip(t *testing.T) {
	for _, st := range All() {
		parsed, err := ParseType(st.String())
		require.NoError(t, err, st.String())
		assert.Equal(t, st, parsed)
	}

	_, err := ParseType("barometer")
	assert.Error(t, err)
	assert.False(t, Type(Count).Valid())
	assert.Equal(t, "sensor(200)", Type(200).String())
}

func TestEveryTypeHasWidth(t *testing.T) {
	w := Resolve(Variants{})
	for _, st := range All() {
		assert.NotZero(t, w.Width(st), st.String())
	}
}

func TestVariantsChangeWidths(t *testing.T) {
	narrow := Resolve(Variants{})
	wide := Resolve(Variants{GyroWide: true, MagAccuracy: true})

	assert.Equal(t, 6, narrow.Width(Gyroscope))
	assert.Equal(t, 12, wide.Width(Gyroscope))
	assert.Equal(t, 6, narrow.Width(Geomagnetic))
	assert.Equal(t, 7, wide.Width(Geomagnetic))
	assert.Equal(t, narrow.Width(Accelerometer), wide.Width(Accelerometer))
}

func TestParseFixedWidth(t *testing.T) {
	w := Resolve(Variants{GyroWide: true, MagAccuracy: true})

	s, n, err := w.Parse(Accelerometer, []byte{0x01, 0x00, 0xFF, 0xFF, 0x10, 0x00, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, Vector3{X: 1, Y: -1, Z: 16}, s)

	s, n, err = w.Parse(Gyroscope, []byte{
		0x00, 0x00, 0x01, 0x00,
		0xFE, 0xFF, 0xFF, 0xFF,
		0x05, 0x00, 0x00, 0x00,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, Vector3{X: 65536, Y: -2, Z: 5}, s)

	s, _, err = w.Parse(Geomagnetic, []byte{1, 0, 2, 0, 3, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, CalibratedMag{X: 1, Y: 2, Z: 3, Accuracy: 3}, s)

	s, _, err = w.Parse(RotationVector, append(make([]byte, 16), 2))
	require.NoError(t, err)
	assert.Equal(t, Quaternion{Accuracy: 2}, s)

	s, _, err = w.Parse(Proximity, []byte{1, 0x34, 0x12})
	require.NoError(t, err)
	assert.Equal(t, ProximityState{Near: true, ADC: 0x1234}, s)

	s, _, err = w.Parse(StepCounter, []byte{0x10, 0x27, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, StepCount{Steps: 10000}, s)
}

func TestParseSelfDescribing(t *testing.T) {
	w := Resolve(Variants{})

	s, n, err := w.Parse(Gesture, []byte{3, 0xA, 0xB, 0xC, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, GestureBlob{Data: []byte{0xA, 0xB, 0xC}}, s)

	_, _, err = w.Parse(Gesture, []byte{5, 1, 2})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = w.Parse(Gesture, nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseRejectsTruncatedAndUnknown(t *testing.T) {
	w := Resolve(Variants{})

	_, _, err := w.Parse(Light, make([]byte, 8))
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = w.Parse(Type(Count), make([]byte, 32))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestSet(t *testing.T) {
	s := NewSet(Accelerometer, Light)
	assert.True(t, s.Has(Light))
	s.Remove(Light)
	s.Add(Type(250))
	assert.Equal(t, []Type{Accelerometer}, s.Types())
}
