package calibration

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/decoder"
)

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := NewStore(fs, "/var/lib/sensorhub", nil)
	require.NoError(t, err)
	return s, fs
}

func TestSaveAndLoad(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Save("gyro", []byte{1, 2, 3}))
	data, err := s.Load("gyro")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, s.Save("gyro", []byte{4}))
	data, err = s.Load("gyro")
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, data)
}

func TestLoadMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load("mag")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalibrationSinkPersistsBlob(t *testing.T) {
	s, _ := newTestStore(t)

	s.Calibration(decoder.CalibrationBlob{Tag: decoder.TagMagCal, Data: make([]byte, decoder.MagCalSize)})
	s.Calibration(decoder.CalibrationBlob{Tag: decoder.TagProxCal, Data: []byte{9, 9, 9, 9}})

	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"mag", "prox"}, names)

	data, err := s.Load("prox")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, data)
}

func TestSaveDumpStaysInsideDir(t *testing.T) {
	s, fs := newTestStore(t)

	require.NoError(t, s.SaveDump("dump/crash-1700000000.bin", []byte{0xDE, 0xAD}))
	data, err := afero.ReadFile(fs, "/var/lib/sensorhub/dump/crash-1700000000.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, data)

	require.NoError(t, s.SaveDump("../../escape.bin", []byte{1}))
	exists, err := afero.Exists(fs, "/var/escape.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	names, err := s.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "dumps are not calibration blobs")
}
