package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = int64(time.Millisecond)

func primed(t *testing.T, cfg LevelConfig, interval time.Duration, base int64) *Leveler {
	t.Helper()
	l := NewLeveler(cfg, interval)
	out, ok := l.Level(base)
	require.True(t, ok)
	require.Equal(t, base, out)
	return l
}

func TestLevelerFirstSampleIsBaseline(t *testing.T) {
	l := NewLeveler(DefaultLevelConfig(), 20*time.Millisecond)
	out, ok := l.Level(12345)
	assert.True(t, ok)
	assert.Equal(t, int64(12345), out)
}

func TestLevelerBoundary(t *testing.T) {
	const T = int64(1_000_000_000)
	cfg := DefaultLevelConfig()
	interval := 20 * time.Millisecond
	I := int64(interval)

	cases := []struct {
		name string
		ts   int64
		want int64
	}{
		{"exactly expected", T + I, T + I},
		{"inside band", T + I + 1*ms, T + I},
		{"last nanosecond of band", T + I + 2*ms - 1, T + I},
		{"band edge passes", T + I + 2*ms, T + I + 2*ms},
		{"just over band", T + I + 2*ms + 1, T + I + 2*ms + 1},
		{"before expected", T + 19_999_999, T + 19_999_999},
		{"far late", T + 3*I, T + 3*I},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := primed(t, cfg, interval, T)
			out, ok := l.Level(tc.ts)
			require.True(t, ok)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestLevelerBandCappedByMaxDeviation(t *testing.T) {
	const T = int64(5_000_000_000)
	cfg := LevelConfig{BandFraction: 2.0, MaxDeviation: 30 * time.Millisecond}
	I := int64(20 * time.Millisecond)

	l := primed(t, cfg, 20*time.Millisecond, T)
	out, _ := l.Level(T + I + 30*ms - 1)
	assert.Equal(t, T+I, out)

	l = primed(t, cfg, 20*time.Millisecond, T)
	out, _ = l.Level(T + I + 30*ms + 1)
	assert.Equal(t, T+I+30*ms+1, out)
}

func TestLevelerDropsNonMonotonic(t *testing.T) {
	l := primed(t, DefaultLevelConfig(), 20*time.Millisecond, 1000*ms)

	_, ok := l.Level(1000 * ms)
	assert.False(t, ok)
	_, ok = l.Level(999 * ms)
	assert.False(t, ok)
	assert.Equal(t, 1000*ms, l.Last())
}

func TestLevelerRejectsRepeatedRawStampAfterSnap(t *testing.T) {
	l := primed(t, DefaultLevelConfig(), 20*time.Millisecond, 100*ms)

	out, ok := l.Level(121 * ms)
	require.True(t, ok)
	assert.Equal(t, 120*ms, out)

	_, ok = l.Level(121 * ms)
	assert.False(t, ok)
	assert.Equal(t, 120*ms, l.Last())

	// the next band is measured from the emitted stamp
	out, ok = l.Level(141 * ms)
	require.True(t, ok)
	assert.Equal(t, 140*ms, out)
}

func TestLevelerResetRebaselines(t *testing.T) {
	l := primed(t, DefaultLevelConfig(), 20*time.Millisecond, 1000*ms)
	l.Reset(10 * time.Millisecond)

	out, ok := l.Level(500 * ms)
	assert.True(t, ok)
	assert.Equal(t, 500*ms, out)
	assert.Equal(t, 10*ms, l.Interval())
}

func TestLevelerLearnsInterval(t *testing.T) {
	l := NewLeveler(DefaultLevelConfig(), 0)
	assert.Zero(t, l.Interval())

	for i := int64(0); i < 4; i++ {
		_, ok := l.Level(i * 10 * ms)
		require.True(t, ok)
	}
	assert.Equal(t, 10*ms, l.Interval())

	out, _ := l.Level(40*ms + 500_000)
	assert.Equal(t, 40*ms, out)
}

func TestSubsamples(t *testing.T) {
	assert.Equal(t, []int64{1020, 1040, 1060, 1080, 1100}, Subsamples(1000, 1100, 5))
	assert.Nil(t, Subsamples(1000, 1100, 0))
}

func TestAnchorInterpolation(t *testing.T) {
	a := NewAnchorTable(16)
	require.NoError(t, a.Set(0, 1000))
	require.NoError(t, a.Set(1, 1100))

	var got []int64
	for k := uint8(1); k <= 5; k++ {
		ts, err := a.Interpolate(1, 5, k, 1_000_000)
		require.NoError(t, err)
		got = append(got, ts)
	}
	assert.Equal(t, []int64{1020, 1040, 1060, 1080, 1100}, got)

	ts, err := a.Interpolate(1, 5, 4, 1050)
	require.NoError(t, err)
	assert.Equal(t, int64(1050), ts, "clamped to now")

	_, err = a.Interpolate(1, 5, 6, 1_000_000)
	assert.ErrorIs(t, err, ErrBadPosition)
	_, err = a.Interpolate(3, 5, 1, 1_000_000)
	assert.ErrorIs(t, err, ErrAnchorMissing)
	_, err = a.Interpolate(16, 5, 1, 1_000_000)
	assert.ErrorIs(t, err, ErrAnchorRange)
}

func TestAnchorInterpolationWraps(t *testing.T) {
	a := NewAnchorTable(4)
	require.NoError(t, a.Set(3, 2000))
	require.NoError(t, a.Set(0, 2400))

	ts, err := a.Interpolate(0, 4, 2, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2200), ts)
}

func TestAnchorBackfill(t *testing.T) {
	a := NewAnchorTable(16)
	require.NoError(t, a.Set(0, 1000))
	require.NoError(t, a.Set(1, 2000))
	require.NoError(t, a.Set(2, 3000))

	// in order, no backfill
	ts, err := a.Backfill(2, 1000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), ts)

	// missing slots are extrapolated from the newest anchor
	ts, err = a.Backfill(5, 1000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), ts)
	v, ok := a.Get(4)
	require.True(t, ok)
	assert.Equal(t, int64(5000), v)

	// a regression is replaced by extrapolation
	require.NoError(t, a.Set(6, 7000))
	require.NoError(t, a.Set(7, 100))
	ts, err = a.Backfill(7, 1000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), ts)

	ts, err = a.Backfill(7, 1000, 7500)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), ts)
}

func TestParseStamp(t *testing.T) {
	s, n, err := ParseStamp([]byte{0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, Plain, s.Encoding)
	assert.Equal(t, uint64(1), s.Value)
	assert.True(t, s.Recognized())

	s, n, err = ParseStamp([]byte{0x01, 3, 5, 2})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, Stamp{Encoding: Interpolated, Anchor: 3, Count: 5, Position: 2, Flag: 1}, s)

	s, n, err = ParseStamp([]byte{0x02, 9})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint8(9), s.Anchor)

	s, n, err = ParseStamp([]byte{0x7F, 2, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.False(t, s.Recognized())
	assert.Equal(t, uint64(2), s.Value)

	_, _, err = ParseStamp([]byte{0x00, 1, 2})
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, err = ParseStamp(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestClock(t *testing.T) {
	host := time.Unix(100, 0)
	c := NewClock(func() time.Time { return host })

	assert.False(t, c.Synced())
	off := c.Observe(40 * int64(time.Second))
	assert.Equal(t, 60*int64(time.Second), off)
	assert.True(t, c.Synced())
	assert.Equal(t, 40*int64(time.Second), c.PeerNow())
	assert.Equal(t, 100*int64(time.Second), c.ToHost(40*int64(time.Second)))
}
