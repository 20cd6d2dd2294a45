// Package timestamp reconstructs per-sample timestamps from the hub's
// jittery clock: leveling of plain stamps, interpolation of batched samples
// between anchor points, and back-filling of anchors after a regression.
package timestamp

import "time"

// LevelConfig holds the leveling tuning. The values are hardware-fit
// properties, so they are configuration rather than derived.
type LevelConfig struct {
	BandFraction float64       `mapstructure:"band_fraction"` // band width as a fraction of the interval
	MaxDeviation time.Duration `mapstructure:"max_deviation"` // absolute cap on the band
	RingSize     int           `mapstructure:"interval_ring"` // recent intervals kept per sensor
}

// DefaultLevelConfig returns the stock tuning
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{
		BandFraction: 0.1,
		MaxDeviation: 30 * time.Millisecond,
		RingSize:     8,
	}
}

// Leveler suppresses small jitter on one sensor's timestamps by snapping a
// stamp that lands just past the expected instant back onto it
type Leveler struct {
	cfg      LevelConfig
	interval int64
	last     int64 // last emitted stamp
	lastRaw  int64 // last stamp as received
	primed   bool
	ring     []int64
	ringPos  int
	ringLen  int
}

// NewLeveler creates a leveler; interval 0 learns the interval from traffic
func NewLeveler(cfg LevelConfig, interval time.Duration) *Leveler {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 8
	}
	l := &Leveler{cfg: cfg, ring: make([]int64, cfg.RingSize)}
	l.Reset(interval)
	return l
}

// Reset forgets the baseline; the next stamp is accepted as-is
func (l *Leveler) Reset(interval time.Duration) {
	l.interval = int64(interval)
	l.last = 0
	l.lastRaw = 0
	l.primed = false
	l.ringPos = 0
	l.ringLen = 0
}

// Interval returns the interval used for leveling, or 0 when none is known
func (l *Leveler) Interval() int64 {
	if l.interval > 0 {
		return l.interval
	}
	if l.ringLen == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < l.ringLen; i++ {
		sum += l.ring[i]
	}
	return sum / int64(l.ringLen)
}

// Band returns the width of the snapping window for interval
func (l *Leveler) Band(interval int64) int64 {
	band := int64(float64(interval) * l.cfg.BandFraction)
	if limit := int64(l.cfg.MaxDeviation); limit > 0 && band > limit {
		band = limit
	}
	return band
}

// Last returns the last emitted stamp
func (l *Leveler) Last() int64 {
	return l.last
}

// Level returns the stamp to emit for ts. ok is false when ts does not move
// past the previous raw stamp and the sample must be dropped. The band is
// measured from the last emitted stamp; intervals from the raw ones.
func (l *Leveler) Level(ts int64) (out int64, ok bool) {
	if !l.primed {
		l.primed = true
		l.last = ts
		l.lastRaw = ts
		return ts, true
	}
	if ts <= l.lastRaw {
		return 0, false
	}

	out = ts
	if interval := l.Interval(); interval > 0 {
		expected := l.last + interval
		if ts >= expected && ts < expected+l.Band(interval) {
			out = expected
		}
	}

	l.record(ts - l.lastRaw)
	l.lastRaw = ts
	l.last = out
	return out, true
}

// Accept moves the baseline to ts without leveling, used for stamps
// reconstructed from anchors
func (l *Leveler) Accept(ts int64) bool {
	if l.primed && (ts <= l.last || ts <= l.lastRaw) {
		return false
	}
	if l.primed {
		l.record(ts - l.lastRaw)
	}
	l.primed = true
	l.last = ts
	l.lastRaw = ts
	return true
}

func (l *Leveler) record(delta int64) {
	l.ring[l.ringPos] = delta
	l.ringPos = (l.ringPos + 1) % len(l.ring)
	if l.ringLen < len(l.ring) {
		l.ringLen++
	}
}
