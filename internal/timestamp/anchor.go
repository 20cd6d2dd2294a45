package timestamp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Encoding selects how a record's trailing timestamp is carried
type Encoding uint8

const (
	Plain        Encoding = 0 // u64 nanoseconds
	Interpolated Encoding = 1 // anchor index, sub-sample count, position
	Backfill     Encoding = 2 // anchor index
)

var (
	ErrTruncated     = errors.New("timestamp truncated")
	ErrAnchorMissing = errors.New("anchor not set")
	ErrAnchorRange   = errors.New("anchor index out of range")
	ErrBadPosition   = errors.New("sub-sample position out of range")
)

// Stamp is a parsed timestamp field
type Stamp struct {
	Encoding Encoding
	Value    uint64 // Plain
	Anchor   uint8  // Interpolated, Backfill
	Count    uint8  // Interpolated
	Position uint8  // Interpolated, 1-based
	Flag     uint8  // raw flag byte
}

// Recognized reports whether the flag byte named a known encoding
func (s Stamp) Recognized() bool {
	return s.Flag <= uint8(Backfill)
}

// ParseStamp reads one timestamp field from the start of b. An unknown flag
// is read as a plain stamp; callers check Recognized to log it.
func ParseStamp(b []byte) (Stamp, int, error) {
	if len(b) < 1 {
		return Stamp{}, 0, fmt.Errorf("%w: flag missing", ErrTruncated)
	}
	s := Stamp{Flag: b[0]}
	body := b[1:]

	switch Encoding(b[0]) {
	case Interpolated:
		if len(body) < 3 {
			return s, 0, fmt.Errorf("%w: interpolated needs 3 bytes, have %d", ErrTruncated, len(body))
		}
		s.Encoding = Interpolated
		s.Anchor, s.Count, s.Position = body[0], body[1], body[2]
		return s, 4, nil
	case Backfill:
		if len(body) < 1 {
			return s, 0, fmt.Errorf("%w: backfill needs 1 byte", ErrTruncated)
		}
		s.Encoding = Backfill
		s.Anchor = body[0]
		return s, 2, nil
	default:
		if len(body) < 8 {
			return s, 0, fmt.Errorf("%w: plain needs 8 bytes, have %d", ErrTruncated, len(body))
		}
		s.Encoding = Plain
		s.Value = binary.LittleEndian.Uint64(body)
		return s, 9, nil
	}
}

// Subsamples returns the n evenly spaced stamps between two anchors,
// excluding a0 and ending at a1
func Subsamples(a0, a1 int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	step := (a1 - a0) / int64(n)
	out := make([]int64, n)
	for k := 1; k <= n; k++ {
		out[k-1] = a0 + int64(k)*step
	}
	return out
}

// AnchorTable is the rolling table of hardware anchor stamps, refreshed by
// TimeAnchor records and read by batched samples
type AnchorTable struct {
	mu    sync.Mutex
	slots []int64
	set   []bool
	head  int
}

// NewAnchorTable creates a table with n slots
func NewAnchorTable(n int) *AnchorTable {
	if n <= 1 {
		n = 16
	}
	return &AnchorTable{slots: make([]int64, n), set: make([]bool, n), head: -1}
}

// Len returns the number of slots
func (a *AnchorTable) Len() int {
	return len(a.slots)
}

func (a *AnchorTable) prev(idx int) int {
	return (idx - 1 + len(a.slots)) % len(a.slots)
}

// Set stores an anchor
func (a *AnchorTable) Set(idx uint8, ts int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := int(idx)
	if i >= len(a.slots) {
		return fmt.Errorf("%w: %d >= %d", ErrAnchorRange, i, len(a.slots))
	}
	a.slots[i] = ts
	a.set[i] = true
	a.head = i
	return nil
}

// Get returns an anchor
func (a *AnchorTable) Get(idx uint8) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(idx) >= len(a.slots) || !a.set[idx] {
		return 0, false
	}
	return a.slots[idx], true
}

// Clear forgets every anchor
func (a *AnchorTable) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.slots)
	clear(a.set)
	a.head = -1
}

// Interpolate reconstructs sub-sample k of n between anchor idx-1 and anchor
// idx, never later than now
func (a *AnchorTable) Interpolate(idx, n, k uint8, now int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := int(idx)
	if i >= len(a.slots) {
		return 0, fmt.Errorf("%w: %d >= %d", ErrAnchorRange, i, len(a.slots))
	}
	if n == 0 || k == 0 || k > n {
		return 0, fmt.Errorf("%w: %d of %d", ErrBadPosition, k, n)
	}
	p := a.prev(i)
	if !a.set[i] || !a.set[p] {
		return 0, fmt.Errorf("%w: %d/%d", ErrAnchorMissing, p, i)
	}

	ts := a.slots[p] + int64(k)*((a.slots[i]-a.slots[p])/int64(n))
	return min(ts, now), nil
}

// Backfill returns anchor idx. When the table shows a regression at idx, or
// idx was never written, the slots after the most recent anchor up to idx
// are first extrapolated forward by interval.
func (a *AnchorTable) Backfill(idx uint8, interval, now int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := int(idx)
	if i >= len(a.slots) {
		return 0, fmt.Errorf("%w: %d >= %d", ErrAnchorRange, i, len(a.slots))
	}

	p := a.prev(i)
	regressed := !a.set[i] || (a.set[p] && a.slots[i] < a.slots[p])
	if regressed {
		if a.head < 0 || interval <= 0 {
			return 0, fmt.Errorf("%w: %d, nothing to extrapolate from", ErrAnchorMissing, i)
		}
		j := a.head
		if j == i {
			j = p
		}
		for j != i {
			next := (j + 1) % len(a.slots)
			a.slots[next] = a.slots[j] + interval
			a.set[next] = true
			j = next
		}
		a.head = i
	}
	return min(a.slots[i], now), nil
}
