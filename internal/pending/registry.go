// Package pending tracks in-flight requests awaiting a reply from the hub MCU.
//
// A caller hands its reply buffer to the registry at Register time and gets it
// back exactly once through Handle.Wait. When a request is abandoned the
// caller's buffer is never written again: the entry is moved to a graveyard
// holding a registry-owned buffer, so a late reply has somewhere harmless to land.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sensorhub/internal/frame"
)

var (
	ErrDuplicateKey      = errors.New("duplicate correlation key")
	ErrReplyTooLong      = errors.New("reply longer than registered buffer")
	ErrUnknownKey        = errors.New("no pending request for key")
	ErrLateReply         = errors.New("reply arrived after request was abandoned")
	ErrResourceExhausted = errors.New("too many requests in flight")
	ErrAbandoned         = errors.New("request abandoned")
)

// Key correlates a reply with its request
type Key struct {
	Opcode byte
	Kind   frame.Kind
	Seq    uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s/0x%02x/%d", k.Kind, k.Opcode, k.Seq)
}

type state int

const (
	statePending state = iota
	stateCompleted
	stateAbandoned
)

type entry struct {
	key   Key
	buf   []byte
	n     int
	state state
	err   error
	done  chan struct{}
}

// Handle is the caller's side of a registered request
type Handle struct {
	e        *entry
	registry *Registry
	once     sync.Once
}

// Key returns the correlation key of the request
func (h *Handle) Key() Key {
	return h.e.key
}

// Signaled reports whether the request carries a completion signal
func (h *Handle) Signaled() bool {
	return h.e.done != nil
}

// Wait blocks until the request completes, is abandoned, or ctx ends.
// On success the reply bytes are returned and buffer ownership is back with
// the caller. If ctx ends first the request is abandoned and ErrAbandoned
// is returned wrapped with the context error.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	if h.e.done == nil {
		return nil, fmt.Errorf("request %s has no completion signal", h.e.key)
	}

	select {
	case <-h.e.done:
	case <-ctx.Done():
		h.registry.abandonEntry(h.e)
		<-h.e.done
	}

	var (
		out []byte
		err error
	)
	h.once.Do(func() {
		h.registry.mu.Lock()
		defer h.registry.mu.Unlock()
		switch h.e.state {
		case stateCompleted:
			out = h.e.buf[:h.e.n]
		default:
			err = h.e.err
			if err == nil {
				err = ErrAbandoned
			}
			if ctx.Err() != nil && errors.Is(err, ErrAbandoned) {
				err = fmt.Errorf("%w: %w", err, ctx.Err())
			}
		}
	})
	return out, err
}

// Registry is the mutex-guarded collection of pending requests
type Registry struct {
	mu          sync.Mutex
	entries     map[Key]*entry
	graveyard   map[Key]*entry
	buried      []*entry // graveyard entries in burial order, possibly stale
	maxInFlight int
	logger      *zap.Logger
}

// NewRegistry creates a registry; maxInFlight <= 0 means unbounded
func NewRegistry(maxInFlight int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:     make(map[Key]*entry),
		graveyard:   make(map[Key]*entry),
		maxInFlight: maxInFlight,
		logger:      logger.With(zap.String("component", "pending")),
	}
}

// Register moves buf into the registry under key. signal selects whether a
// completion channel is created for a waiting caller.
func (r *Registry) Register(key Key, buf []byte, signal bool) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		r.logger.Warn("Duplicate correlation key rejected", zap.Stringer("key", key))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	if r.maxInFlight > 0 && len(r.entries) >= r.maxInFlight {
		return nil, fmt.Errorf("%w: %d", ErrResourceExhausted, len(r.entries))
	}

	// a reused key makes any late reply for the old request ambiguous
	delete(r.graveyard, key)

	e := &entry{key: key, buf: buf, state: statePending}
	if signal {
		e.done = make(chan struct{})
	}
	r.entries[key] = e
	return &Handle{e: e, registry: r}, nil
}

// Capacity returns the reply capacity registered for key
func (r *Registry) Capacity(key Key) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return len(e.buf), true
	}
	if e, ok := r.graveyard[key]; ok {
		return len(e.buf), true
	}
	return 0, false
}

// Complete delivers a reply for key and wakes the waiter
func (r *Registry) Complete(key Key, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		if dead, late := r.graveyard[key]; late {
			delete(r.graveyard, key)
			copy(dead.buf, data)
			r.logger.Debug("Late reply absorbed by registry buffer",
				zap.Stringer("key", key),
				zap.Int("bytes", len(data)),
			)
			return fmt.Errorf("%w: %s", ErrLateReply, key)
		}
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	delete(r.entries, key)
	if len(data) > len(e.buf) {
		r.finish(e, stateAbandoned, fmt.Errorf("%w: %d > %d", ErrReplyTooLong, len(data), len(e.buf)))
		return fmt.Errorf("%w: %s got %d bytes, expected at most %d", ErrReplyTooLong, key, len(data), len(e.buf))
	}

	e.n = copy(e.buf, data)
	r.finish(e, stateCompleted, nil)
	return nil
}

// Abandon marks key dead and wakes its waiter with ErrAbandoned
func (r *Registry) Abandon(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.bury(e)
	return true
}

func (r *Registry) abandonEntry(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[e.key]; ok && cur == e {
		r.bury(e)
	}
}

// AbandonAll abandons every pending request. Safe to call repeatedly.
func (r *Registry) AbandonAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for _, e := range r.entries {
		r.bury(e)
	}
	if n > 0 {
		r.logger.Info("Abandoned all pending requests", zap.Int("count", n))
	}
	return n
}

// Len returns the number of live pending requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// graveyardLimit bounds how many abandoned keys keep a fallback buffer
const graveyardLimit = 256

// bury must be called with mu held
func (r *Registry) bury(e *entry) {
	delete(r.entries, e.key)

	// a burial is stale once its key was reused or its late reply arrived;
	// only the live one may evict the graveyard entry
	for len(r.buried) > 0 {
		head := r.buried[0]
		live := r.graveyard[head.key] == head
		if live && len(r.graveyard) < graveyardLimit {
			break
		}
		if live {
			delete(r.graveyard, head.key)
		}
		r.buried[0] = nil
		r.buried = r.buried[1:]
	}
	if len(r.buried) >= 2*graveyardLimit {
		kept := make([]*entry, 0, len(r.graveyard))
		for _, b := range r.buried {
			if r.graveyard[b.key] == b {
				kept = append(kept, b)
			}
		}
		r.buried = kept
	}

	dead := &entry{
		key:   e.key,
		buf:   make([]byte, len(e.buf)),
		state: stateAbandoned,
	}
	r.graveyard[e.key] = dead
	r.buried = append(r.buried, dead)
	r.finish(e, stateAbandoned, ErrAbandoned)
}

// finish must be called with mu held
func (r *Registry) finish(e *entry, s state, err error) {
	if e.state != statePending {
		r.logger.Error("Pending request finished twice", zap.Stringer("key", e.key))
		return
	}
	e.state = s
	e.err = err
	if s != stateCompleted {
		// ownership of the caller buffer ends here
		e.buf = nil
	}
	if e.done != nil {
		close(e.done)
	}
}
