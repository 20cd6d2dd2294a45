// internal/link/mock.go
package link

import (
	"context"
	"sync"
	"time"
)

// MockLink is an in-memory Link for tests and dry runs. Reads are served from
// a queue of scripted chunks; writes are recorded and may trigger Responder.
type MockLink struct {
	mu        sync.Mutex
	open      bool
	reads     [][]byte
	writes    [][]byte
	writeErr  error
	readErr   error
	responder func(written []byte) [][]byte
	ready     chan struct{}
	stats     recorder
}

// NewMockLink creates a closed mock link
func NewMockLink() *MockLink {
	return &MockLink{ready: make(chan struct{}, 1)}
}

// SetResponder installs a hook whose returned chunks are queued after every write
func (m *MockLink) SetResponder(fn func(written []byte) [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// QueueRead appends chunks to be returned by Read
func (m *MockLink) QueueRead(chunks ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLocked(chunks)
}

func (m *MockLink) queueLocked(chunks [][]byte) {
	for _, c := range chunks {
		m.reads = append(m.reads, append([]byte(nil), c...))
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// FailWrites makes every later Write return err; nil clears it
func (m *MockLink) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailReads makes every later Read return err; nil clears it
func (m *MockLink) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Writes returns a copy of everything written so far
func (m *MockLink) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockLink) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.stats.connected(true)
	return nil
}

func (m *MockLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.reads = nil
	m.stats.connected(false)
	return nil
}

func (m *MockLink) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockLink) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrNotOpen
	}
	if m.writeErr != nil {
		m.stats.failed()
		return m.writeErr
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	m.stats.wrote(len(data), time.Microsecond)

	if m.responder != nil {
		if chunks := m.responder(data); len(chunks) > 0 {
			m.queueLocked(chunks)
		}
	}
	return nil
}

func (m *MockLink) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	for {
		m.mu.Lock()
		if !m.open {
			m.mu.Unlock()
			return nil, ErrNotOpen
		}
		if m.readErr != nil {
			err := m.readErr
			m.stats.failed()
			m.mu.Unlock()
			return nil, err
		}
		if len(m.reads) > 0 {
			head := m.reads[0]
			n := min(maxBytes, len(head))
			out := head[:n]
			if n == len(head) {
				m.reads = m.reads[1:]
			} else {
				m.reads[0] = head[n:]
			}
			if len(m.reads) > 0 {
				select {
				case m.ready <- struct{}{}:
				default:
				}
			}
			m.stats.read(n)
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MockLink) Type() Type {
	return TypeMock
}

func (m *MockLink) Stats() Stats {
	return m.stats.snapshot()
}
