// internal/batch/buffer.go
package batch

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrOutOfOrder = errors.New("chunk not at buffer cursor")
	ErrOverflow   = errors.New("chunk runs past buffer end")
	ErrIncomplete = errors.New("buffer not fully filled")
)

// Buffer collects one announced bulk transfer. It is sized up front, filled
// strictly in order and frozen once the last byte arrives.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	pos  int
}

// NewBuffer preallocates a buffer of total bytes
func NewBuffer(total int) *Buffer {
	return &Buffer{data: make([]byte, total)}
}

// WriteAt copies chunk at pos, which must equal the current cursor
func (b *Buffer) WriteAt(pos int, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos != b.pos {
		return fmt.Errorf("%w: at %d, cursor %d", ErrOutOfOrder, pos, b.pos)
	}
	if len(chunk) > len(b.data)-b.pos {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrOverflow, len(chunk), pos, len(b.data))
	}
	b.pos += copy(b.data[b.pos:], chunk)
	return nil
}

// Pos returns the fill cursor
func (b *Buffer) Pos() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Len returns the announced total
func (b *Buffer) Len() int {
	return len(b.data)
}

// Full reports whether every byte has been written
func (b *Buffer) Full() bool {
	return b.Pos() == len(b.data)
}

// Bytes returns the contents once the buffer is full
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos != len(b.data) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncomplete, b.pos, len(b.data))
	}
	return b.data, nil
}

// Release drops the backing storage of an aborted transfer
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.pos = 0
}
