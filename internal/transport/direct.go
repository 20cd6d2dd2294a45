// internal/transport/direct.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorhub/internal/frame"
	"sensorhub/internal/link"
)

// Direct is the transaction binding: every Submit is one complete round trip
// on the link, header first then payload, under a single bus lock. The peer
// cannot push data on its own, so device writes are collected by polling.
type Direct struct {
	link         link.Link
	codec        frame.Codec
	inbound      Inbound
	pollInterval time.Duration
	logger       *zap.Logger

	bus sync.Mutex
}

// NewDirect creates a direct binding over l
func NewDirect(l link.Link, codec frame.Codec, inbound Inbound, pollInterval time.Duration, logger *zap.Logger) *Direct {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	return &Direct{
		link:         l,
		codec:        codec,
		inbound:      inbound,
		pollInterval: pollInterval,
		logger: logger.With(
			zap.String("component", "transport"),
			zap.String("binding", "direct"),
			zap.String("link", string(l.Type())),
		),
	}
}

// Open opens the underlying link
func (d *Direct) Open(ctx context.Context) error {
	return d.link.Open(ctx)
}

// Link returns the underlying link
func (d *Direct) Link() link.Link {
	return d.link
}

// Submit writes f and, when the frame kind calls for one, reads the reply
// and hands it to the inbound handler before returning
func (d *Direct) Submit(ctx context.Context, f *frame.Frame) error {
	d.bus.Lock()
	defer d.bus.Unlock()

	if !d.link.IsOpen() {
		return ErrNotOpen
	}

	f.Length = uint16(len(f.Payload))
	hdr, err := d.codec.EncodeHeader(f.Header)
	if err != nil {
		return err
	}
	if err := d.link.Write(ctx, hdr[:]); err != nil {
		return fmt.Errorf("header transaction: %w", err)
	}
	if len(f.Payload) > 0 {
		if err := d.link.Write(ctx, f.Payload); err != nil {
			return fmt.Errorf("payload transaction: %w", err)
		}
	}

	var want frame.Kind
	switch {
	case f.Kind == frame.KindHostRead:
		want = frame.KindHostRead
	case f.Kind == frame.KindHostWrite && f.ExpectsReturn:
		want = frame.KindWriteReply
	default:
		return nil
	}

	h, payload, err := d.receive(ctx)
	if err != nil {
		return err
	}
	if h.Kind != want {
		err := fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, h.Kind, want)
		d.inbound.HandleViolation(err, payload)
		return err
	}

	key, ok := ReplyKey(h, payload)
	if !ok {
		// zero-length reply, nothing to correlate
		return nil
	}
	if err := d.inbound.HandleReply(key, payload[1:]); err != nil {
		d.logger.Debug("Reply not delivered", zap.Stringer("key", key), zap.Error(err))
	}
	return nil
}

// Poll runs one device-write exchange and reports whether the peer had data
func (d *Direct) Poll(ctx context.Context) (bool, error) {
	d.bus.Lock()
	defer d.bus.Unlock()

	if !d.link.IsOpen() {
		return false, ErrNotOpen
	}

	hdr, err := d.codec.EncodeHeader(frame.Header{Kind: frame.KindDeviceWrite})
	if err != nil {
		return false, err
	}
	if err := d.link.Write(ctx, hdr[:]); err != nil {
		return false, fmt.Errorf("poll transaction: %w", err)
	}

	h, payload, err := d.receive(ctx)
	if err != nil {
		return false, err
	}
	if h.Kind != frame.KindDeviceWrite {
		err := fmt.Errorf("%w: got %s on poll", ErrUnexpectedKind, h.Kind)
		d.inbound.HandleViolation(err, payload)
		return false, err
	}
	if len(payload) == 0 {
		return false, nil
	}

	d.inbound.HandleDeviceWrite(payload)
	return true, nil
}

// Run polls until ctx ends, draining back-to-back while the peer has data
func (d *Direct) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			more, err := d.Poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Debug("Poll failed", zap.Error(err))
				}
				break
			}
			if !more {
				break
			}
		}
	}
}

// receive reads one reply header and its payload
func (d *Direct) receive(ctx context.Context) (frame.Header, []byte, error) {
	raw, err := d.readFull(ctx, frame.HeaderSize)
	if err != nil {
		return frame.Header{}, nil, fmt.Errorf("reply header: %w", err)
	}
	h, err := d.codec.DecodeHeader(raw)
	if err != nil {
		d.inbound.HandleViolation(err, raw)
		return h, nil, err
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	payload, err := d.readFull(ctx, int(h.Length))
	if err != nil {
		return h, nil, fmt.Errorf("reply payload: %w", err)
	}
	return h, payload, nil
}

func (d *Direct) readFull(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := d.link.Read(ctx, n-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Reset closes and reopens the link
func (d *Direct) Reset(ctx context.Context) error {
	d.bus.Lock()
	defer d.bus.Unlock()

	if err := d.link.Close(); err != nil {
		d.logger.Warn("Link close during reset failed", zap.Error(err))
	}
	if err := d.link.Open(ctx); err != nil {
		return fmt.Errorf("reopen link: %w", err)
	}
	d.logger.Info("Direct binding reset")
	return nil
}

// Close closes the link
func (d *Direct) Close() error {
	d.bus.Lock()
	defer d.bus.Unlock()
	return d.link.Close()
}
