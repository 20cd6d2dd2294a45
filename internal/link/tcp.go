// internal/link/tcp.go
package link

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPLink is a Link over a TCP stream
type TCPLink struct {
	config TCPConfig
	conn   net.Conn
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  recorder
}

// NewTCPLink creates a new TCP link
func NewTCPLink(config TCPConfig, logger *zap.Logger) *TCPLink {
	return &TCPLink{
		config: config,
		logger: logger.With(
			zap.String("link", "tcp"),
			zap.String("host", config.Host),
			zap.Int("port", config.Port),
		),
	}
}

func (tl *TCPLink) address() string {
	return net.JoinHostPort(tl.config.Host, strconv.Itoa(tl.config.Port))
}

// Open dials the remote end
func (tl *TCPLink) Open(ctx context.Context) error {
	tl.mutex.Lock()
	defer tl.mutex.Unlock()

	if tl.isOpen {
		return nil
	}

	tl.logger.Info("Opening TCP link", zap.Bool("ssl", tl.config.SSL))

	dialer := &net.Dialer{Timeout: tl.config.Timeout}
	if tl.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	}

	var (
		conn net.Conn
		err  error
	)
	if tl.config.SSL {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: tl.config.Host},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", tl.address())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", tl.address())
	}
	if err != nil {
		tl.logger.Error("Failed to open TCP link", zap.Error(err))
		return fmt.Errorf("failed to connect to %s: %w", tl.address(), err)
	}

	tl.conn = conn
	tl.isOpen = true
	tl.stats.connected(true)

	tl.logger.Info("TCP link opened")
	return nil
}

// Close closes the connection
func (tl *TCPLink) Close() error {
	tl.mutex.Lock()
	defer tl.mutex.Unlock()

	if !tl.isOpen || tl.conn == nil {
		return nil
	}

	err := tl.conn.Close()
	tl.conn = nil
	tl.isOpen = false
	tl.stats.connected(false)

	if err != nil {
		return fmt.Errorf("failed to close TCP link: %w", err)
	}
	tl.logger.Info("TCP link closed")
	return nil
}

// IsOpen returns whether the link is open
func (tl *TCPLink) IsOpen() bool {
	tl.mutex.RLock()
	defer tl.mutex.RUnlock()
	return tl.isOpen && tl.conn != nil
}

// Write writes data to the connection
func (tl *TCPLink) Write(ctx context.Context, data []byte) error {
	tl.mutex.RLock()
	defer tl.mutex.RUnlock()

	if !tl.isOpen || tl.conn == nil {
		return fmt.Errorf("tcp %w", ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Time{}
	if tl.config.WriteTimeout > 0 {
		deadline = time.Now().Add(tl.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = tl.conn.SetWriteDeadline(deadline)

	start := time.Now()
	n, err := tl.conn.Write(data)
	if err != nil {
		tl.stats.failed()
		return fmt.Errorf("failed to write to TCP link: %w", err)
	}
	if n != len(data) {
		tl.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	tl.stats.wrote(n, time.Since(start))
	return nil
}

// Read reads up to maxBytes from the connection
func (tl *TCPLink) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	tl.mutex.RLock()
	defer tl.mutex.RUnlock()

	if !tl.isOpen || tl.conn == nil {
		return nil, fmt.Errorf("tcp %w", ErrNotOpen)
	}

	deadline := time.Time{}
	if tl.config.ReadTimeout > 0 {
		deadline = time.Now().Add(tl.config.ReadTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = tl.conn.SetReadDeadline(deadline)

	data, err := readAsync(ctx, maxBytes, tl.conn.Read)
	if err != nil {
		tl.stats.failed()
		return nil, fmt.Errorf("failed to read from TCP link: %w", err)
	}
	tl.stats.read(len(data))
	return data, nil
}

// Type returns the link type
func (tl *TCPLink) Type() Type {
	return TypeTCP
}

// Stats returns a copy of the link statistics
func (tl *TCPLink) Stats() Stats {
	return tl.stats.snapshot()
}
