// internal/transport/bridge.go
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control strings sent by the bridge process as text messages
const (
	ControlPeerCrashed  = "peer crashed"
	ControlPeerReady    = "peer ready"
	ControlBridgeClosed = "bridge closed"
)

// BridgeConfig configures the websocket connection to the bridge process
type BridgeConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MaxChunk         int           `mapstructure:"max_chunk"`
}

// WSBridge talks to the bridge process over a websocket. Binary messages are
// raw frame bytes; text messages are out-of-band control strings.
type WSBridge struct {
	config    BridgeConfig
	onBytes   func([]byte)
	onControl func(string)
	logger    *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closed  bool
}

// DialBridge connects to the bridge and starts the read pump
func DialBridge(ctx context.Context, config BridgeConfig, onBytes func([]byte), onControl func(string), logger *zap.Logger) (*WSBridge, error) {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}

	b := &WSBridge{
		config:    config,
		onBytes:   onBytes,
		onControl: onControl,
		logger:    logger.With(zap.String("component", "bridge"), zap.String("url", config.URL)),
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *WSBridge) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, b.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", b.config.URL, err)
	}
	if b.config.MaxChunk > 0 {
		conn.SetReadLimit(int64(b.config.MaxChunk))
	}

	done := make(chan struct{})

	b.mu.Lock()
	b.conn = conn
	b.done = done
	b.closed = false
	b.mu.Unlock()

	go b.readPump(conn, done)
	go b.pingPump(conn, done)

	b.logger.Info("Bridge connected")
	return nil
}

func (b *WSBridge) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	readWait := 2 * b.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			expected := b.closed || b.conn != conn
			b.mu.Unlock()
			if !expected {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					b.logger.Error("Bridge read failed", zap.Error(err))
				}
				if b.onControl != nil {
					b.onControl(ControlBridgeClosed)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch kind {
		case websocket.BinaryMessage:
			if b.onBytes != nil {
				b.onBytes(data)
			}
		case websocket.TextMessage:
			b.logger.Info("Bridge control message", zap.String("message", string(data)))
			if b.onControl != nil {
				b.onControl(string(data))
			}
		}
	}
}

func (b *WSBridge) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.config.WriteTimeout))
			b.writeMu.Unlock()
			if err != nil {
				b.logger.Debug("Bridge ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Write sends raw frame bytes as one binary message
func (b *WSBridge) Write(ctx context.Context, data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	deadline := time.Now().Add(b.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// Reconnect drops the current session and dials again
func (b *WSBridge) Reconnect(ctx context.Context) error {
	b.shutdown()
	return b.connect(ctx)
}

// Close closes the session; the read pump exits without reporting
func (b *WSBridge) Close() error {
	b.shutdown()
	return nil
}

func (b *WSBridge) shutdown() {
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.conn = nil
	b.closed = true
	b.mu.Unlock()

	if conn == nil {
		return
	}

	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(b.config.WriteTimeout))
	b.writeMu.Unlock()
	conn.Close()

	select {
	case <-done:
	case <-time.After(b.config.WriteTimeout):
	}
	b.logger.Info("Bridge disconnected")
}
