// internal/link/serial.go
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialLink is a Link over a UART
type SerialLink struct {
	config SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  recorder
}

// NewSerialLink creates a new serial link
func NewSerialLink(config SerialConfig, logger *zap.Logger) *SerialLink {
	return &SerialLink{
		config: config,
		logger: logger.With(
			zap.String("link", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port
func (sl *SerialLink) Open(ctx context.Context) error {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.isOpen {
		return nil
	}

	sl.logger.Info("Opening serial port", zap.Int("baud_rate", sl.config.BaudRate))

	mode := &serial.Mode{
		BaudRate: sl.config.BaudRate,
		DataBits: sl.config.DataBits,
		StopBits: serialStopBits(sl.config.StopBits),
	}
	switch sl.config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(sl.config.Port, mode)
	if err != nil {
		sl.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if sl.config.Timeout > 0 {
		if err := port.SetReadTimeout(sl.config.Timeout); err != nil {
			port.Close()
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}

	sl.port = port
	sl.isOpen = true
	sl.stats.connected(true)

	sl.logger.Info("Serial port opened")
	return nil
}

func serialStopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// Close closes the serial port
func (sl *SerialLink) Close() error {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if !sl.isOpen || sl.port == nil {
		return nil
	}

	err := sl.port.Close()
	sl.port = nil
	sl.isOpen = false
	sl.stats.connected(false)

	if err != nil {
		sl.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	sl.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the port is open
func (sl *SerialLink) IsOpen() bool {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()
	return sl.isOpen && sl.port != nil
}

// Write writes data to the serial port
func (sl *SerialLink) Write(ctx context.Context, data []byte) error {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()

	if !sl.isOpen || sl.port == nil {
		return fmt.Errorf("serial %w", ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	n, err := sl.port.Write(data)
	if err != nil {
		sl.stats.failed()
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		sl.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	sl.stats.wrote(n, time.Since(start))
	return nil
}

// Read reads up to maxBytes from the serial port
func (sl *SerialLink) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	sl.mutex.RLock()
	defer sl.mutex.RUnlock()

	if !sl.isOpen || sl.port == nil {
		return nil, fmt.Errorf("serial %w", ErrNotOpen)
	}

	data, err := readAsync(ctx, maxBytes, sl.port.Read)
	if err != nil {
		sl.stats.failed()
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}
	sl.stats.read(len(data))
	return data, nil
}

// Type returns the link type
func (sl *SerialLink) Type() Type {
	return TypeSerial
}

// Stats returns a copy of the link statistics
func (sl *SerialLink) Stats() Stats {
	return sl.stats.snapshot()
}
