// internal/link/link.go
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Type identifies the physical channel under the direct binding
type Type string

const (
	TypeSerial Type = "serial"
	TypeUSB    Type = "usb"
	TypeTCP    Type = "tcp"
	TypeMock   Type = "mock"
)

var ErrNotOpen = errors.New("link not open")

// Link is a byte channel to the hub MCU
type Link interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	Type() Type
	Stats() Stats
}

// Stats provides link-level statistics
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// Config selects and configures one link
type Config struct {
	Type   Type         `mapstructure:"type"`
	Serial SerialConfig `mapstructure:"serial"`
	USB    USBConfig    `mapstructure:"usb"`
	TCP    TCPConfig    `mapstructure:"tcp"`
}

// Address names the endpoint of the selected link for logs
func (c Config) Address() string {
	switch c.Type {
	case TypeSerial:
		return c.Serial.Port
	case TypeUSB:
		return fmt.Sprintf("%s:%s", c.USB.VendorID, c.USB.ProductID)
	case TypeTCP:
		return net.JoinHostPort(c.TCP.Host, strconv.Itoa(c.TCP.Port))
	default:
		return ""
	}
}

// SerialConfig represents serial link configuration. Port "auto" picks the
// USB-CDC port matching VendorID and ProductID.
type SerialConfig struct {
	Port      string        `mapstructure:"port" json:"port"`
	VendorID  string        `mapstructure:"vendor_id" json:"vendor_id,omitempty"`
	ProductID string        `mapstructure:"product_id" json:"product_id,omitempty"`
	BaudRate  int           `mapstructure:"baud_rate" json:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits" json:"data_bits"`
	StopBits  int           `mapstructure:"stop_bits" json:"stop_bits"`
	Parity    string        `mapstructure:"parity" json:"parity"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout"`
}

// USBConfig represents USB bulk link configuration
type USBConfig struct {
	VendorID     string        `mapstructure:"vendor_id" json:"vendor_id"`
	ProductID    string        `mapstructure:"product_id" json:"product_id"`
	Interface    int           `mapstructure:"interface" json:"interface"`
	Endpoint     int           `mapstructure:"endpoint" json:"endpoint"`
	SerialNumber string        `mapstructure:"serial_number" json:"serial_number"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
}

// TCPConfig represents TCP link configuration, used for MCU bring-up boards
// exposing the UART through a network bridge
type TCPConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	SSL          bool          `mapstructure:"ssl" json:"ssl"`
	KeepAlive    bool          `mapstructure:"keep_alive" json:"keep_alive"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

// recorder keeps Stats for one link
type recorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *recorder) connected(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.IsConnected = up
	if up {
		r.stats.LastActivity = time.Now()
	}
}

func (r *recorder) wrote(n int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.BytesWritten += int64(n)
	r.stats.OperationCount++
	r.stats.LastActivity = time.Now()
	if r.stats.AverageLatency == 0 {
		r.stats.AverageLatency = latency
	} else {
		r.stats.AverageLatency = (r.stats.AverageLatency + latency) / 2
	}
}

func (r *recorder) read(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.BytesRead += int64(n)
	r.stats.OperationCount++
	r.stats.LastActivity = time.Now()
}

func (r *recorder) failed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ErrorCount++
}

func (r *recorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

type readResult struct {
	data []byte
	err  error
}

// readAsync runs a blocking read in a goroutine so ctx can interrupt the wait
func readAsync(ctx context.Context, maxBytes int, read func([]byte) (int, error)) ([]byte, error) {
	done := make(chan readResult, 1)
	go func() {
		buffer := make([]byte, maxBytes)
		n, err := read(buffer)
		if err != nil && n == 0 {
			done <- readResult{err: err}
			return
		}
		done <- readResult{data: buffer[:n]}
	}()

	select {
	case result := <-done:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
