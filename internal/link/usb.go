// internal/link/usb.go
package link

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// USBLink is a Link over a pair of USB bulk endpoints
type USBLink struct {
	config   USBConfig
	ctx      *gousb.Context
	device   *gousb.Device
	intf     *gousb.Interface
	release  func()
	outEndpt *gousb.OutEndpoint
	inEndpt  *gousb.InEndpoint
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    recorder
}

// NewUSBLink creates a new USB link
func NewUSBLink(config USBConfig, logger *zap.Logger) *USBLink {
	return &USBLink{
		config: config,
		logger: logger.With(
			zap.String("link", "usb"),
			zap.String("vendor_id", config.VendorID),
			zap.String("product_id", config.ProductID),
		),
	}
}

// Open finds the device and claims its interface
func (ul *USBLink) Open(ctx context.Context) error {
	ul.mutex.Lock()
	defer ul.mutex.Unlock()

	if ul.isOpen {
		return nil
	}

	vendorID, err := ParseHexID(ul.config.VendorID)
	if err != nil {
		return fmt.Errorf("invalid vendor ID: %w", err)
	}
	productID, err := ParseHexID(ul.config.ProductID)
	if err != nil {
		return fmt.Errorf("invalid product ID: %w", err)
	}

	ul.logger.Info("Opening USB link", zap.Int("interface", ul.config.Interface))

	usbCtx := gousb.NewContext()
	device, err := ul.findAndOpenDevice(usbCtx, vendorID, productID)
	if err != nil {
		usbCtx.Close()
		return fmt.Errorf("failed to find USB device: %w", err)
	}

	intf, done, err := device.DefaultInterface()
	if err != nil {
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to claim interface: %w", err)
	}

	outEndpt, err := intf.OutEndpoint(ul.config.Endpoint)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to get out endpoint: %w", err)
	}

	// the hub always answers, so a missing IN endpoint is fatal here
	inEndpt, err := intf.InEndpoint(ul.config.Endpoint)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("failed to get in endpoint: %w", err)
	}

	ul.ctx = usbCtx
	ul.device = device
	ul.intf = intf
	ul.release = done
	ul.outEndpt = outEndpt
	ul.inEndpt = inEndpt
	ul.isOpen = true
	ul.stats.connected(true)

	ul.logger.Info("USB link opened")
	return nil
}

// Close releases the interface, device and context
func (ul *USBLink) Close() error {
	ul.mutex.Lock()
	defer ul.mutex.Unlock()

	if !ul.isOpen {
		return nil
	}

	if ul.release != nil {
		ul.release()
		ul.release = nil
	}
	ul.intf = nil

	var err error
	if ul.device != nil {
		err = ul.device.Close()
		ul.device = nil
	}
	if ul.ctx != nil {
		ul.ctx.Close()
		ul.ctx = nil
	}

	ul.outEndpt = nil
	ul.inEndpt = nil
	ul.isOpen = false
	ul.stats.connected(false)

	if err != nil {
		return fmt.Errorf("failed to close USB device: %w", err)
	}
	ul.logger.Info("USB link closed")
	return nil
}

// IsOpen returns whether the link is open
func (ul *USBLink) IsOpen() bool {
	ul.mutex.RLock()
	defer ul.mutex.RUnlock()
	return ul.isOpen && ul.device != nil && ul.outEndpt != nil
}

// Write writes data to the OUT endpoint
func (ul *USBLink) Write(ctx context.Context, data []byte) error {
	ul.mutex.RLock()
	defer ul.mutex.RUnlock()

	if !ul.isOpen || ul.outEndpt == nil {
		return fmt.Errorf("usb %w", ErrNotOpen)
	}

	wctx := ctx
	if ul.config.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, ul.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := ul.outEndpt.WriteContext(wctx, data)
	if err != nil {
		ul.stats.failed()
		return fmt.Errorf("failed to write to USB device: %w", err)
	}
	if n != len(data) {
		ul.stats.failed()
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	ul.stats.wrote(n, time.Since(start))
	return nil
}

// Read reads up to maxBytes from the IN endpoint
func (ul *USBLink) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	ul.mutex.RLock()
	defer ul.mutex.RUnlock()

	if !ul.isOpen || ul.inEndpt == nil {
		return nil, fmt.Errorf("usb %w", ErrNotOpen)
	}

	buffer := make([]byte, maxBytes)
	n, err := ul.inEndpt.ReadContext(ctx, buffer)
	if err != nil {
		ul.stats.failed()
		return nil, fmt.Errorf("failed to read from USB device: %w", err)
	}

	ul.stats.read(n)
	return buffer[:n], nil
}

// Type returns the link type
func (ul *USBLink) Type() Type {
	return TypeUSB
}

// Stats returns a copy of the link statistics
func (ul *USBLink) Stats() Stats {
	return ul.stats.snapshot()
}

// ParseHexID parses a hex ID string (0x1234 or 1234)
func ParseHexID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(hexStr), "0x")
	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}

func (ul *USBLink) findAndOpenDevice(usbCtx *gousb.Context, vendorID, productID gousb.ID) (*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendorID && desc.Product == productID
	})
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("USB device not found (VID: %04X, PID: %04X)", vendorID, productID)
	}

	chosen := -1
	for i, dev := range devices {
		if chosen < 0 && ul.matchSerial(dev) {
			chosen = i
			continue
		}
		dev.Close()
	}
	if chosen < 0 {
		return nil, fmt.Errorf("no USB device with serial %q", ul.config.SerialNumber)
	}
	return devices[chosen], nil
}

func (ul *USBLink) matchSerial(dev *gousb.Device) bool {
	if ul.config.SerialNumber == "" {
		return true
	}
	sn, err := dev.SerialNumber()
	if err != nil {
		ul.logger.Warn("Failed to read USB serial number", zap.Error(err))
		return false
	}
	return sn == ul.config.SerialNumber
}
