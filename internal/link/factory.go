// internal/link/factory.go
package link

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Create creates a link based on its configured type
func Create(config Config, logger *zap.Logger) (Link, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case TypeSerial:
		c := config.Serial
		if c.BaudRate == 0 {
			c.BaudRate = 115200
		}
		if c.DataBits == 0 {
			c.DataBits = 8
		}
		if c.StopBits == 0 {
			c.StopBits = 1
		}
		if c.Timeout == 0 {
			c.Timeout = 100 * time.Millisecond
		}
		if c.Port == AutoPort {
			port, err := FindSerialPort(c.VendorID, c.ProductID)
			if err != nil {
				return nil, err
			}
			c.Port = port.Name
		}
		logger.Info("Creating serial link",
			zap.String("port", c.Port),
			zap.Int("baud_rate", c.BaudRate),
		)
		return NewSerialLink(c, logger), nil

	case TypeUSB:
		c := config.USB
		if c.Endpoint == 0 {
			c.Endpoint = 1
		}
		if c.Timeout == 0 {
			c.Timeout = time.Second
		}
		logger.Info("Creating USB link",
			zap.String("vendor_id", c.VendorID),
			zap.String("product_id", c.ProductID),
		)
		return NewUSBLink(c, logger), nil

	case TypeTCP:
		c := config.TCP
		if c.Timeout == 0 {
			c.Timeout = 5 * time.Second
		}
		logger.Info("Creating TCP link",
			zap.String("host", c.Host),
			zap.Int("port", c.Port),
		)
		return NewTCPLink(c, logger), nil

	case TypeMock:
		return NewMockLink(), nil

	default:
		return nil, fmt.Errorf("unsupported link type: %q", config.Type)
	}
}

var validBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true,
	115200: true, 230400: true, 460800: true, 921600: true,
}

// Validate checks the settings of the selected link type
func Validate(config Config) error {
	switch config.Type {
	case TypeSerial:
		if config.Serial.Port == "" {
			return fmt.Errorf("serial port is required")
		}
		if config.Serial.Port == AutoPort {
			if _, err := ParseHexID(config.Serial.VendorID); err != nil {
				return fmt.Errorf("serial vendor_id is required for port auto: %w", err)
			}
			if _, err := ParseHexID(config.Serial.ProductID); err != nil {
				return fmt.Errorf("serial product_id is required for port auto: %w", err)
			}
		}
		if rate := config.Serial.BaudRate; rate != 0 && !validBaudRates[rate] {
			return fmt.Errorf("invalid baud rate: %d", rate)
		}
	case TypeUSB:
		if _, err := ParseHexID(config.USB.VendorID); err != nil {
			return fmt.Errorf("USB vendor_id is required: %w", err)
		}
		if _, err := ParseHexID(config.USB.ProductID); err != nil {
			return fmt.Errorf("USB product_id is required: %w", err)
		}
	case TypeTCP:
		if config.TCP.Host == "" {
			return fmt.Errorf("TCP host is required")
		}
		if p := config.TCP.Port; p < 1 || p > 65535 {
			return fmt.Errorf("invalid port number: %d", p)
		}
	case TypeMock:
	default:
		return fmt.Errorf("unsupported link type: %q", config.Type)
	}
	return nil
}
