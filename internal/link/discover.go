// internal/link/discover.go
package link

import (
	"errors"
	"fmt"
	"sort"

	"go.bug.st/serial/enumerator"
)

// AutoPort asks the factory to locate the hub's serial port by USB id
const AutoPort = "auto"

var ErrPortNotFound = errors.New("no serial port matches the hub USB id")

// PortInfo describes one candidate serial port
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// listPorts is swapped in tests
var listPorts = enumerator.GetDetailedPortsList

// ListSerialPorts returns every serial port the OS reports, sorted by name
func ListSerialPorts() ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// FindSerialPort returns the first USB serial port with the given ids
func FindSerialPort(vendorID, productID string) (PortInfo, error) {
	vid, err := ParseHexID(vendorID)
	if err != nil {
		return PortInfo{}, fmt.Errorf("invalid vendor id %q: %w", vendorID, err)
	}
	pid, err := ParseHexID(productID)
	if err != nil {
		return PortInfo{}, fmt.Errorf("invalid product id %q: %w", productID, err)
	}

	ports, err := ListSerialPorts()
	if err != nil {
		return PortInfo{}, err
	}
	for _, p := range ports {
		if !p.USB {
			continue
		}
		v, verr := ParseHexID(p.VendorID)
		d, derr := ParseHexID(p.ProductID)
		if verr == nil && derr == nil && v == vid && d == pid {
			return p, nil
		}
	}
	return PortInfo{}, fmt.Errorf("%w: %s:%s", ErrPortNotFound, vendorID, productID)
}
