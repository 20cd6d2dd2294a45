package link

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

func fakePorts(t *testing.T, ports ...*enumerator.PortDetails) {
	t.Helper()
	orig := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) { return ports, nil }
	t.Cleanup(func() { listPorts = orig })
}

func TestFindSerialPortMatchesUSBID(t *testing.T) {
	fakePorts(t,
		&enumerator.PortDetails{Name: "/dev/ttyS0"},
		&enumerator.PortDetails{Name: "/dev/ttyACM1", IsUSB: true, VID: "0403", PID: "6001"},
		&enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "5740", Product: "hub"},
	)

	port, err := FindSerialPort("0x0483", "5740")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", port.Name)
	assert.Equal(t, "hub", port.Product)

	_, err = FindSerialPort("1234", "5678")
	assert.True(t, errors.Is(err, ErrPortNotFound))

	_, err = FindSerialPort("zz", "5678")
	assert.Error(t, err)
}

func TestListSerialPortsSorted(t *testing.T) {
	fakePorts(t,
		&enumerator.PortDetails{Name: "/dev/ttyUSB1"},
		&enumerator.PortDetails{Name: "/dev/ttyACM0"},
	)

	ports, err := ListSerialPorts()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyACM0", ports[0].Name)
}

func TestCreateResolvesAutoPort(t *testing.T) {
	fakePorts(t, &enumerator.PortDetails{Name: "/dev/ttyACM3", IsUSB: true, VID: "0483", PID: "5740"})

	l, err := Create(Config{Type: TypeSerial, Serial: SerialConfig{Port: AutoPort, VendorID: "0483", ProductID: "5740"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM3", l.(*SerialLink).config.Port)
	assert.Equal(t, 8, l.(*SerialLink).config.DataBits)
}

func TestValidate(t *testing.T) {
	valid := []Config{
		{Type: TypeSerial, Serial: SerialConfig{Port: "/dev/ttyS1", BaudRate: 921600}},
		{Type: TypeUSB, USB: USBConfig{VendorID: "0x0483", ProductID: "5740"}},
		{Type: TypeTCP, TCP: TCPConfig{Host: "bringup", Port: 7000}},
		{Type: TypeMock},
	}
	for _, c := range valid {
		assert.NoError(t, Validate(c), c.Type)
	}

	invalid := []Config{
		{Type: TypeSerial},
		{Type: TypeSerial, Serial: SerialConfig{Port: "/dev/ttyS1", BaudRate: 1234}},
		{Type: TypeSerial, Serial: SerialConfig{Port: AutoPort}},
		{Type: TypeUSB, USB: USBConfig{VendorID: "0483"}},
		{Type: TypeTCP, TCP: TCPConfig{Host: "bringup"}},
		{Type: "carrier"},
	}
	for _, c := range invalid {
		assert.Error(t, Validate(c), c.Type)
	}
}

func TestCreateMock(t *testing.T) {
	l, err := Create(Config{Type: TypeMock}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, TypeMock, l.Type())
}

func TestConfigAddress(t *testing.T) {
	assert.Equal(t, "/dev/ttyACM0", Config{Type: TypeSerial, Serial: SerialConfig{Port: "/dev/ttyACM0"}}.Address())
	assert.Equal(t, "1a86:7523", Config{Type: TypeUSB, USB: USBConfig{VendorID: "1a86", ProductID: "7523"}}.Address())
	assert.Equal(t, "10.0.0.5:7000", Config{Type: TypeTCP, TCP: TCPConfig{Host: "10.0.0.5", Port: 7000}}.Address())
}
