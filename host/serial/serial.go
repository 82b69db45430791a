// Package serial opens the link to a servoplex MCU.
package serial

import (
	"errors"
	"io"
	"os"
)

// DeviceEnv overrides the default device path.
const DeviceEnv = "SERVOPLEX_DEVICE"

// Defaults for a USB CDC link; the baud rate is ignored by CDC but real
// UARTs need it to match the firmware.
const (
	DefaultDevice      = "/dev/ttyACM0"
	DefaultBaud        = 250000
	DefaultReadTimeout = 100 // milliseconds
)

var (
	ErrNoDevice = errors.New("serial device not set")
	ErrBadBaud  = errors.New("baud rate must be positive")
)

// Port represents a serial port interface
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "/dev/pts/3")
	Device string `json:"device"`

	// Baud rate
	Baud int `json:"baud"`

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int `json:"read_timeout_ms"`
}

// DefaultConfig returns the default configuration for device. An empty
// device falls back to $SERVOPLEX_DEVICE, then DefaultDevice.
func DefaultConfig(device string) *Config {
	if device == "" {
		device = os.Getenv(DeviceEnv)
	}
	if device == "" {
		device = DefaultDevice
	}
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}

// Validate reports configuration errors before a port is opened.
func (c *Config) Validate() error {
	if c.Device == "" {
		return ErrNoDevice
	}
	if c.Baud <= 0 {
		return ErrBadBaud
	}
	return nil
}
