// Package rpio drives servo pins on a Raspberry Pi through the BCM283x GPIO
// registers.
package rpio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/stianeikeland/go-rpio/v4"

	"servoplex/core"
)

// NumPins is the number of BCM GPIO lines.
const NumPins = 54

var (
	ErrInvalidPin    = errors.New("rpio: pin out of range")
	ErrNotConfigured = errors.New("rpio: pin not configured as output")
)

// Driver implements core.GPIODriver on the Pi's GPIO block. SetPin is a
// single register write and safe to call from the scheduler.
type Driver struct {
	configured [NumPins]atomic.Bool
	write      func(pin rpio.Pin, high bool)
	setOutput  func(pin rpio.Pin)
	unmap      func() error
}

// Open maps the GPIO registers (needs /dev/gpiomem or root).
func Open() (*Driver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("rpio: map gpio memory: %w", err)
	}
	return &Driver{
		write: func(pin rpio.Pin, high bool) {
			if high {
				pin.High()
			} else {
				pin.Low()
			}
		},
		setOutput: func(pin rpio.Pin) {
			pin.Output()
			pin.Low()
		},
		unmap: rpio.Close,
	}, nil
}

// ConfigureOutput switches pin to output mode, driven low.
func (d *Driver) ConfigureOutput(pin core.GPIOPin) error {
	if pin >= NumPins {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	d.setOutput(rpio.Pin(pin))
	d.configured[pin].Store(true)
	return nil
}

// SetPin drives a configured pin.
func (d *Driver) SetPin(pin core.GPIOPin, value bool) error {
	if pin >= NumPins {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	if !d.configured[pin].Load() {
		return ErrNotConfigured
	}
	d.write(rpio.Pin(pin), value)
	return nil
}

// Close drives every configured pin low and unmaps the registers.
func (d *Driver) Close() error {
	for i := range d.configured {
		if d.configured[i].Swap(false) {
			d.write(rpio.Pin(i), false)
		}
	}
	return d.unmap()
}
