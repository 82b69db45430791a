//go:build rp2040

package main

import (
	"errors"
	"machine"

	"servoplex/core"
)

// numPins is GPIO0-GPIO29
const numPins = 30

var errInvalidPin = errors.New("invalid rp2040 gpio")

// RPGPIODriver implements the GPIODriver interface for RP2040
type RPGPIODriver struct {
	// Fixed table so SetPin stays allocation free in the alarm interrupt
	configuredPins [numPins]bool
}

// NewRPGPIODriver creates a new RP2040 GPIO driver
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{}
}

// ConfigureOutput configures a pin as a digital output, driven low
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	if pin >= numPins {
		return errInvalidPin
	}
	machinePin := machine.Pin(pin)
	machinePin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	machinePin.Low()
	d.configuredPins[pin] = true
	return nil
}

// SetPin sets the pin to high (true) or low (false)
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	if pin >= numPins || !d.configuredPins[pin] {
		return errInvalidPin
	}
	machine.Pin(pin).Set(value)
	return nil
}

// registerRP2040Pins registers the pin enumeration gpio0-gpio29
func registerRP2040Pins() {
	pinNames := make([]string, numPins)
	for i := range pinNames {
		pinNames[i] = "gpio" + itoa(i)
	}
	core.RegisterEnumeration("pin", pinNames)
}

// itoa converts a non-negative int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
