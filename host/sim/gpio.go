package sim

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"servoplex/core"
)

// ErrUnknownPin is returned when driving a pin that was never configured.
var ErrUnknownPin = errors.New("sim: pin not configured")

// DryRunGPIO is a core.GPIODriver that drives no hardware. It counts the
// pulses started on each pin so a dry run can be observed.
type DryRunGPIO struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	pins  map[core.GPIOPin]*pinState
	total atomic.Uint64
}

type pinState struct {
	level atomic.Bool
	rises atomic.Uint64
}

// NewDryRunGPIO returns an empty dry-run driver.
func NewDryRunGPIO(logger *zap.SugaredLogger) *DryRunGPIO {
	return &DryRunGPIO{logger: logger, pins: make(map[core.GPIOPin]*pinState)}
}

// ConfigureOutput registers pin, driven low.
func (g *DryRunGPIO) ConfigureOutput(pin core.GPIOPin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.pins[pin]; ok {
		st.level.Store(false)
		return nil
	}
	g.pins[pin] = &pinState{}
	g.logger.Infow("dry-run output configured", "pin", pin)
	return nil
}

// SetPin records the level change.
func (g *DryRunGPIO) SetPin(pin core.GPIOPin, value bool) error {
	g.mu.Lock()
	st, ok := g.pins[pin]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownPin
	}
	if value && !st.level.Swap(true) {
		st.rises.Add(1)
		g.total.Add(1)
	} else if !value {
		st.level.Store(false)
	}
	return nil
}

// Level returns the last level driven on pin.
func (g *DryRunGPIO) Level(pin core.GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.pins[pin]
	return ok && st.level.Load()
}

// Pulses returns how many pulses have started on pin.
func (g *DryRunGPIO) Pulses(pin core.GPIOPin) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.pins[pin]; ok {
		return st.rises.Load()
	}
	return 0
}

// TotalPulses returns the pulses started across all pins.
func (g *DryRunGPIO) TotalPulses() uint64 {
	return g.total.Load()
}
