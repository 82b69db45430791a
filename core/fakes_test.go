package core

import (
	"errors"
	"testing"
	"time"
)

// edge is one recorded pin transition.
type edge struct {
	pin  GPIOPin
	high bool
	at   uint16
}

// fakeGPIO records every pin transition stamped with the timer counter.
type fakeGPIO struct {
	now        func() uint16
	configured map[GPIOPin]bool
	state      map[GPIOPin]bool
	edges      []edge
	badPins    map[GPIOPin]bool
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{
		now:        func() uint16 { return 0 },
		configured: make(map[GPIOPin]bool),
		state:      make(map[GPIOPin]bool),
		badPins:    make(map[GPIOPin]bool),
	}
}

func (g *fakeGPIO) ConfigureOutput(pin GPIOPin) error {
	if g.badPins[pin] {
		return errors.New("pin not available")
	}
	g.configured[pin] = true
	return nil
}

func (g *fakeGPIO) SetPin(pin GPIOPin, value bool) error {
	g.state[pin] = value
	g.edges = append(g.edges, edge{pin: pin, high: value, at: g.now()})
	return nil
}

// pulses returns the width of every complete high pulse on pin.
func (g *fakeGPIO) pulses(pin GPIOPin) []uint16 {
	var widths []uint16
	var rise uint16
	high := false
	for _, e := range g.edges {
		if e.pin != pin {
			continue
		}
		if e.high && !high {
			rise = e.at
			high = true
		} else if !e.high && high {
			widths = append(widths, e.at-rise)
			high = false
		}
	}
	return widths
}

// rises returns the counter values at which pin went high.
func (g *fakeGPIO) rises(pin GPIOPin) []uint16 {
	var at []uint16
	for _, e := range g.edges {
		if e.pin == pin && e.high {
			at = append(at, e.at)
		}
	}
	return at
}

// fakeTimer is a 16-bit compare timer advanced by hand.
type fakeTimer struct {
	counter uint16
	compare uint16
	armed   bool
	enabled bool
	handler func()
	arms    []uint16
	cleared int
}

func (f *fakeTimer) Arm(compare uint16) {
	f.compare = compare
	f.armed = true
	f.arms = append(f.arms, compare)
}

func (f *fakeTimer) Counter() uint16          { return f.counter }
func (f *fakeTimer) OnInterrupt(handler func()) { f.handler = handler }
func (f *fakeTimer) Enable()                   { f.enabled = true }
func (f *fakeTimer) ClearInterrupt()           { f.cleared++ }

func (f *fakeTimer) Disable() {
	f.enabled = false
	f.armed = false
}

// fire jumps the counter to the armed compare value and runs the handler.
func (f *fakeTimer) fire() bool {
	if !f.enabled || !f.armed {
		return false
	}
	f.counter = f.compare
	f.armed = false
	f.handler()
	return true
}

// testRig is a controller on fake drivers.
type testRig struct {
	c      *Controller
	gpio   *fakeGPIO
	timers []*fakeTimer
}

func newTestRig(t *testing.T, timers int) *testRig {
	t.Helper()
	rig := &testRig{gpio: newFakeGPIO()}
	drivers := make([]TimerDriver, timers)
	for i := range drivers {
		ft := &fakeTimer{counter: uint16(1000 * i)}
		rig.timers = append(rig.timers, ft)
		drivers[i] = ft
	}
	rig.gpio.now = func() uint16 { return rig.timers[0].counter }

	c, err := NewController(ControllerConfig{
		Clock:  DefaultClock(),
		GPIO:   rig.gpio,
		Timers: drivers,
		Delay:  func(time.Duration) { rig.cycle(0) },
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	rig.c = c
	return rig
}

// cycle fires timer until it has finished one refresh cycle. It reports
// false if the timer is not running.
func (r *testRig) cycle(timer int) bool {
	ft := r.timers[timer]
	for i := 0; i < 2*ServosPerTimer+2; i++ {
		if !ft.fire() {
			return false
		}
		if r.c.groups[timer].channel == channelIdle {
			return true
		}
	}
	return false
}

func (r *testRig) cycles(timer, n int) {
	for i := 0; i < n; i++ {
		r.cycle(timer)
	}
}

func (r *testRig) attach(t *testing.T, pin GPIOPin) *Servo {
	t.Helper()
	s := r.c.NewServo()
	if s.Attach(pin) == InvalidServo {
		t.Fatalf("Attach(%d) failed", pin)
	}
	return s
}
