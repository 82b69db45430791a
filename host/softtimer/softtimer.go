// Package softtimer emulates a 16-bit compare timer on a time source so the
// servo scheduler can run on a Linux host.
package softtimer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrBadFrequency is returned for tick rates outside 1Hz..1GHz.
var ErrBadFrequency = errors.New("softtimer: tick rate must be between 1Hz and 1GHz")

// Timer is a free-running 16-bit counter with one compare channel. It
// satisfies core.TimerDriver.
//
// Handlers run on the clock's callback goroutine. Arm, Disable and Enable may
// be called from the handler itself.
type Timer struct {
	clk   clock.Clock
	freq  uint32
	epoch time.Time

	mu      sync.Mutex
	enabled bool
	compare uint16
	armed   bool
	pending *clock.Timer
	gen     uint64
	handler func()
	fired   uint64
}

// New returns a stopped timer counting at freq ticks per second on clk.
func New(clk clock.Clock, freq uint32) (*Timer, error) {
	if freq == 0 || freq > uint32(time.Second) {
		return nil, ErrBadFrequency
	}
	return &Timer{clk: clk, freq: freq, epoch: clk.Now()}, nil
}

// Counter returns the current 16-bit counter value.
func (t *Timer) Counter() uint16 {
	return t.ticksAt(t.clk.Now())
}

func (t *Timer) ticksAt(now time.Time) uint16 {
	elapsed := uint64(now.Sub(t.epoch))
	return uint16(elapsed * uint64(t.freq) / uint64(time.Second))
}

// durationUntil converts a tick distance into wall time, rounding up so the
// counter has reached compare when the callback runs.
func (t *Timer) durationUntil(ticks uint16) time.Duration {
	if ticks == 0 {
		// Equal to the counter: the next match is a full wrap away
		return time.Duration((uint64(1<<16)*uint64(time.Second) + uint64(t.freq) - 1) / uint64(t.freq))
	}
	return time.Duration((uint64(ticks)*uint64(time.Second) + uint64(t.freq) - 1) / uint64(t.freq))
}

// Arm sets the compare value for the next interrupt.
func (t *Timer) Arm(compare uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compare = compare
	t.armed = true
	if t.enabled {
		t.scheduleLocked()
	}
}

func (t *Timer) scheduleLocked() {
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	d := t.durationUntil(t.compare - t.Counter())
	t.pending = t.clk.AfterFunc(d, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.enabled || !t.armed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.pending = nil
	t.fired++
	handler := t.handler
	t.mu.Unlock()

	// Called without the lock so the handler can re-arm.
	if handler != nil {
		handler()
	}
}

// OnInterrupt installs the compare-match callback.
func (t *Timer) OnInterrupt(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Enable unmasks the compare interrupt, scheduling any armed compare.
func (t *Timer) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return
	}
	t.enabled = true
	if t.armed {
		t.scheduleLocked()
	}
}

// Disable masks the compare interrupt. It never waits for a running handler.
func (t *Timer) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	t.armed = false
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// ClearInterrupt is a no-op: a software compare match is consumed on delivery.
func (t *Timer) ClearInterrupt() {}

// Fired returns how many compare matches have been delivered.
func (t *Timer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Freq returns the tick rate.
func (t *Timer) Freq() uint32 {
	return t.freq
}
