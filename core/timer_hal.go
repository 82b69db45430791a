package core

// TimerDriver is the abstract 16-bit timer/counter interface the pulse
// scheduler runs on. One driver backs one timer group.
//
// The counter is free running and wraps at 16 bits; Arm takes an absolute
// compare value, so callers add durations to Counter() with wrapping
// arithmetic.
type TimerDriver interface {
	// Arm sets the compare value at which the next interrupt fires.
	Arm(compare uint16)

	// Counter returns the current counter value.
	Counter() uint16

	// OnInterrupt installs the callback invoked on each compare match.
	OnInterrupt(handler func())

	// Enable starts the counter and unmasks its compare interrupt.
	Enable()

	// Disable masks the compare interrupt.
	Disable()

	// ClearInterrupt acknowledges the pending compare match.
	ClearInterrupt()
}
