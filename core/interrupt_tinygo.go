//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts disables interrupts and returns the previous state
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

// restoreInterrupts restores the interrupt state
func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}

// runInterrupt calls handler directly: the timer driver already invokes it
// from its interrupt vector.
func runInterrupt(handler func()) {
	handler()
}
