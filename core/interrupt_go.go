//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// irqMask stands in for the global interrupt enable bit on regular Go.
// Interrupt handlers run with it held, so a main-line critical section
// excludes them exactly like cli/sei does on hardware.
var irqMask sync.Mutex

// disableInterrupts enters a critical section. Sections must not nest.
func disableInterrupts() State {
	irqMask.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	irqMask.Unlock()
}

// runInterrupt runs handler in simulated interrupt context.
func runInterrupt(handler func()) {
	irqMask.Lock()
	defer irqMask.Unlock()
	handler()
}
