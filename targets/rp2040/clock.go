//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"servoplex/core"
)

// RP2040 TIMER peripheral memory map
const (
	timerBase     = 0x40054000
	timerALARM0   = timerBase + 0x10 // ALARMn at timerALARM0 + 4*n
	timerARMED    = timerBase + 0x20
	timerTIMERAWH = timerBase + 0x24 // Raw timer high word, no latching
	timerTIMERAWL = timerBase + 0x28 // Raw timer low word, no latching
	timerINTR     = timerBase + 0x34 // Write 1 to clear
	timerINTE     = timerBase + 0x38

	// timerFreq is the TIMER tick rate, 1us per tick.
	timerFreq = 1000000
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
	timerArm  = (*volatile.Register32)(unsafe.Pointer(uintptr(timerARMED)))
	timerIntr = (*volatile.Register32)(unsafe.Pointer(uintptr(timerINTR)))
	timerInte = (*volatile.Register32)(unsafe.Pointer(uintptr(timerINTE)))
)

// InitClock registers the MCU constants. The TIMER runs from the 1MHz
// watchdog tick set up by the TinyGo runtime.
func InitClock() {
	core.RegisterConstant("MCU", "rp2040")
}

// GetHardwareTime reads the low 32 bits of the microsecond counter
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// GetHardwareUptime reads the full 64-bit RP2040 hardware timer
func GetHardwareUptime() uint64 {
	// Read high, low, high again to detect a rollover between the reads
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// UpdateSystemTime updates the core timer with hardware time
// Called from main loop
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}
