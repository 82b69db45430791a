package core

import "sync/atomic"

// Timer frequencies for common MCUs
const (
	// DefaultTimerFreq is a 16MHz system clock behind a /8 prescaler, the
	// classic 16-bit servo timer setup (0.5us per tick).
	DefaultTimerFreq = 2000000
)

var (
	systemTicks uint32
	bootTime    uint64 // Time at boot for uptime calculation
)

// Clock describes the tick rate of the 16-bit servo timers.
type Clock struct {
	Freq uint32 // ticks per second
}

// DefaultClock returns the clock used when a target does not supply one.
func DefaultClock() Clock {
	return Clock{Freq: DefaultTimerFreq}
}

// TimerFromUS converts microseconds to timer ticks
func (c Clock) TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * uint64(c.Freq) / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func (c Clock) TimerToUS(ticks uint32) uint32 {
	if c.Freq == 0 {
		return 0
	}
	return uint32(uint64(ticks) * 1000000 / uint64(c.Freq))
}

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return atomic.LoadUint32(&systemTicks)
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	atomic.StoreUint32(&systemTicks, ticks)
}

// GetUptime returns 64-bit uptime in timer ticks
func GetUptime() uint64 {
	return uint64(GetTime()) - bootTime
}

// TimerInit records the boot time used by get_uptime.
func TimerInit() {
	bootTime = uint64(GetTime())
}
