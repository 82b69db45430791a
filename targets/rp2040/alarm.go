//go:build rp2040

package main

import (
	"device/rp"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"

	"servoplex/core"
)

// The TinyGo runtime sleeps on alarm 0; servo timer groups take the rest.
const (
	firstServoAlarm = 1
	servoAlarms     = 3
)

// alarmTimer is one TIMER alarm seen as a 16-bit compare timer. The alarm
// compares all 32 counter bits, so Arm widens the 16-bit compare to the
// next matching counter value.
type alarmTimer struct {
	n       uint8
	alarm   *volatile.Register32
	handler func()
	intr    interrupt.Interrupt
}

var alarms [servoAlarms]*alarmTimer

func newAlarmTimer(n uint8) *alarmTimer {
	a := &alarmTimer{
		n:     n,
		alarm: (*volatile.Register32)(unsafe.Pointer(uintptr(timerALARM0 + 4*uint32(n)))),
	}
	// interrupt.New needs constant IRQ numbers and capture-free handlers
	switch n {
	case 1:
		a.intr = interrupt.New(rp.IRQ_TIMER_IRQ_1, func(interrupt.Interrupt) { alarms[0].fire() })
	case 2:
		a.intr = interrupt.New(rp.IRQ_TIMER_IRQ_2, func(interrupt.Interrupt) { alarms[1].fire() })
	case 3:
		a.intr = interrupt.New(rp.IRQ_TIMER_IRQ_3, func(interrupt.Interrupt) { alarms[2].fire() })
	}
	a.intr.SetPriority(0x40)
	return a
}

// initAlarmTimers returns the servo timer drivers.
func initAlarmTimers() []core.TimerDriver {
	drivers := make([]core.TimerDriver, servoAlarms)
	for i := range alarms {
		alarms[i] = newAlarmTimer(uint8(firstServoAlarm + i))
		drivers[i] = alarms[i]
	}
	return drivers
}

func (a *alarmTimer) fire() {
	timerIntr.Set(1 << a.n)
	if a.handler != nil {
		a.handler()
	}
}

// Arm schedules the interrupt for the next time the low 16 counter bits
// equal compare.
func (a *alarmTimer) Arm(compare uint16) {
	now := timerRAWL.Get()
	delta := uint32(compare - uint16(now))
	if delta == 0 {
		delta = 1 << 16
	}
	a.alarm.Set(now + delta)
}

func (a *alarmTimer) Counter() uint16 {
	return uint16(timerRAWL.Get())
}

func (a *alarmTimer) OnInterrupt(handler func()) {
	a.handler = handler
}

func (a *alarmTimer) Enable() {
	timerIntr.Set(1 << a.n)
	timerInte.SetBits(1 << a.n)
	a.intr.Enable()
}

// Disable masks the alarm and disarms a pending match.
func (a *alarmTimer) Disable() {
	timerInte.ClearBits(1 << a.n)
	timerArm.Set(1 << a.n)
	timerIntr.Set(1 << a.n)
}

// ClearInterrupt is a no-op unless the alarm is still armed: fire already
// acknowledged the match, and a re-armed alarm that has fired since must
// stay pending.
func (a *alarmTimer) ClearInterrupt() {
	if timerArm.Get()&(1<<a.n) != 0 {
		timerIntr.Set(1 << a.n)
	}
}
