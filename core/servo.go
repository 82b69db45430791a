// Multiplexed servo output
// Shares each 16-bit timer between up to ServosPerTimer servo channels by
// pulsing the channels one after another inside a fixed refresh period.
package core

import (
	"errors"
	"strconv"
	"time"
)

// Pulse widths in microseconds
const (
	MinPulseWidth     = 544   // shortest pulse sent to a servo
	MaxPulseWidth     = 2400  // longest pulse sent to a servo
	DefaultPulseWidth = 1500  // pulse width when a servo is constructed
	RefreshInterval   = 16000 // minimum time between cycle restarts
	TrimDuration      = 5     // compensation for pin toggle overhead
)

// Capacities
const (
	ServosPerTimer = 12  // channels multiplexed on one timer
	MaxServos      = 48  // upper bound across all timers
	InvalidServo   = 255 // index handed out once capacity is exhausted
)

const (
	channelIdle  int8   = -1 // timer group is between refresh cycles
	refreshGuard uint16 = 4  // ticks allowed for the next compare not to be missed

	// trimResolution is the microsecond step of the min/max calibration trims.
	trimResolution = 4

	// WaitPollInterval is how often blocking waits re-read the position.
	WaitPollInterval = 5 * time.Millisecond
)

var (
	ErrNoTimers        = errors.New("servo controller needs at least one timer")
	ErrNoGPIO          = errors.New("servo controller needs a GPIO driver")
	ErrTooManyTimers   = errors.New("timer count exceeds servo capacity")
	ErrRefreshOverflow = errors.New("refresh interval does not fit a 16-bit timer at this clock")
)

// servoRecord is the state shared between main-line code and the pulse
// scheduler. ticks/target/speed are only touched inside critical sections.
type servoRecord struct {
	pin    GPIOPin
	active bool
	ticks  uint16 // pulse width the scheduler outputs
	target uint16 // ramp destination, meaningful while speed != 0
	speed  uint8  // 0 = no ramp in progress
	value  int    // last value passed to a write, in the caller's units
}

// timerGroup is the scheduling state of one hardware timer.
type timerGroup struct {
	channel    int8   // channel being pulsed or channelIdle
	cycleStart uint16 // counter value when the current cycle began
	active     bool   // interrupt armed
	overruns   uint32 // cycles whose pulses outlasted the refresh interval
}

// ControllerConfig wires a Controller to its platform collaborators.
type ControllerConfig struct {
	Clock  Clock
	GPIO   GPIODriver
	Timers []TimerDriver

	// Delay blocks the caller during Wait; time.Sleep when nil.
	Delay func(time.Duration)
}

// Controller owns the servo table and the timer groups. Servo indices are
// handed out densely at construction and never reused.
type Controller struct {
	clock  Clock
	gpio   GPIODriver
	timers []TimerDriver
	groups []timerGroup
	delay  func(time.Duration)

	servos       []servoRecord
	count        uint8 // records reserved so far
	refreshTicks uint16
}

// NewController validates cfg and installs the scheduler on every timer.
// Timers stay disabled until a servo on them is attached.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if len(cfg.Timers) == 0 {
		return nil, ErrNoTimers
	}
	if cfg.GPIO == nil {
		return nil, ErrNoGPIO
	}
	if len(cfg.Timers)*ServosPerTimer > MaxServos {
		return nil, ErrTooManyTimers
	}
	if cfg.Clock.Freq == 0 {
		cfg.Clock = DefaultClock()
	}
	refresh := cfg.Clock.TimerFromUS(RefreshInterval)
	if refresh+uint32(refreshGuard) > 0xFFFF {
		return nil, ErrRefreshOverflow
	}
	if cfg.Delay == nil {
		cfg.Delay = time.Sleep
	}

	c := &Controller{
		clock:        cfg.Clock,
		gpio:         cfg.GPIO,
		timers:       cfg.Timers,
		groups:       make([]timerGroup, len(cfg.Timers)),
		delay:        cfg.Delay,
		servos:       make([]servoRecord, len(cfg.Timers)*ServosPerTimer),
		refreshTicks: uint16(refresh),
	}
	for i, t := range c.timers {
		timer := uint8(i)
		c.groups[i].channel = channelIdle
		t.OnInterrupt(func() {
			runInterrupt(func() { c.handleInterrupt(timer) })
		})
	}
	return c, nil
}

// Capacity returns the number of servo records the controller can issue.
func (c *Controller) Capacity() int {
	return len(c.servos)
}

// Count returns the number of servo records issued so far.
func (c *Controller) Count() int {
	return int(c.count)
}

// Clock returns the tick rate of the servo timers.
func (c *Controller) Clock() Clock {
	return c.clock
}

// Overruns reports how many cycles on timer ran past the refresh interval.
func (c *Controller) Overruns(timer int) uint32 {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return c.groups[timer].overruns
}

// NewServo reserves the next servo record. Once the table is full the
// returned servo carries InvalidServo and every operation on it is a no-op.
func (c *Controller) NewServo() *Servo {
	s := &Servo{c: c, index: InvalidServo, seqPos: SequenceStopped}
	if int(c.count) >= len(c.servos) {
		DebugPrintln("[servo] capacity exhausted")
		return s
	}
	s.index = c.count
	state := disableInterrupts()
	c.resetRecord(s.index)
	c.count++
	restoreInterrupts(state)
	return s
}

// resetRecord puts a record back in its constructed state: inactive, no
// ramp, default pulse width.
// Caller must be inside a critical section.
func (c *Controller) resetRecord(index uint8) {
	c.servos[index] = servoRecord{ticks: uint16(c.clock.TimerFromUS(DefaultPulseWidth))}
}

// DetachAll stops pulsing every servo and disables every timer.
func (c *Controller) DetachAll() {
	state := disableInterrupts()
	for i := uint8(0); i < c.count; i++ {
		rec := &c.servos[i]
		if rec.active {
			rec.active = false
			_ = c.gpio.SetPin(rec.pin, false)
			RecordEvent(EvtDetach, i, 0)
		}
	}
	for timer := range c.groups {
		if c.groups[timer].active {
			c.finISR(uint8(timer))
		}
	}
	restoreInterrupts(state)
}

func (c *Controller) timerOf(index uint8) uint8 {
	return index / ServosPerTimer
}

func (c *Controller) servoIndex(timer uint8, channel int8) uint8 {
	return timer*ServosPerTimer + uint8(channel)
}

// isTimerActive reports whether any servo on timer is active.
// Caller must be inside a critical section.
func (c *Controller) isTimerActive(timer uint8) bool {
	for channel := int8(0); channel < ServosPerTimer; channel++ {
		if c.servos[c.servoIndex(timer, channel)].active {
			return true
		}
	}
	return false
}

// initISR starts the timer so the next interrupt opens a fresh cycle.
// Caller must be inside a critical section.
func (c *Controller) initISR(timer uint8) {
	g := &c.groups[timer]
	t := c.timers[timer]
	g.channel = channelIdle
	g.active = true
	t.Enable()
	t.Arm(t.Counter() + refreshGuard)
	RecordEvent(EvtTimerStart, timer, 0)
}

// finISR masks the timer interrupt.
// Caller must be inside a critical section.
func (c *Controller) finISR(timer uint8) {
	c.timers[timer].Disable()
	c.groups[timer].active = false
	c.groups[timer].channel = channelIdle
	RecordEvent(EvtTimerStop, timer, 0)
}

// Servo is a handle on one servo record.
type Servo struct {
	c       *Controller
	index   uint8
	minTrim int8 // (MinPulseWidth - min) / 4
	maxTrim int8 // (MaxPulseWidth - max) / 4

	sequence []SequencePoint
	seqPos   uint8
}

// Index returns the servo's table index, or InvalidServo.
func (s *Servo) Index() uint8 {
	return s.index
}

// Valid reports whether the servo holds a record.
func (s *Servo) Valid() bool {
	return s.index != InvalidServo
}

func (s *Servo) rec() *servoRecord {
	return &s.c.servos[s.index]
}

// Attach starts pulsing pin with the default pulse range.
func (s *Servo) Attach(pin GPIOPin) uint8 {
	return s.AttachRange(pin, MinPulseWidth, MaxPulseWidth)
}

// AttachRange starts pulsing pin, narrowing the pulse range to
// [minUS, maxUS] at 4us resolution. It returns the servo index, or
// InvalidServo when the servo has no record or the pin cannot be driven.
func (s *Servo) AttachRange(pin GPIOPin, minUS, maxUS int) uint8 {
	if !s.Valid() {
		return InvalidServo
	}
	if err := s.c.gpio.ConfigureOutput(pin); err != nil {
		DebugPrintln("[servo] configure pin " + strconv.Itoa(int(pin)) + ": " + err.Error())
		return InvalidServo
	}

	s.minTrim = int8(clamp((MinPulseWidth-minUS)/trimResolution, -128, 127))
	s.maxTrim = int8(clamp((MaxPulseWidth-maxUS)/trimResolution, -128, 127))

	lo, hi := s.ticksFor(s.servoMin()), s.ticksFor(s.servoMax())

	state := disableInterrupts()
	rec := s.rec()
	if rec.active && rec.pin != pin {
		// The old pin may be mid-pulse
		_ = s.c.gpio.SetPin(rec.pin, false)
	}
	rec.pin = pin
	rec.ticks = clamp(rec.ticks, lo, hi)
	rec.target = clamp(rec.target, lo, hi)
	timer := s.c.timerOf(s.index)
	if !s.c.isTimerActive(timer) {
		s.c.initISR(timer)
	}
	// Flip the flag only after the scan so it sees the pre-attach state.
	rec.active = true
	RecordEvent(EvtAttach, s.index, uint32(pin))
	restoreInterrupts(state)
	return s.index
}

// Detach stops pulsing the servo's pin. The record keeps its index.
func (s *Servo) Detach() {
	if !s.Valid() {
		return
	}
	state := disableInterrupts()
	rec := s.rec()
	if rec.active {
		rec.active = false
		// The scheduler skips inactive channels, so finish a pulse that
		// may be in flight.
		_ = s.c.gpio.SetPin(rec.pin, false)
		RecordEvent(EvtDetach, s.index, uint32(rec.pin))
	}
	timer := s.c.timerOf(s.index)
	if s.c.groups[timer].active && !s.c.isTimerActive(timer) {
		s.c.finISR(timer)
	}
	restoreInterrupts(state)
}

// recycle detaches the servo and returns it to its constructed state so the
// record can be handed to a new owner.
func (s *Servo) recycle() {
	if !s.Valid() {
		return
	}
	s.Detach()
	state := disableInterrupts()
	s.c.resetRecord(s.index)
	restoreInterrupts(state)
	s.minTrim, s.maxTrim = 0, 0
	s.sequence = nil
	s.seqPos = SequenceStopped
}

// Attached reports whether the servo is being pulsed.
func (s *Servo) Attached() bool {
	if !s.Valid() {
		return false
	}
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return s.rec().active
}

func (s *Servo) servoMin() int {
	return MinPulseWidth - int(s.minTrim)*trimResolution
}

func (s *Servo) servoMax() int {
	return MaxPulseWidth - int(s.maxTrim)*trimResolution
}
