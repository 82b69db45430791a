package core

import "strconv"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// ServoEvent captures a scheduler event for post-mortem analysis
type ServoEvent struct {
	EventType uint8  // Event type code
	ID        uint8  // Servo index or timer number
	Clock     uint32 // System clock at event
	Value     uint32 // Context-dependent value
}

// Event type codes
const (
	EvtAttach     = 1 // servo started pulsing (value = pin)
	EvtDetach     = 2 // servo stopped pulsing (value = pin)
	EvtTimerStart = 3 // timer group enabled
	EvtTimerStop  = 4 // timer group disabled
	EvtOverrun    = 5 // pulses outlasted the refresh interval (value = cycle ticks)
	EvtRampDone   = 6 // ramp reached its target (value = ticks)
)

const (
	EventRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	// Disabled by default; enable with set_debug enable=1
	debugEnabled bool = false

	// Event capture ring buffer, written only inside critical sections
	eventRing     [EventRingSize]ServoEvent
	eventRingHead uint8
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// RecordEvent captures an event in the ring buffer.
// Caller must be inside a critical section or the interrupt handler.
func RecordEvent(eventType, id uint8, value uint32) {
	idx := eventRingHead
	eventRing[idx] = ServoEvent{
		EventType: eventType,
		ID:        id,
		Clock:     GetTime(),
		Value:     value,
	}
	eventRingHead = (idx + 1) % EventRingSize
}

// Events returns the recorded events, oldest first.
func Events() []ServoEvent {
	state := disableInterrupts()
	ring := eventRing
	start := eventRingHead
	restoreInterrupts(state)

	out := make([]ServoEvent, 0, EventRingSize)
	for i := uint8(0); i < EventRingSize; i++ {
		evt := ring[(start+i)%EventRingSize]
		if evt.EventType == 0 {
			continue // Empty slot
		}
		out = append(out, evt)
	}
	return out
}

// EventName returns the log label of an event type.
func EventName(eventType uint8) string {
	switch eventType {
	case EvtAttach:
		return "ATTACH"
	case EvtDetach:
		return "DETACH"
	case EvtTimerStart:
		return "TIMER_START"
	case EvtTimerStop:
		return "TIMER_STOP"
	case EvtOverrun:
		return "OVERRUN!"
	case EvtRampDone:
		return "RAMP_DONE"
	default:
		return "UNKNOWN"
	}
}

// DumpEvents outputs the event ring buffer (call on shutdown/error)
func DumpEvents() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[EVENTS] === Event Ring Dump ===")
	for _, evt := range Events() {
		debugPrintln("[EVENTS] " + EventName(evt.EventType) +
			" id=" + strconv.Itoa(int(evt.ID)) +
			" clock=" + strconv.FormatUint(uint64(evt.Clock), 10) +
			" value=" + strconv.FormatUint(uint64(evt.Value), 10))
	}
	debugPrintln("[EVENTS] === End Dump ===")
}

// ClearEvents clears the event buffer
func ClearEvents() {
	state := disableInterrupts()
	for i := range eventRing {
		eventRing[i] = ServoEvent{}
	}
	eventRingHead = 0
	restoreInterrupts(state)
}
