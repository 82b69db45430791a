package core

import (
	"errors"
	"testing"
)

func TestNewControllerValidation(t *testing.T) {
	gpio := newFakeGPIO()
	tests := []struct {
		name string
		cfg  ControllerConfig
		want error
	}{
		{"no timers", ControllerConfig{GPIO: gpio}, ErrNoTimers},
		{"no gpio", ControllerConfig{Timers: []TimerDriver{&fakeTimer{}}}, ErrNoGPIO},
		{
			"too many timers",
			ControllerConfig{GPIO: gpio, Timers: []TimerDriver{&fakeTimer{}, &fakeTimer{}, &fakeTimer{}, &fakeTimer{}, &fakeTimer{}}},
			ErrTooManyTimers,
		},
		{
			"refresh overflows 16 bits",
			ControllerConfig{GPIO: gpio, Timers: []TimerDriver{&fakeTimer{}}, Clock: Clock{Freq: 8000000}},
			ErrRefreshOverflow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	c, err := NewController(ControllerConfig{GPIO: gpio, Timers: []TimerDriver{&fakeTimer{}}})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	if c.Clock().Freq != DefaultTimerFreq {
		t.Errorf("Expected default clock %d, got %d", DefaultTimerFreq, c.Clock().Freq)
	}
	if c.refreshTicks != 32000 {
		t.Errorf("Expected 32000 refresh ticks, got %d", c.refreshTicks)
	}
}

func TestNewServoCapacity(t *testing.T) {
	rig := newTestRig(t, 1)

	for i := 0; i < ServosPerTimer; i++ {
		s := rig.c.NewServo()
		if s.Index() != uint8(i) {
			t.Fatalf("Expected index %d, got %d", i, s.Index())
		}
	}
	if rig.c.Count() != rig.c.Capacity() {
		t.Errorf("Expected %d records issued, got %d", rig.c.Capacity(), rig.c.Count())
	}

	s := rig.c.NewServo()
	if s.Valid() || s.Index() != InvalidServo {
		t.Fatalf("Expected InvalidServo once capacity is exhausted, got %d", s.Index())
	}
	if got := s.Attach(3); got != InvalidServo {
		t.Errorf("Attach on invalid servo returned %d", got)
	}
	s.Write(90)
	s.Detach()
	if s.Read() != 0 || s.ReadMicroseconds() != 0 {
		t.Errorf("Invalid servo reported position %d/%d", s.Read(), s.ReadMicroseconds())
	}
	if s.Attached() || s.IsMoving() {
		t.Error("Invalid servo reported attached or moving")
	}
	if len(rig.gpio.configured) != 0 {
		t.Error("Invalid servo touched the GPIO driver")
	}
}

func TestNewServoDefaultPulse(t *testing.T) {
	rig := newTestRig(t, 1)
	s := rig.c.NewServo()

	// Default ticks carry no trim, so the read back includes it
	if got := s.ReadMicroseconds(); got != DefaultPulseWidth+TrimDuration {
		t.Errorf("Expected %d us, got %d", DefaultPulseWidth+TrimDuration, got)
	}
	if s.Attached() {
		t.Error("New servo reported attached")
	}
}

func TestAttachDetachTimerLifecycle(t *testing.T) {
	rig := newTestRig(t, 2)
	ft := rig.timers[0]

	a := rig.attach(t, 2)
	if !ft.enabled || !ft.armed {
		t.Fatal("First attach did not start the timer")
	}
	armsAfterFirst := len(ft.arms)

	b := rig.attach(t, 3)
	if len(ft.arms) != armsAfterFirst {
		t.Error("Second attach re-armed an active timer")
	}
	if !a.Attached() || !b.Attached() {
		t.Error("Attached servos report detached")
	}
	if rig.timers[1].enabled {
		t.Error("Timer without servos was enabled")
	}

	a.Detach()
	if !ft.enabled {
		t.Error("Timer stopped while a servo is still attached")
	}
	if rig.gpio.state[2] {
		t.Error("Detached pin left high")
	}

	b.Detach()
	if ft.enabled {
		t.Error("Timer still enabled with no attached servos")
	}
	if rig.c.groups[0].active {
		t.Error("Timer group still marked active")
	}

	// Detaching again is a no-op
	b.Detach()
	if ft.enabled {
		t.Error("Repeated detach re-enabled the timer")
	}

	// Records survive detach and can attach again
	if a.Attach(4) != a.Index() {
		t.Error("Reattach did not return the same index")
	}
	if !ft.enabled {
		t.Error("Reattach did not restart the timer")
	}
}

func TestAttachConfigureFailure(t *testing.T) {
	rig := newTestRig(t, 1)
	rig.gpio.badPins[9] = true

	s := rig.c.NewServo()
	if got := s.Attach(9); got != InvalidServo {
		t.Errorf("Expected InvalidServo for unusable pin, got %d", got)
	}
	if s.Attached() || rig.timers[0].enabled {
		t.Error("Failed attach left the servo active")
	}
}

func TestAttachSecondTimer(t *testing.T) {
	rig := newTestRig(t, 2)
	servos := make([]*Servo, ServosPerTimer+1)
	for i := range servos {
		servos[i] = rig.c.NewServo()
	}

	if servos[ServosPerTimer].Attach(20) == InvalidServo {
		t.Fatal("Attach failed")
	}
	if rig.timers[0].enabled {
		t.Error("Servo on the second timer started the first")
	}
	if !rig.timers[1].enabled {
		t.Error("Servo on the second timer did not start it")
	}
}

func TestAttachRangeTrims(t *testing.T) {
	rig := newTestRig(t, 1)
	s := rig.c.NewServo()
	s.AttachRange(2, 1000, 2000)

	if s.servoMin() != 1000 || s.servoMax() != 2000 {
		t.Errorf("Expected range 1000-2000, got %d-%d", s.servoMin(), s.servoMax())
	}

	s.Write(0)
	if got := s.ReadMicroseconds(); got != 1000 {
		t.Errorf("Expected 0 degrees at 1000 us, got %d", got)
	}
	s.Write(180)
	if got := s.ReadMicroseconds(); got != 2000 {
		t.Errorf("Expected 180 degrees at 2000 us, got %d", got)
	}
	s.WriteMicroseconds(2300)
	if got := s.ReadMicroseconds(); got != 2000 {
		t.Errorf("Expected write above range clamped to 2000, got %d", got)
	}

	// Trims have 4us resolution
	s.AttachRange(2, 1001, 1999)
	if s.servoMin() != 1000 && s.servoMin() != 1004 {
		t.Errorf("Unexpected trimmed min %d", s.servoMin())
	}
}

func TestAttachRangeClampsPulse(t *testing.T) {
	rig := newTestRig(t, 1)
	s := rig.attach(t, 2)
	s.WriteMicroseconds(2400)
	s.Detach()

	s.AttachRange(2, 1000, 2000)
	if got := s.ReadMicroseconds(); got != 2000 {
		t.Errorf("Expected pulse clamped to 2000 us, got %d", got)
	}
	rig.cycles(0, 2)
	widths := rig.gpio.pulses(2)
	if len(widths) != 2 {
		t.Fatalf("Expected 2 pulses, got %d", len(widths))
	}
	for i, w := range widths {
		if w != 3990 {
			t.Errorf("Pulse %d after reattach: expected 3990 ticks, got %d", i, w)
		}
	}
}

func TestReattachNewPinMidPulse(t *testing.T) {
	rig := newTestRig(t, 1)
	s := rig.attach(t, 2)

	rig.timers[0].fire() // leading edge on pin 2
	if !rig.gpio.state[2] {
		t.Fatal("Expected pulse in flight")
	}

	s.Attach(3)
	if rig.gpio.state[2] {
		t.Error("Old pin left high after moving the servo")
	}
	rig.cycles(0, 2)
	if n := len(rig.gpio.pulses(3)); n != 1 {
		t.Errorf("Expected 1 pulse on the new pin, got %d", n)
	}
	if n := len(rig.gpio.rises(2)); n != 1 {
		t.Errorf("Old pin pulsed again after the move: %d rises", n)
	}
}

func TestRecycleRestoresDefaults(t *testing.T) {
	rig := newTestRig(t, 1)
	s := rig.attach(t, 2)
	s.AttachRange(2, 1000, 2000)
	s.Write(0)
	s.WriteSpeed(180, 1)
	s.SequencePlay([]SequencePoint{{Position: 45, Speed: 10}}, true, 0)

	s.recycle()
	if s.Attached() {
		t.Error("Recycled servo still attached")
	}
	if s.TargetPositionMicroseconds() != s.ReadMicroseconds() {
		t.Error("Recycled servo kept its ramp")
	}
	if got := s.ReadMicroseconds(); got != DefaultPulseWidth+TrimDuration {
		t.Errorf("Expected default pulse after recycle, got %d", got)
	}
	if s.servoMin() != MinPulseWidth || s.servoMax() != MaxPulseWidth {
		t.Errorf("Recycle kept range %d-%d", s.servoMin(), s.servoMax())
	}
	if s.SequencePosition() != SequenceStopped {
		t.Error("Recycle kept sequence playback")
	}
}

func TestDetachAll(t *testing.T) {
	rig := newTestRig(t, 2)
	servos := make([]*Servo, ServosPerTimer+2)
	for i := range servos {
		servos[i] = rig.c.NewServo()
		servos[i].Attach(GPIOPin(i))
	}

	rig.c.DetachAll()

	for i, s := range servos {
		if s.Attached() {
			t.Errorf("Servo %d still attached", i)
		}
		if rig.gpio.state[GPIOPin(i)] {
			t.Errorf("Pin %d left high", i)
		}
	}
	for i, ft := range rig.timers {
		if ft.enabled {
			t.Errorf("Timer %d still enabled", i)
		}
	}
}

func TestEventRing(t *testing.T) {
	ClearEvents()
	rig := newTestRig(t, 1)
	s := rig.attach(t, 5)
	s.Detach()

	var kinds []uint8
	for _, evt := range Events() {
		kinds = append(kinds, evt.EventType)
	}
	want := []uint8{EvtTimerStart, EvtAttach, EvtDetach, EvtTimerStop}
	if len(kinds) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, EventName(want[i]), EventName(kinds[i]))
		}
	}

	ClearEvents()
	if len(Events()) != 0 {
		t.Error("ClearEvents left events behind")
	}
}
