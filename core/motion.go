package core

// Values below MinPulseWidth are angles in degrees, anything else is a pulse
// width in microseconds. The last written value is kept in whichever unit the
// caller used so IsMoving and Wait compare like with like.

// Write sets the servo angle in degrees, or the pulse width in microseconds
// for values of at least MinPulseWidth. Any ramp in progress is cancelled.
func (s *Servo) Write(value int) {
	if !s.Valid() {
		return
	}
	s.rec().value = value
	s.writeTicks(s.ticksFor(s.toMicroseconds(value)))
}

// WriteMicroseconds sets the pulse width in microseconds.
func (s *Servo) WriteMicroseconds(value int) {
	if !s.Valid() {
		return
	}
	s.rec().value = value
	s.writeTicks(s.ticksFor(value))
}

// WriteSpeed moves toward value at speed (1 slowest, 255 fastest) instead of
// jumping to it. Speed 0 is an immediate Write.
func (s *Servo) WriteSpeed(value int, speed uint8) {
	if speed == 0 {
		s.Write(value)
		return
	}
	if !s.Valid() {
		return
	}
	rec := s.rec()
	rec.value = value
	ticks := s.ticksFor(s.toMicroseconds(value))

	state := disableInterrupts()
	rec.target = ticks
	rec.speed = speed
	restoreInterrupts(state)
}

// WriteWait is WriteSpeed that, when wait is set, blocks until the servo
// reports value. There is no timeout: a value the servo cannot reach, such
// as one outside its calibrated range, blocks forever.
func (s *Servo) WriteWait(value int, speed uint8, wait bool) {
	s.WriteSpeed(value, speed)
	if wait {
		s.waitFor(value)
	}
}

// SlowMove is WriteSpeed under its historical name.
func (s *Servo) SlowMove(value int, speed uint8) {
	s.WriteSpeed(value, speed)
}

// Stop freezes the servo at its current position.
func (s *Servo) Stop() {
	s.Write(s.Read())
}

// Wait blocks until the last written value has been reached.
func (s *Servo) Wait() {
	if !s.Valid() {
		return
	}
	s.waitFor(s.rec().value)
}

// IsMoving reports whether the servo has not yet reached the last written
// value, compared in that value's unit.
func (s *Servo) IsMoving() bool {
	if !s.Valid() {
		return false
	}
	value := s.rec().value
	return s.positionIn(value) != value
}

// Read returns the current position in degrees.
func (s *Servo) Read() int {
	if !s.Valid() {
		return 0
	}
	return s.toDegrees(s.ReadMicroseconds())
}

// ReadMicroseconds returns the current pulse width in microseconds, or 0 for
// a servo without a record.
func (s *Servo) ReadMicroseconds() int {
	if !s.Valid() {
		return 0
	}
	state := disableInterrupts()
	ticks := s.rec().ticks
	restoreInterrupts(state)
	return s.microsecondsFor(ticks)
}

// TargetPosition returns, in degrees, where the servo is heading.
func (s *Servo) TargetPosition() int {
	if !s.Valid() {
		return 0
	}
	return s.toDegrees(s.TargetPositionMicroseconds())
}

// TargetPositionMicroseconds returns the pulse width the servo is heading
// for; with no ramp in progress that is the current width.
func (s *Servo) TargetPositionMicroseconds() int {
	if !s.Valid() {
		return 0
	}
	state := disableInterrupts()
	rec := s.rec()
	ticks := rec.ticks
	if rec.speed != 0 {
		ticks = rec.target
	}
	restoreInterrupts(state)
	return s.microsecondsFor(ticks)
}

func (s *Servo) waitFor(value int) {
	for s.positionIn(value) != value {
		s.c.delay(WaitPollInterval)
	}
}

// positionIn reads the position in the unit value is expressed in.
func (s *Servo) positionIn(value int) int {
	if value < MinPulseWidth {
		return s.Read()
	}
	return s.ReadMicroseconds()
}

func (s *Servo) toMicroseconds(value int) int {
	if value < MinPulseWidth {
		value = mapRange(clamp(value, 0, 180), 0, 180, s.servoMin(), s.servoMax())
	}
	return value
}

// toDegrees maps a pulse width back to an angle. The +1 offsets the
// truncation of the degrees to ticks conversion.
func (s *Servo) toDegrees(us int) int {
	return mapRange(us+1, s.servoMin(), s.servoMax(), 0, 180)
}

// ticksFor clamps a pulse width to the calibrated range and converts it to
// ticks net of the toggle overhead.
func (s *Servo) ticksFor(us int) uint16 {
	us = clamp(us, s.servoMin(), s.servoMax()) - TrimDuration
	return uint16(s.c.clock.TimerFromUS(uint32(us)))
}

func (s *Servo) microsecondsFor(ticks uint16) int {
	return int(s.c.clock.TimerToUS(uint32(ticks))) + TrimDuration
}

func (s *Servo) writeTicks(ticks uint16) {
	state := disableInterrupts()
	rec := s.rec()
	rec.ticks = ticks
	rec.speed = 0
	restoreInterrupts(state)
}
