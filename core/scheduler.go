package core

// handleInterrupt is the compare-match handler of one timer group. Each call
// ends the pulse of the current channel and starts the next one; after the
// last channel it idles until the refresh interval has elapsed since the
// cycle began.
func (c *Controller) handleInterrupt(timer uint8) {
	g := &c.groups[timer]
	t := c.timers[timer]

	if !g.active {
		// Compare match that raced finISR
		t.ClearInterrupt()
		return
	}

	if g.channel == channelIdle {
		// Start of a new cycle, no pulse to finish.
		g.cycleStart = t.Counter()
	} else if idx := c.servoIndex(timer, g.channel); idx < c.count && c.servos[idx].active {
		_ = c.gpio.SetPin(c.servos[idx].pin, false)
	}

	g.channel++

	if idx := c.servoIndex(timer, g.channel); g.channel < ServosPerTimer && idx < c.count {
		rec := &c.servos[idx]
		if rec.speed != 0 {
			stepRamp(rec)
			if rec.speed == 0 {
				RecordEvent(EvtRampDone, idx, uint32(rec.ticks))
			}
		}
		if rec.active {
			_ = c.gpio.SetPin(rec.pin, true)
		}
		// Inactive channels still take their slot so cycle timing holds.
		t.Arm(t.Counter() + rec.ticks)
	} else {
		now := t.Counter()
		if uint32(now-g.cycleStart)+uint32(refreshGuard) < uint32(c.refreshTicks) {
			t.Arm(g.cycleStart + c.refreshTicks)
		} else {
			// The pulses alone used up the refresh interval.
			g.overruns++
			RecordEvent(EvtOverrun, timer, uint32(now-g.cycleStart))
			t.Arm(now + refreshGuard)
		}
		g.channel = channelIdle
	}

	t.ClearInterrupt()
}

// stepRamp moves ticks one speed increment toward target, landing exactly on
// target and ending the ramp when the step would reach or pass it.
func stepRamp(rec *servoRecord) {
	step := uint16(rec.speed)
	if rec.target > rec.ticks {
		if rec.target-rec.ticks <= step {
			rec.ticks = rec.target
			rec.speed = 0
			return
		}
		rec.ticks += step
		return
	}
	if rec.ticks-rec.target <= step {
		rec.ticks = rec.target
		rec.speed = 0
		return
	}
	rec.ticks -= step
}
