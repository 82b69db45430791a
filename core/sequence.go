package core

// SequenceStopped is the playback position of a finished or stopped sequence.
const SequenceStopped uint8 = 255

// SequencePoint is one waypoint of a sequence: a position in degrees (or
// microseconds) and the speed to approach it with.
type SequencePoint struct {
	Position int
	Speed    uint8
}

// SequencePlay drives the servo through seq and must be called repeatedly,
// typically once per main-loop pass. Each call advances to the next waypoint
// once the current one has been reached. Past the last waypoint playback
// wraps to 0 when loop is set and stops otherwise.
//
// A seq whose backing array differs from the one in progress restarts
// playback at start, even when the contents are equal.
//
// It returns the current waypoint index or SequenceStopped.
func (s *Servo) SequencePlay(seq []SequencePoint, loop bool, start uint8) uint8 {
	if !s.Valid() {
		return SequenceStopped
	}
	prev := s.seqPos
	restarted := false
	if !sameSequence(s.sequence, seq) {
		s.sequence = seq
		s.seqPos = start
		restarted = true
	}
	if int(s.seqPos) >= len(seq) {
		s.seqPos = SequenceStopped
		return s.seqPos
	}

	if point := seq[s.seqPos]; s.positionIn(point.Position) == point.Position {
		s.seqPos++
		if int(s.seqPos) >= len(seq) {
			if loop {
				s.seqPos = 0
			} else {
				s.seqPos = SequenceStopped
			}
		}
	}

	if (restarted || s.seqPos != prev) && s.seqPos != SequenceStopped {
		point := seq[s.seqPos]
		s.WriteSpeed(point.Position, point.Speed)
	}
	return s.seqPos
}

// SequencePlayLoop plays seq in a loop from its first waypoint.
func (s *Servo) SequencePlayLoop(seq []SequencePoint) uint8 {
	return s.SequencePlay(seq, true, 0)
}

// SequenceStop freezes the servo where it is and ends playback.
func (s *Servo) SequenceStop() {
	if !s.Valid() {
		return
	}
	s.Stop()
	s.seqPos = SequenceStopped
}

// SequencePosition returns the current waypoint index or SequenceStopped.
func (s *Servo) SequencePosition() uint8 {
	return s.seqPos
}

// sameSequence compares sequences by identity of their backing arrays.
func sameSequence(a, b []SequencePoint) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	return &a[0] == &b[0]
}
