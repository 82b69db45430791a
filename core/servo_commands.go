// Servo command surface
// Exposes the servo controller over the Klipper protocol: configuration,
// writes, state queries and per-servo waypoint sequences.
package core

import (
	"errors"

	"servoplex/protocol"
)

// MaxSequenceLength bounds the waypoints one servo can buffer.
const MaxSequenceLength = 64

var (
	ErrNoController    = errors.New("servo controller not configured")
	ErrUnknownOID      = errors.New("servo oid not configured")
	ErrServoCapacity   = errors.New("no free servo records")
	ErrAttachFailed    = errors.New("servo attach failed")
	ErrShutdown        = errors.New("firmware is shut down")
	ErrSequenceFull    = errors.New("servo sequence full")
	ErrSequenceMissing = errors.New("servo sequence empty")
)

// ServoOut is a servo configured by the host under an oid.
type ServoOut struct {
	OID   uint8
	Pin   GPIOPin
	Servo *Servo

	pending []SequencePoint // built by servo_sequence_add
	playing []SequencePoint // handed to SequencePlay
	loop    bool
	start   uint8
	active  bool // playback in progress
}

var (
	servoController *Controller
	servoOutputs    = make(map[uint8]*ServoOut)

	// Servo records released by config_reset. The controller never frees a
	// record, so they are handed out again before reserving new ones.
	spareServos []*Servo
)

// SetServoController installs the controller the servo commands drive.
func SetServoController(c *Controller) {
	servoController = c
	servoOutputs = make(map[uint8]*ServoOut)
	spareServos = nil
}

// GetServo returns the servo configured under oid.
func GetServo(oid uint8) (*ServoOut, bool) {
	s, ok := servoOutputs[oid]
	return s, ok
}

// InitServoCommands registers servo-related commands with the command registry
func InitServoCommands() {
	RegisterCommand("config_servo", "oid=%c pin=%u min_us=%hu max_us=%hu", handleConfigServo)
	RegisterCommand("servo_write", "oid=%c value=%hi speed=%c", handleServoWrite)
	RegisterCommand("servo_write_us", "oid=%c value=%hu", handleServoWriteUS)
	RegisterCommand("servo_stop", "oid=%c", handleServoStop)
	RegisterCommand("servo_detach", "oid=%c", handleServoDetach)
	RegisterCommand("query_servo", "oid=%c", handleQueryServo)

	RegisterCommand("servo_sequence_reset", "oid=%c", handleServoSequenceReset)
	RegisterCommand("servo_sequence_add", "oid=%c position=%hi speed=%c", handleServoSequenceAdd)
	RegisterCommand("servo_sequence_play", "oid=%c loop=%c start=%c", handleServoSequencePlay)
	RegisterCommand("servo_sequence_stop", "oid=%c", handleServoSequenceStop)

	RegisterResponse("servo_state", "oid=%c us=%hu deg=%hu moving=%c index=%c")

	RegisterConstant("SERVOS_PER_TIMER", ServosPerTimer)
	RegisterConstant("REFRESH_INTERVAL", RefreshInterval)
	RegisterConstant("SERVO_SEQUENCE_MAX", MaxSequenceLength)
	if servoController != nil {
		RegisterConstant("SERVO_MAX", servoController.Capacity())
		RegisterConstant("CLOCK_FREQ", servoController.Clock().Freq)
	}
}

// handleConfigServo attaches a servo to a pin
// Format: config_servo oid=%c pin=%u min_us=%hu max_us=%hu
func handleConfigServo(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	minUS, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	maxUS, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if servoController == nil {
		return ErrNoController
	}
	if IsShutdown() {
		return ErrShutdown
	}

	out, exists := servoOutputs[uint8(oid)]
	if exists {
		// Reconfiguring keeps the record and moves it to the new pin
		out.Servo.Detach()
		out.active = false
	} else {
		out = &ServoOut{OID: uint8(oid), Servo: takeServo()}
		if !out.Servo.Valid() {
			return ErrServoCapacity
		}
	}
	out.Pin = GPIOPin(pin)
	servoOutputs[out.OID] = out

	if out.Servo.AttachRange(out.Pin, int(minUS), int(maxUS)) == InvalidServo {
		return ErrAttachFailed
	}
	return nil
}

// takeServo hands out a spare record before reserving a new one
func takeServo() *Servo {
	if n := len(spareServos); n > 0 {
		s := spareServos[n-1]
		spareServos = spareServos[:n-1]
		s.recycle()
		return s
	}
	return servoController.NewServo()
}

// lookupServo decodes the leading oid and resolves it
func lookupServo(data *[]byte) (*ServoOut, error) {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	out, ok := servoOutputs[uint8(oid)]
	if !ok {
		return nil, ErrUnknownOID
	}
	return out, nil
}

// handleServoWrite sets a position in degrees or microseconds, ramped when
// speed is non-zero. A direct write ends sequence playback.
// Format: servo_write oid=%c value=%hi speed=%c
func handleServoWrite(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	speed, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if IsShutdown() {
		return ErrShutdown
	}

	out.active = false
	out.Servo.WriteSpeed(int(int16(value)), uint8(speed))
	return nil
}

// handleServoWriteUS sets the pulse width directly
// Format: servo_write_us oid=%c value=%hu
func handleServoWriteUS(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if IsShutdown() {
		return ErrShutdown
	}

	out.active = false
	out.Servo.WriteMicroseconds(int(uint16(value)))
	return nil
}

// handleServoStop freezes the servo where it is
func handleServoStop(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	out.active = false
	out.Servo.SequenceStop()
	return nil
}

// handleServoDetach stops pulsing the servo's pin
func handleServoDetach(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	out.active = false
	out.Servo.Detach()
	return nil
}

// handleQueryServo reports position and motion state
// Response: servo_state oid=%c us=%hu deg=%hu moving=%c index=%c
func handleQueryServo(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}

	s := out.Servo
	us := s.ReadMicroseconds()
	deg := s.Read()
	moving := s.IsMoving()
	index := SequenceStopped
	if out.active {
		index = s.SequencePosition()
	}

	SendResponse("servo_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(out.OID))
		protocol.EncodeVLQUint(output, uint32(us))
		protocol.EncodeVLQUint(output, uint32(deg))
		protocol.EncodeVLQUint(output, boolToUint(moving))
		protocol.EncodeVLQUint(output, uint32(index))
	})
	return nil
}

// handleServoSequenceReset discards the waypoints being built
func handleServoSequenceReset(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	out.pending = nil
	return nil
}

// handleServoSequenceAdd appends a waypoint
// Format: servo_sequence_add oid=%c position=%hi speed=%c
func handleServoSequenceAdd(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	position, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	speed, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if len(out.pending) >= MaxSequenceLength {
		return ErrSequenceFull
	}
	out.pending = append(out.pending, SequencePoint{
		Position: int(int16(position)),
		Speed:    uint8(speed),
	})
	return nil
}

// handleServoSequencePlay starts playback of the built waypoints. Every play
// starts over at start, even for unchanged waypoints.
// Format: servo_sequence_play oid=%c loop=%c start=%c
func handleServoSequencePlay(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	loop, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	start, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if IsShutdown() {
		return ErrShutdown
	}
	if len(out.pending) == 0 {
		return ErrSequenceMissing
	}

	// A fresh backing array is what makes SequencePlay restart.
	out.playing = make([]SequencePoint, len(out.pending))
	copy(out.playing, out.pending)
	out.loop = loop != 0
	out.start = uint8(start)
	out.active = out.Servo.SequencePlay(out.playing, out.loop, out.start) != SequenceStopped
	return nil
}

// handleServoSequenceStop ends playback and freezes the servo
func handleServoSequenceStop(data *[]byte) error {
	out, err := lookupServo(data)
	if err != nil {
		return err
	}
	out.active = false
	out.Servo.SequenceStop()
	return nil
}

// ProcessServoSequences advances every playing sequence by one step.
// Called from the main loop.
func ProcessServoSequences() {
	if IsShutdown() {
		return
	}
	for _, out := range servoOutputs {
		if !out.active {
			continue
		}
		if out.Servo.SequencePlay(out.playing, out.loop, out.start) == SequenceStopped {
			out.active = false
		}
	}
}

// shutdownServos detaches everything and ends all playback
func shutdownServos() {
	for _, out := range servoOutputs {
		out.active = false
	}
	if servoController != nil {
		servoController.DetachAll()
	}
}

// resetServoConfig forgets every oid and keeps their records for reuse
func resetServoConfig() {
	shutdownServos()
	for oid, out := range servoOutputs {
		spareServos = append(spareServos, out.Servo)
		delete(servoOutputs, oid)
	}
}
