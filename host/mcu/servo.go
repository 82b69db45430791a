package mcu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SequenceStopped is the playback index reported when no sequence plays.
const SequenceStopped = 255

const (
	// DefaultWaitPoll is how often WaitIdle queries a moving servo.
	DefaultWaitPoll = 20 * time.Millisecond

	// MaxSequenceDefault is assumed when the dictionary omits
	// SERVO_SEQUENCE_MAX.
	MaxSequenceDefault = 64
)

var ErrSequenceLength = errors.New("sequence length out of range")

// ServoState is a decoded servo_state response.
type ServoState struct {
	OID           uint8
	Microseconds  int
	Degrees       int
	Moving        bool
	SequenceIndex uint8
}

// Playing reports whether a sequence is in progress.
func (s ServoState) Playing() bool {
	return s.SequenceIndex != SequenceStopped
}

// Waypoint is one step of a sequence: a position in degrees (or
// microseconds from 544 up) and the ramp speed to reach it with.
type Waypoint struct {
	Position int
	Speed    uint8
}

// ConfigServo attaches oid to pin with the given pulse range.
func (c *Client) ConfigServo(oid uint8, pin uint32, minUS, maxUS uint16) error {
	return c.SendCommand("config_servo", int32(oid), int32(pin), int32(minUS), int32(maxUS))
}

// Write moves oid to value at speed (0 = immediately).
func (c *Client) Write(oid uint8, value int, speed uint8) error {
	return c.SendCommand("servo_write", int32(oid), int32(value), int32(speed))
}

// WriteMicroseconds sets the pulse width of oid directly.
func (c *Client) WriteMicroseconds(oid uint8, us uint16) error {
	return c.SendCommand("servo_write_us", int32(oid), int32(us))
}

// Stop freezes oid where it is.
func (c *Client) Stop(oid uint8) error {
	return c.SendCommand("servo_stop", int32(oid))
}

// Detach stops pulsing oid.
func (c *Client) Detach(oid uint8) error {
	return c.SendCommand("servo_detach", int32(oid))
}

// Query reads the position and motion state of oid.
func (c *Client) Query(ctx context.Context, oid uint8) (ServoState, error) {
	args, err := c.Request(ctx, "servo_state", "query_servo", int32(oid))
	if err != nil {
		return ServoState{}, err
	}
	return ServoState{
		OID:           uint8(args["oid"]),
		Microseconds:  int(args["us"]),
		Degrees:       int(args["deg"]),
		Moving:        args["moving"] != 0,
		SequenceIndex: uint8(args["index"]),
	}, nil
}

// PlaySequence uploads waypoints to oid and starts playback at start.
func (c *Client) PlaySequence(oid uint8, waypoints []Waypoint, loop bool, start uint8) error {
	limit := MaxSequenceDefault
	if v, ok := c.Constant("SERVO_SEQUENCE_MAX"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if len(waypoints) == 0 || len(waypoints) > limit {
		return fmt.Errorf("%w: %d (1..%d)", ErrSequenceLength, len(waypoints), limit)
	}

	if err := c.SendCommand("servo_sequence_reset", int32(oid)); err != nil {
		return err
	}
	for _, w := range waypoints {
		if err := c.SendCommand("servo_sequence_add", int32(oid), int32(w.Position), int32(w.Speed)); err != nil {
			return err
		}
	}
	var l int32
	if loop {
		l = 1
	}
	return c.SendCommand("servo_sequence_play", int32(oid), l, int32(start))
}

// StopSequence ends playback on oid and freezes the servo.
func (c *Client) StopSequence(oid uint8) error {
	return c.SendCommand("servo_sequence_stop", int32(oid))
}

// WaitIdle polls oid until it has stopped moving and no sequence plays.
func (c *Client) WaitIdle(ctx context.Context, oid uint8, poll time.Duration) (ServoState, error) {
	if poll <= 0 {
		poll = DefaultWaitPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		state, err := c.Query(ctx, oid)
		if err != nil {
			return state, err
		}
		if !state.Moving && !state.Playing() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EmergencyStop detaches every servo and latches the MCU in shutdown.
func (c *Client) EmergencyStop() error {
	return c.SendCommand("emergency_stop")
}

// ConfigReset clears the shutdown latch and every configured servo.
func (c *Client) ConfigReset() error {
	return c.SendCommand("config_reset")
}

// GetClock reads the MCU's system clock.
func (c *Client) GetClock(ctx context.Context) (uint32, error) {
	args, err := c.Request(ctx, "clock", "get_clock")
	if err != nil {
		return 0, err
	}
	return uint32(args["clock"]), nil
}

// MCUConfig is a decoded config response.
type MCUConfig struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
	MoveCount  uint16
}

// GetConfig reads the MCU's configuration state.
func (c *Client) GetConfig(ctx context.Context) (MCUConfig, error) {
	args, err := c.Request(ctx, "config", "get_config")
	if err != nil {
		return MCUConfig{}, err
	}
	return MCUConfig{
		IsConfig:   args["is_config"] != 0,
		CRC:        uint32(args["crc"]),
		IsShutdown: args["is_shutdown"] != 0,
		MoveCount:  uint16(args["move_count"]),
	}, nil
}
