package core

import (
	"encoding/json"
	"errors"
	"testing"

	"servoplex/protocol"
)

// recordingSender captures encoded responses.
type recordingSender struct {
	sent [][]byte
}

func (r *recordingSender) SendCommand(cmdID uint16, args func(output protocol.OutputBuffer)) {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, uint32(cmdID))
	if args != nil {
		args(out)
	}
	r.sent = append(r.sent, append([]byte(nil), out.Result()...))
}

// last decodes the most recent response named name into its arguments.
func (r *recordingSender) last(t *testing.T, name string) []int32 {
	t.Helper()
	cmd, ok := GetGlobalRegistry().GetCommandByName(name)
	if !ok {
		t.Fatalf("Response %s not registered", name)
	}
	for i := len(r.sent) - 1; i >= 0; i-- {
		data := r.sent[i]
		id, _ := protocol.DecodeVLQUint(&data)
		if uint16(id) != cmd.ID {
			continue
		}
		var args []int32
		for len(data) > 0 {
			v, err := protocol.DecodeVLQInt(&data)
			if err != nil {
				t.Fatalf("Bad %s payload: %v", name, err)
			}
			args = append(args, v)
		}
		return args
	}
	t.Fatalf("No %s response sent", name)
	return nil
}

func setupServoCommands(t *testing.T) (*testRig, *recordingSender) {
	t.Helper()
	rig := newTestRig(t, 1)
	SetServoController(rig.c)
	InitCoreCommands()
	InitServoCommands()
	ResetFirmwareState()

	sender := &recordingSender{}
	SetGlobalTransport(sender)
	t.Cleanup(func() {
		SetGlobalTransport(nil)
		SetServoController(nil)
		ResetFirmwareState()
	})
	return rig, sender
}

func dispatch(t *testing.T, name string, args ...int32) error {
	t.Helper()
	cmd, ok := GetGlobalRegistry().GetCommandByName(name)
	if !ok {
		t.Fatalf("Command %s not registered", name)
	}
	out := protocol.NewScratchOutput()
	for _, a := range args {
		protocol.EncodeVLQInt(out, a)
	}
	data := out.Result()
	return DispatchCommand(cmd.ID, &data)
}

func mustDispatch(t *testing.T, name string, args ...int32) {
	t.Helper()
	if err := dispatch(t, name, args...); err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
}

func TestBootstrapCommandIDs(t *testing.T) {
	setupServoCommands(t)
	if cmd, _ := GetGlobalRegistry().GetCommandByName("identify_response"); cmd.ID != 0 {
		t.Errorf("identify_response has ID %d", cmd.ID)
	}
	if cmd, _ := GetGlobalRegistry().GetCommandByName("identify"); cmd.ID != 1 {
		t.Errorf("identify has ID %d", cmd.ID)
	}
}

func TestSetDebugGatesOutput(t *testing.T) {
	setupServoCommands(t)
	var lines []string
	SetDebugWriter(func(msg string) { lines = append(lines, msg) })
	t.Cleanup(func() {
		SetDebugWriter(nil)
		SetDebugEnabled(false)
	})

	mustDispatch(t, "set_debug", 0)
	DebugPrintln("hidden")
	mustDispatch(t, "set_debug", 1)
	DebugPrintln("shown")
	if len(lines) != 1 || lines[0] != "shown" {
		t.Errorf("Expected only output after set_debug 1, got %q", lines)
	}
}

func TestConfigServoAndWrite(t *testing.T) {
	rig, sender := setupServoCommands(t)

	mustDispatch(t, "config_servo", 7, 4, MinPulseWidth, MaxPulseWidth)
	out, ok := GetServo(7)
	if !ok {
		t.Fatal("oid 7 not configured")
	}
	if !out.Servo.Attached() || !rig.timers[0].enabled {
		t.Fatal("config_servo did not attach")
	}

	mustDispatch(t, "servo_write", 7, 90, 0)
	if out.Servo.Read() != 90 {
		t.Errorf("Expected 90 degrees, got %d", out.Servo.Read())
	}

	mustDispatch(t, "servo_write", 7, -15, 0)
	if out.Servo.Read() != 0 {
		t.Errorf("Negative angle not clamped, got %d", out.Servo.Read())
	}

	mustDispatch(t, "servo_write_us", 7, 1500)
	mustDispatch(t, "query_servo", 7)
	state := sender.last(t, "servo_state")
	want := []int32{7, 1500, int32(out.Servo.Read()), 0, int32(SequenceStopped)}
	if len(state) != len(want) {
		t.Fatalf("Expected servo_state %v, got %v", want, state)
	}
	for i := range want {
		if state[i] != want[i] {
			t.Errorf("servo_state field %d: expected %d, got %d", i, want[i], state[i])
		}
	}

	mustDispatch(t, "servo_write", 7, 180, 100)
	mustDispatch(t, "query_servo", 7)
	if moving := sender.last(t, "servo_state")[3]; moving != 1 {
		t.Error("Ramped write not reported as moving")
	}

	mustDispatch(t, "servo_stop", 7)
	if out.Servo.IsMoving() {
		t.Error("servo_stop left the servo moving")
	}

	mustDispatch(t, "servo_detach", 7)
	if out.Servo.Attached() || rig.timers[0].enabled {
		t.Error("servo_detach did not stop the servo")
	}
}

func TestServoCommandErrors(t *testing.T) {
	setupServoCommands(t)

	if err := dispatch(t, "servo_write", 3, 90, 0); !errors.Is(err, ErrUnknownOID) {
		t.Errorf("Expected ErrUnknownOID, got %v", err)
	}
	if err := dispatch(t, "servo_write", 3); err == nil {
		t.Error("Expected decode error for truncated arguments")
	}
	mustDispatch(t, "config_servo", 3, 2, MinPulseWidth, MaxPulseWidth)
	if err := dispatch(t, "servo_sequence_play", 3, 0, 0); !errors.Is(err, ErrSequenceMissing) {
		t.Errorf("Expected ErrSequenceMissing, got %v", err)
	}
	for i := 0; i < MaxSequenceLength; i++ {
		mustDispatch(t, "servo_sequence_add", 3, int32(i%180), 10)
	}
	if err := dispatch(t, "servo_sequence_add", 3, 1, 10); !errors.Is(err, ErrSequenceFull) {
		t.Errorf("Expected ErrSequenceFull, got %v", err)
	}
}

func TestConfigServoCapacity(t *testing.T) {
	setupServoCommands(t)

	for oid := int32(0); oid < ServosPerTimer; oid++ {
		mustDispatch(t, "config_servo", oid, oid, MinPulseWidth, MaxPulseWidth)
	}
	if err := dispatch(t, "config_servo", 50, 50, MinPulseWidth, MaxPulseWidth); !errors.Is(err, ErrServoCapacity) {
		t.Errorf("Expected ErrServoCapacity, got %v", err)
	}

	// Reconfiguring an oid reuses its record
	mustDispatch(t, "config_servo", 0, 30, 1000, 2000)
	out, _ := GetServo(0)
	if out.Pin != 30 || !out.Servo.Attached() {
		t.Error("Reconfigure did not move the servo")
	}
}

func TestServoSequenceCommands(t *testing.T) {
	rig, sender := setupServoCommands(t)

	mustDispatch(t, "config_servo", 1, 2, MinPulseWidth, MaxPulseWidth)
	mustDispatch(t, "servo_write", 1, 90, 0)

	mustDispatch(t, "servo_sequence_reset", 1)
	mustDispatch(t, "servo_sequence_add", 1, 0, 100)
	mustDispatch(t, "servo_sequence_add", 1, 45, 100)
	mustDispatch(t, "servo_sequence_play", 1, 0, 0)

	mustDispatch(t, "query_servo", 1)
	if idx := sender.last(t, "servo_state")[4]; idx != 0 {
		t.Fatalf("Expected playback at index 0, got %d", idx)
	}

	out, _ := GetServo(1)
	for i := 0; i < 200 && out.active; i++ {
		rig.cycle(0)
		ProcessServoSequences()
	}
	if out.active {
		t.Fatal("Playback did not finish")
	}
	if out.Servo.Read() != 45 {
		t.Errorf("Expected playback to end at 45, got %d", out.Servo.Read())
	}
	mustDispatch(t, "query_servo", 1)
	if idx := sender.last(t, "servo_state")[4]; idx != int32(SequenceStopped) {
		t.Errorf("Expected stopped index, got %d", idx)
	}

	// A direct write ends looping playback
	mustDispatch(t, "servo_sequence_play", 1, 1, 0)
	if !out.active {
		t.Fatal("Looping playback did not start")
	}
	mustDispatch(t, "servo_write", 1, 120, 0)
	if out.active {
		t.Error("servo_write did not end playback")
	}

	mustDispatch(t, "servo_sequence_play", 1, 1, 0)
	mustDispatch(t, "servo_sequence_stop", 1)
	if out.active || out.Servo.IsMoving() {
		t.Error("servo_sequence_stop did not stop playback")
	}
}

func TestEmergencyStopAndConfigReset(t *testing.T) {
	rig, sender := setupServoCommands(t)

	mustDispatch(t, "config_servo", 1, 2, MinPulseWidth, MaxPulseWidth)
	mustDispatch(t, "config_servo", 2, 3, MinPulseWidth, MaxPulseWidth)
	issued := rig.c.Count()

	mustDispatch(t, "emergency_stop")
	if !IsShutdown() {
		t.Fatal("emergency_stop did not latch shutdown")
	}
	if rig.timers[0].enabled {
		t.Error("emergency_stop left the timer running")
	}
	sender.last(t, "shutdown")
	if err := dispatch(t, "servo_write", 1, 90, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}

	mustDispatch(t, "get_config")
	if cfg := sender.last(t, "config"); cfg[2] != 1 {
		t.Errorf("get_config did not report shutdown: %v", cfg)
	}

	mustDispatch(t, "config_reset")
	if IsShutdown() {
		t.Error("config_reset did not clear shutdown")
	}
	if _, ok := GetServo(1); ok {
		t.Error("config_reset kept oid 1")
	}

	mustDispatch(t, "config_servo", 5, 6, MinPulseWidth, MaxPulseWidth)
	mustDispatch(t, "config_servo", 6, 7, MinPulseWidth, MaxPulseWidth)
	if rig.c.Count() != issued {
		t.Errorf("config_reset leaked records: %d issued, expected %d", rig.c.Count(), issued)
	}

	mustDispatch(t, "finalize_config", 1234)
	mustDispatch(t, "get_config")
	if cfg := sender.last(t, "config"); cfg[0] != 1 || cfg[1] != 1234 || cfg[2] != 0 {
		t.Errorf("Unexpected config after finalize: %v", cfg)
	}
}

func TestConfigResetReusesCleanRecord(t *testing.T) {
	rig, sender := setupServoCommands(t)

	mustDispatch(t, "config_servo", 1, 5, MinPulseWidth, MaxPulseWidth)
	mustDispatch(t, "servo_write_us", 1, MaxPulseWidth)
	mustDispatch(t, "servo_write", 1, 0, 1)
	mustDispatch(t, "config_reset")

	mustDispatch(t, "config_servo", 2, 7, 1000, 1200)
	if rig.c.Count() != 1 {
		t.Fatalf("Expected the record to be reused, %d issued", rig.c.Count())
	}
	out, _ := GetServo(2)
	s := out.Servo
	if got := s.ReadMicroseconds(); got != DefaultPulseWidth+TrimDuration {
		t.Errorf("Reused record kept a %d us pulse", got)
	}
	if s.TargetPositionMicroseconds() != s.ReadMicroseconds() {
		t.Error("Reused record kept the old ramp")
	}

	mustDispatch(t, "query_servo", 2)
	if deg := sender.last(t, "servo_state")[2]; deg < 0 || deg > 180 {
		t.Errorf("Reported %d degrees", deg)
	}

	rig.cycles(0, 3)
	maxTicks := s.ticksFor(s.servoMax())
	widths := rig.gpio.pulses(7)
	if len(widths) != 3 {
		t.Fatalf("Expected 3 pulses on pin 7, got %d", len(widths))
	}
	for i, w := range widths {
		if w != 3000 || w > maxTicks {
			t.Errorf("Pulse %d on pin 7: %d ticks, expected 3000", i, w)
		}
	}
	if n := len(rig.gpio.pulses(5)); n != 0 {
		t.Errorf("Old pin pulsed %d times after config_reset", n)
	}
}

func TestIdentifyServesDictionary(t *testing.T) {
	_, sender := setupServoCommands(t)
	GetGlobalDictionary().BuildDictionary()

	var raw []byte
	for offset := int32(0); ; offset += 40 {
		mustDispatch(t, "identify", offset, 40)
		data := sender.sent[len(sender.sent)-1]
		_, _ = protocol.DecodeVLQUint(&data)
		gotOffset, _ := protocol.DecodeVLQUint(&data)
		chunk, err := protocol.DecodeVLQBytes(&data)
		if err != nil {
			t.Fatalf("Bad identify_response: %v", err)
		}
		if gotOffset != uint32(offset) {
			t.Fatalf("Expected offset %d, got %d", offset, gotOffset)
		}
		raw = append(raw, chunk...)
		if len(chunk) < 40 {
			break
		}
	}

	var dict struct {
		Config   map[string]string `json:"config"`
		Commands map[string]int    `json:"commands"`
	}
	if err := json.Unmarshal(raw, &dict); err != nil {
		t.Fatalf("Dictionary is not JSON: %v\n%s", err, raw)
	}
	if _, ok := dict.Commands["config_servo oid=%c pin=%u min_us=%hu max_us=%hu"]; !ok {
		t.Error("config_servo missing from dictionary")
	}
	if dict.Config["SERVOS_PER_TIMER"] != "12" {
		t.Errorf("Unexpected SERVOS_PER_TIMER %q", dict.Config["SERVOS_PER_TIMER"])
	}
}
