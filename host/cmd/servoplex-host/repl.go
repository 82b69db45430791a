package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"servoplex/host/mcu"
)

// servoLink is the part of mcu.Client the prompt drives.
type servoLink interface {
	ConfigServo(oid uint8, pin uint32, minUS, maxUS uint16) error
	Write(oid uint8, value int, speed uint8) error
	WriteMicroseconds(oid uint8, us uint16) error
	Stop(oid uint8) error
	Detach(oid uint8) error
	Query(ctx context.Context, oid uint8) (mcu.ServoState, error)
	PlaySequence(oid uint8, waypoints []mcu.Waypoint, loop bool, start uint8) error
	StopSequence(oid uint8) error
	WaitIdle(ctx context.Context, oid uint8, poll time.Duration) (mcu.ServoState, error)
	EmergencyStop() error
	ConfigReset() error
	GetClock(ctx context.Context) (uint32, error)
	SendCommand(name string, args ...int32) error
	PrintDictionary(w io.Writer)
}

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

type replCommand struct {
	usage string
	run   func(ctx context.Context, link servoLink, w io.Writer, args []string) error
}

var replCommands = map[string]replCommand{
	"config": {"config OID PIN [MIN_US MAX_US]", func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) != 2 && len(args) != 4 {
			return errUsage
		}
		oid, pin, err := parseOIDAndUint(args[0], args[1], 32)
		if err != nil {
			return err
		}
		minUS, maxUS := uint64(544), uint64(2400)
		if len(args) == 4 {
			if minUS, err = strconv.ParseUint(args[2], 10, 16); err != nil {
				return err
			}
			if maxUS, err = strconv.ParseUint(args[3], 10, 16); err != nil {
				return err
			}
		}
		return link.ConfigServo(oid, uint32(pin), uint16(minUS), uint16(maxUS))
	}},
	"write": {"write OID VALUE [SPEED]", func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) != 2 && len(args) != 3 {
			return errUsage
		}
		oid, err := parseOID(args[0])
		if err != nil {
			return err
		}
		value, err := parseInt(args[1])
		if err != nil {
			return err
		}
		var speed uint64
		if len(args) == 3 {
			if speed, err = strconv.ParseUint(args[2], 10, 8); err != nil {
				return err
			}
		}
		return link.Write(oid, value, uint8(speed))
	}},
	"us": {"us OID MICROSECONDS", func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) != 2 {
			return errUsage
		}
		oid, us, err := parseOIDAndUint(args[0], args[1], 16)
		if err != nil {
			return err
		}
		return link.WriteMicroseconds(oid, uint16(us))
	}},
	"stop": {"stop OID", oidCommand(servoLink.Stop)},
	"detach": {"detach OID", oidCommand(servoLink.Detach)},
	"seqstop": {"seqstop OID", oidCommand(servoLink.StopSequence)},
	"query": {"query OID", func(ctx context.Context, link servoLink, w io.Writer, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		oid, err := parseOID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		state, err := link.Query(ctx, oid)
		if err != nil {
			return err
		}
		printState(w, state)
		return nil
	}},
	"wait": {"wait OID", func(ctx context.Context, link servoLink, w io.Writer, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		oid, err := parseOID(args[0])
		if err != nil {
			return err
		}
		state, err := link.WaitIdle(ctx, oid, 0)
		if err != nil {
			return err
		}
		printState(w, state)
		return nil
	}},
	"seq": {"seq OID once|loop START POS:SPEED...", func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) < 4 {
			return errUsage
		}
		oid, err := parseOID(args[0])
		if err != nil {
			return err
		}
		var loop bool
		switch args[1] {
		case "loop":
			loop = true
		case "once":
		default:
			return errUsage
		}
		start, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return err
		}
		waypoints := make([]mcu.Waypoint, 0, len(args)-3)
		for _, arg := range args[3:] {
			wp, err := parseWaypoint(arg)
			if err != nil {
				return err
			}
			waypoints = append(waypoints, wp)
		}
		return link.PlaySequence(oid, waypoints, loop, uint8(start))
	}},
	"estop": {"estop", func(_ context.Context, link servoLink, _ io.Writer, _ []string) error {
		return link.EmergencyStop()
	}},
	"reset": {"reset", func(_ context.Context, link servoLink, _ io.Writer, _ []string) error {
		return link.ConfigReset()
	}},
	"clock": {"clock", func(ctx context.Context, link servoLink, w io.Writer, _ []string) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		clock, err := link.GetClock(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "clock=%d\n", clock)
		return nil
	}},
	"dict": {"dict", func(_ context.Context, link servoLink, w io.Writer, _ []string) error {
		link.PrintDictionary(w)
		return nil
	}},
	"raw": {"raw NAME [ARG...]", func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) == 0 {
			return errUsage
		}
		values := make([]int32, len(args)-1)
		for i, arg := range args[1:] {
			v, err := strconv.ParseInt(arg, 0, 32)
			if err != nil {
				return err
			}
			values[i] = int32(v)
		}
		return link.SendCommand(args[0], values...)
	}},
}

// runREPL reads commands from in until EOF or quit.
func runREPL(ctx context.Context, link servoLink, in io.Reader, w io.Writer) error {
	fmt.Fprintln(w, "type 'help' for commands, 'quit' to exit")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(w)
			return scanner.Err()
		}
		err := execLine(ctx, link, w, scanner.Text())
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(w, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// execLine runs one prompt line.
func execLine(ctx context.Context, link servoLink, w io.Writer, line string) error {
	fields, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	name, args := fields[0], fields[1:]
	switch name {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		printHelp(w)
		return nil
	}
	cmd, ok := replCommands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	if err := cmd.run(ctx, link, w, args); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s", cmd.usage)
		}
		return err
	}
	return nil
}

func printHelp(w io.Writer) {
	names := make([]string, 0, len(replCommands))
	for name := range replCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", replCommands[name].usage)
	}
	fmt.Fprintln(w, "  quit")
}

func oidCommand(op func(servoLink, uint8) error) func(context.Context, servoLink, io.Writer, []string) error {
	return func(_ context.Context, link servoLink, _ io.Writer, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		oid, err := parseOID(args[0])
		if err != nil {
			return err
		}
		return op(link, oid)
	}
}

func printState(w io.Writer, s mcu.ServoState) {
	index := "-"
	if s.Playing() {
		index = strconv.Itoa(int(s.SequenceIndex))
	}
	fmt.Fprintf(w, "oid=%d deg=%d us=%d moving=%t index=%s\n", s.OID, s.Degrees, s.Microseconds, s.Moving, index)
}

func parseOID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad oid %q", s)
	}
	return uint8(v), nil
}

func parseOIDAndUint(oidArg, arg string, bits int) (uint8, uint64, error) {
	oid, err := parseOID(oidArg)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseUint(arg, 10, bits)
	if err != nil {
		return 0, 0, err
	}
	return oid, v, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return int(v), nil
}

// parseWaypoint reads POS or POS:SPEED.
func parseWaypoint(s string) (mcu.Waypoint, error) {
	pos, speed, hasSpeed := strings.Cut(s, ":")
	p, err := parseInt(pos)
	if err != nil {
		return mcu.Waypoint{}, err
	}
	wp := mcu.Waypoint{Position: p}
	if hasSpeed {
		v, err := strconv.ParseUint(speed, 10, 8)
		if err != nil {
			return mcu.Waypoint{}, fmt.Errorf("bad speed in %q", s)
		}
		wp.Speed = uint8(v)
	}
	return wp, nil
}
