// Package sim runs the servoplex firmware core on a Linux host. Timers are
// emulated by softtimer, pins are driven by any core.GPIODriver and the
// protocol is served on a byte stream (serial device, pty or pipe).
//
// The firmware core keeps its command state in package globals, so a
// process runs at most one Firmware at a time.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"servoplex/core"
	"servoplex/host/softtimer"
	"servoplex/protocol"
)

// Defaults match the classic 16MHz/8 servo timer.
const (
	DefaultTickRate     = core.DefaultTimerFreq
	DefaultTimers       = 1
	DefaultPollInterval = 2 * time.Millisecond
)

var ErrBadTimers = errors.New("sim: timer count out of range")

// Config describes the emulated MCU.
type Config struct {
	TickRate     uint32        `json:"tick_rate"`
	Timers       int           `json:"timers"`
	PollInterval time.Duration `json:"-"`

	// CompressDictionary serves the dictionary zlib wrapped.
	CompressDictionary bool `json:"compress_dictionary"`
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if c.TickRate == 0 {
		c.TickRate = DefaultTickRate
	}
	if c.Timers == 0 {
		c.Timers = DefaultTimers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Firmware is the emulated MCU.
type Firmware struct {
	logger     *zap.SugaredLogger
	clk        clock.Clock
	epoch      time.Time
	freq       uint32
	poll       time.Duration
	timers     []*softtimer.Timer
	controller *core.Controller

	transport *protocol.Transport
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput
}

// New builds the firmware and installs it as the core's servo controller
// and response transport.
func New(clk clock.Clock, gpio core.GPIODriver, cfg Config, logger *zap.SugaredLogger) (*Firmware, error) {
	cfg.applyDefaults()
	if cfg.Timers < 1 || cfg.Timers*core.ServosPerTimer > core.MaxServos {
		return nil, fmt.Errorf("%w: %d", ErrBadTimers, cfg.Timers)
	}

	f := &Firmware{
		logger: logger,
		clk:    clk,
		epoch:  clk.Now(),
		freq:   cfg.TickRate,
		poll:   cfg.PollInterval,
		input:  protocol.NewFifoBuffer(protocol.MessageMax * 2),
		output: protocol.NewScratchOutput(),
	}

	drivers := make([]core.TimerDriver, cfg.Timers)
	for i := range drivers {
		t, err := softtimer.New(clk, cfg.TickRate)
		if err != nil {
			return nil, err
		}
		f.timers = append(f.timers, t)
		drivers[i] = t
	}

	controller, err := core.NewController(core.ControllerConfig{
		Clock:  core.Clock{Freq: cfg.TickRate},
		GPIO:   gpio,
		Timers: drivers,
		Delay:  clk.Sleep,
	})
	if err != nil {
		return nil, err
	}
	f.controller = controller

	f.transport = protocol.NewTransport(f.output, core.DispatchCommand)
	f.transport.SetErrorCallback(func(cmdID uint16, err error) {
		name := "unknown"
		if cmd, ok := core.GetGlobalRegistry().GetCommand(cmdID); ok {
			name = cmd.Name
		}
		f.logger.Warnw("command failed", "command", name, "error", err)
	})
	f.transport.SetResetCallback(func() {
		f.logger.Debug("host restarted its sequence")
	})

	core.SetServoController(controller)
	core.InitCoreCommands()
	core.InitServoCommands()
	core.RegisterConstant("MCU", "linux")
	core.GetGlobalDictionary().SetCompression(cfg.CompressDictionary)
	core.GetGlobalDictionary().BuildDictionary()

	core.SetGlobalTransport(f.transport)
	core.SetDebugWriter(func(msg string) { f.logger.Debug(msg) })
	// A debug logger turns firmware debug output on until set_debug says otherwise
	core.SetDebugEnabled(logger.Desugar().Core().Enabled(zapcore.DebugLevel))
	core.SetResetHandler(f.reset)
	core.ResetConfig()
	f.syncTime()
	core.TimerInit()

	logger.Infow("firmware ready",
		"timers", cfg.Timers,
		"servos", controller.Capacity(),
		"tick_rate", cfg.TickRate)
	return f, nil
}

// Controller returns the servo controller behind the command surface.
func (f *Firmware) Controller() *core.Controller {
	return f.controller
}

// Overruns sums the overrun counters of every timer.
func (f *Firmware) Overruns() uint32 {
	var n uint32
	for i := range f.timers {
		n += f.controller.Overruns(i)
	}
	return n
}

// Serve answers protocol frames read from port until ctx is cancelled or
// the port fails. EOF ends Serve without error.
func (f *Firmware) Serve(ctx context.Context, port io.ReadWriter) error {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := port.Read(buf)
			c := chunk{data: append([]byte(nil), buf[:n]...), err: err}
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := f.clk.Ticker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-chunks:
			if len(c.data) > 0 {
				f.syncTime()
				f.input.Write(c.data)
				f.transport.Receive(f.input)
				if err := f.flush(port); err != nil {
					return err
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("sim: read: %w", c.err)
			}

		case <-ticker.C:
			f.syncTime()
			core.ProcessServoSequences()
			core.CheckPendingReset()
			if err := f.flush(port); err != nil {
				return err
			}
		}
	}
}

// flush writes queued frames to port.
func (f *Firmware) flush(port io.Writer) error {
	data := f.output.Result()
	if len(data) == 0 {
		return nil
	}
	defer f.output.Reset()
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("sim: write: %w", err)
	}
	return nil
}

// syncTime publishes the emulated system clock to get_clock.
func (f *Firmware) syncTime() {
	elapsed := uint64(f.clk.Since(f.epoch))
	core.SetTime(uint32(elapsed * uint64(f.freq) / uint64(time.Second)))
}

// reset stands in for a reboot.
func (f *Firmware) reset() {
	core.ResetConfig()
	f.transport.Reset()
	f.logger.Info("firmware reset")
}

// Close detaches every servo and unhooks the firmware from the core.
func (f *Firmware) Close() {
	f.controller.DetachAll()
	core.SetGlobalTransport(nil)
	core.SetDebugWriter(nil)
	core.SetDebugEnabled(false)
	core.SetResetHandler(nil)
	core.SetServoController(nil)
	core.GetGlobalDictionary().SetCompression(false)
}
