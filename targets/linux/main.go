// Package main is the servoplex firmware for Linux boards. It runs the
// servo scheduler on emulated timers, drives Raspberry Pi GPIO (or nothing
// in dry-run mode) and serves the MCU protocol on a serial device or pty.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"servoplex/core"
	"servoplex/host/rpio"
	"servoplex/host/serial"
	"servoplex/host/sim"
)

const (
	// Flags.
	flagConfig = "config"
	flagDevice = "device"
	flagDryRun = "dry-run"
	flagDebug  = "debug"
)

func main() {
	app := &cli.App{
		Name:  "servoplex-linux",
		Usage: "servo pulse firmware for Linux boards",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    flagDevice,
				EnvVars: []string{serial.DeviceEnv},
				Usage:   "serve on `DEVICE` instead of the configured one",
			},
			&cli.BoolFlag{
				Name:  flagDryRun,
				Usage: "do not touch GPIO hardware",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	if dev := c.String(flagDevice); dev != "" {
		cfg.Serial.Device = dev
	}
	if c.Bool(flagDryRun) {
		cfg.DryRun = true
	}
	if c.Bool(flagDebug) {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, logger.Sugar())
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// openGPIO returns the pin driver and what to close on exit.
func openGPIO(cfg *Config, logger *zap.SugaredLogger) (core.GPIODriver, io.Closer, error) {
	if cfg.DryRun {
		logger.Info("dry run, GPIO untouched")
		return sim.NewDryRunGPIO(logger), nil, nil
	}
	d, err := rpio.Open()
	if err != nil {
		return nil, nil, err
	}
	return d, d, nil
}

// run serves until ctx ends or the link fails.
func run(ctx context.Context, cfg *Config, logger *zap.SugaredLogger) (err error) {
	gpio, gpioCloser, err := openGPIO(cfg, logger)
	if err != nil {
		return err
	}
	if gpioCloser != nil {
		defer func() { err = multierr.Append(err, gpioCloser.Close()) }()
	}

	fw, err := sim.New(clock.New(), gpio, cfg.Firmware, logger)
	if err != nil {
		return err
	}
	defer fw.Close()

	port, err := serial.Open(&cfg.Serial)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, port.Close()) }()
	logger.Infow("serving", "device", cfg.Serial.Device)

	err = fw.Serve(ctx, port)
	if ctx.Err() != nil {
		// Shutdown by signal
		err = nil
	}
	logger.Infow("stopped", "overruns", fw.Overruns())
	return err
}
