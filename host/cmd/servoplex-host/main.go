// Package main is servoplex-host, a command line client for servoplex MCUs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"servoplex/host/mcu"
	"servoplex/host/serial"
)

const (
	// Flags.
	flagDevice  = "device"
	flagBaud    = "baud"
	flagVerbose = "verbose"
	flagOID     = "oid"
	flagPin     = "pin"
	flagMin     = "min-us"
	flagMax     = "max-us"
	flagSpeed   = "speed"
	flagFrom    = "from"
	flagTo      = "to"
	flagCount   = "count"
	flagWait    = "wait"

	dictionaryTimeout = 5 * time.Second
	requestTimeout    = 2 * time.Second
)

var logger = zap.NewNop().Sugar()

func main() {
	app := &cli.App{
		Name:            "servoplex-host",
		Usage:           "drive servos attached to a servoplex MCU",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagDevice,
				Aliases: []string{"d"},
				EnvVars: []string{serial.DeviceEnv},
				Value:   serial.DefaultDevice,
				Usage:   "serial `DEVICE` of the MCU",
			},
			&cli.IntFlag{
				Name:  flagBaud,
				Value: serial.DefaultBaud,
				Usage: "baud rate (ignored for USB CDC)",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := newLogger(c.Bool(flagVerbose))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "repl",
				Usage:  "interactive command prompt",
				Action: replAction,
			},
			{
				Name:      "write",
				Usage:     "move a servo",
				ArgsUsage: "VALUE",
				Flags: append(servoFlags(),
					&cli.UintFlag{Name: flagSpeed, Usage: "ramp speed, 0 moves immediately"},
					&cli.BoolFlag{Name: flagWait, Usage: "wait until the servo arrives"},
				),
				Action: writeAction,
			},
			{
				Name:   "query",
				Usage:  "print a servo's position and motion state",
				Flags:  servoFlags(),
				Action: queryAction,
			},
			{
				Name:  "sweep",
				Usage: "move a servo back and forth",
				Flags: append(servoFlags(),
					&cli.IntFlag{Name: flagFrom, Value: 0, Usage: "first position"},
					&cli.IntFlag{Name: flagTo, Value: 180, Usage: "second position"},
					&cli.UintFlag{Name: flagSpeed, Value: 20, Usage: "ramp speed"},
					&cli.IntFlag{Name: flagCount, Value: 3, Usage: "number of round trips"},
				),
				Action: sweepAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func servoFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: flagOID, Usage: "servo object id"},
		&cli.IntFlag{Name: flagPin, Value: -1, Usage: "configure the servo on `PIN` first"},
		&cli.UintFlag{Name: flagMin, Value: 544, Usage: "pulse width at 0 degrees"},
		&cli.UintFlag{Name: flagMax, Value: 2400, Usage: "pulse width at 180 degrees"},
	}
}

// connect opens the MCU link and loads its dictionary.
func connect(c *cli.Context) (*mcu.Client, error) {
	cfg := serial.DefaultConfig(c.String(flagDevice))
	cfg.Baud = c.Int(flagBaud)

	client, err := mcu.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.Context, dictionaryTimeout)
	defer cancel()
	if err := client.RetrieveDictionary(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// connectServo connects and configures the servo named by the flags when
// --pin is given.
func connectServo(c *cli.Context) (*mcu.Client, uint8, error) {
	client, err := connect(c)
	if err != nil {
		return nil, 0, err
	}
	oid := uint8(c.Uint(flagOID))
	if pin := c.Int(flagPin); pin >= 0 {
		err := client.ConfigServo(oid, uint32(pin), uint16(c.Uint(flagMin)), uint16(c.Uint(flagMax)))
		if err != nil {
			_ = client.Close()
			return nil, 0, err
		}
	}
	return client, oid, nil
}

func replAction(c *cli.Context) error {
	client, err := connect(c)
	if err != nil {
		return err
	}
	defer client.Close()
	return runREPL(c.Context, client, os.Stdin, c.App.Writer)
}

func writeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("write takes exactly one VALUE", 2)
	}
	value, err := parseInt(c.Args().First())
	if err != nil {
		return err
	}
	client, oid, err := connectServo(c)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Write(oid, value, uint8(c.Uint(flagSpeed))); err != nil {
		return err
	}
	if !c.Bool(flagWait) {
		return nil
	}
	state, err := client.WaitIdle(c.Context, oid, 0)
	if err != nil {
		return err
	}
	printState(c.App.Writer, state)
	return nil
}

func queryAction(c *cli.Context) error {
	client, oid, err := connectServo(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(c.Context, requestTimeout)
	defer cancel()
	state, err := client.Query(ctx, oid)
	if err != nil {
		return err
	}
	printState(c.App.Writer, state)
	return nil
}

func sweepAction(c *cli.Context) error {
	client, oid, err := connectServo(c)
	if err != nil {
		return err
	}
	defer client.Close()

	speed := uint8(c.Uint(flagSpeed))
	for i := 0; i < c.Int(flagCount); i++ {
		for _, target := range []int{c.Int(flagTo), c.Int(flagFrom)} {
			if err := client.Write(oid, target, speed); err != nil {
				return err
			}
			state, err := client.WaitIdle(c.Context, oid, 0)
			if err != nil {
				return err
			}
			logger.Infow("sweep", "round", i+1, "deg", state.Degrees, "us", state.Microseconds)
		}
	}
	return nil
}
