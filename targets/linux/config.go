package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"

	"servoplex/host/serial"
	"servoplex/host/sim"
)

const defaultPollMS = 2

var ErrBadPoll = errors.New("poll_ms must not be negative")

// Config is the JSON configuration of the Linux firmware.
//
//	{
//	  "serial": {"device": "/tmp/servoplex", "baud": 250000},
//	  "firmware": {"tick_rate": 2000000, "timers": 2},
//	  "dry_run": true,
//	  "log_level": "debug"
//	}
type Config struct {
	Serial   serial.Config `json:"serial"`
	Firmware sim.Config    `json:"firmware"`

	// DryRun drives no GPIO hardware.
	DryRun   bool   `json:"dry_run"`
	PollMS   int    `json:"poll_ms"`
	LogLevel string `json:"log_level"`
}

// loadConfig reads path; an empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := serial.DefaultConfig(c.Serial.Device)
	c.Serial.Device = defaults.Device
	if c.Serial.Baud == 0 {
		c.Serial.Baud = defaults.Baud
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = defaults.ReadTimeout
	}
	if c.PollMS == 0 {
		c.PollMS = defaultPollMS
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Firmware.PollInterval = time.Duration(c.PollMS) * time.Millisecond
}

// Validate reports errors sim.New and serial.Open would hit later.
func (c *Config) Validate() error {
	if err := c.Serial.Validate(); err != nil {
		return err
	}
	if c.PollMS < 0 {
		return ErrBadPoll
	}
	if c.Firmware.Timers < 0 {
		return sim.ErrBadTimers
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
