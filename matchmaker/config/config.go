// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the matchmaker client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloakmatch/cloakmatch/core/log"
)

const (
	defaultSettleDelay   = 2 * time.Second
	defaultResultTimeout = 30 * time.Second
	defaultLogLevel      = "NOTICE"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	if !l.Disable && l.File != "" {
		if !filepath.IsAbs(l.File) {
			return errors.New("config: log file path must be absolute path")
		}
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// SettleDelayMilliseconds is how long to wait after a decision
	// submission before the local mutual-interest check runs.
	SettleDelayMilliseconds int

	// ResultTimeoutMilliseconds bounds how long a match evaluation waits
	// for the revealed verdict.
	ResultTimeoutMilliseconds int

	// RetryAttempts is the number of times a ledger submission is
	// attempted before giving up.
	RetryAttempts int

	// RetryDelayMilliseconds is the fixed delay between submission
	// attempts.
	RetryDelayMilliseconds int
}

// SettleDelay returns the settle delay as a Duration.
func (d *Debug) SettleDelay() time.Duration {
	if d.SettleDelayMilliseconds <= 0 {
		return defaultSettleDelay
	}
	return time.Duration(d.SettleDelayMilliseconds) * time.Millisecond
}

// ResultTimeout returns the evaluation result timeout as a Duration.
func (d *Debug) ResultTimeout() time.Duration {
	if d.ResultTimeoutMilliseconds <= 0 {
		return defaultResultTimeout
	}
	return time.Duration(d.ResultTimeoutMilliseconds) * time.Millisecond
}

// RetryDelay returns the submission retry delay as a Duration.
func (d *Debug) RetryDelay() time.Duration {
	if d.RetryDelayMilliseconds <= 0 {
		return 0
	}
	return time.Duration(d.RetryDelayMilliseconds) * time.Millisecond
}

// Config is the top level matchmaker configuration.
type Config struct {
	// DataDir is the absolute path to the client's state directory.
	DataDir string

	Logging *Logging
	Debug   *Debug
}

// InitLogBackend initializes the logging backend per the configuration.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
