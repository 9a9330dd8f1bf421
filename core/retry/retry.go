// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides bounded retry logic for network and environment
// initialization calls.
package retry

import (
	"errors"
	"time"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 3

	// DefaultDelay is the default fixed delay between attempts.
	DefaultDelay = 2 * time.Second
)

// Config describes a bounded retry policy: a small fixed attempt count with
// a fixed delay between attempts.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

func (c Config) attempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c Config) delay() time.Duration {
	if c.Delay <= 0 {
		return DefaultDelay
	}
	return c.Delay
}

type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort wraps err so that Do returns it immediately without spending any
// of the remaining attempts.  Used for errors that retrying cannot fix,
// like an insufficient balance.
func Abort(err error) error {
	return &abortError{err: err}
}

// Do invokes fn until it succeeds or the attempt budget is exhausted,
// sleeping the configured delay between attempts.  A close of halt aborts
// the wait and returns the last error observed.  The error returned after
// exhaustion is the one from the final attempt; callers wrap it in their
// own typed error.
func Do(halt <-chan interface{}, cfg Config, fn func() error) error {
	var err error
	attempts := cfg.attempts()
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var abort *abortError
		if errors.As(err, &abort) {
			return abort.err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-halt:
			return err
		case <-time.After(cfg.delay()):
		}
	}
	return err
}
