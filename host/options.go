// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package host

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
)

// Config contains configuration options for the Host.
type Config struct {
	Logger *zap.SugaredLogger
	// ActRetries is how many times ACT is polled after REQ before the
	// device is declared faulty.
	ActRetries int
	// ClockTimeout bounds the wait for the device to follow a CLK transition.
	ClockTimeout time.Duration
	// SlowByteDelay is spun before every byte in slow mode.
	SlowByteDelay time.Duration
	// TraceSize is the number of wire events kept for error traces.
	TraceSize int
}

// DefaultConfig returns default host configuration.
func DefaultConfig() *Config {
	return &Config{
		ActRetries:    parspi.DefaultActRetries,
		ClockTimeout:  parspi.DefaultClockTimeout,
		SlowByteDelay: parspi.DefaultSlowByteDelay,
		TraceSize:     16,
	}
}

// Option configures a Host.
type Option func(*Config) error

// WithActRetries sets the ACT poll budget.
func WithActRetries(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return errors.New("act retries must be at least 1")
		}
		c.ActRetries = n
		return nil
	}
}

// WithClockTimeout sets the bound on each CLK handshake.
func WithClockTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("clock timeout must be positive")
		}
		c.ClockTimeout = d
		return nil
	}
}

// WithSlowByteDelay sets the per-byte delay used in slow mode.
func WithSlowByteDelay(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return errors.New("slow byte delay must not be negative")
		}
		c.SlowByteDelay = d
		return nil
	}
}

// WithLogger sets the logger for protocol faults.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// WithTraceSize sets how many wire events are attached to session errors.
func WithTraceSize(n int) Option {
	return func(c *Config) error {
		c.TraceSize = n
		return nil
	}
}
