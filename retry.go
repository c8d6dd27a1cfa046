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

package parspi

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryConfig controls how often a whole card operation is repeated. The
// host never repeats a session on its own.
type RetryConfig struct {
	// Clock drives backoff waits and RetryTimeout. Nil uses the wall clock.
	Clock clock.Clock
	// OnRetry is called after a retryable failure, before waiting. attempt
	// counts from 1.
	OnRetry func(attempt int, err error, wait time.Duration)
	// MaxAttempts counts the first attempt; zero or less runs once.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration // zero leaves the backoff uncapped
	BackoffMultiplier float64
	// Jitter is the fraction of each backoff added at random, 0 to 1.
	Jitter float64
	// RetryTimeout bounds all attempts together.
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the retry configuration used for card open.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       CardOpenRetries,
		InitialBackoff:    CardOpenInitialBackoff,
		MaxBackoff:        CardOpenMaxBackoff,
		BackoffMultiplier: CardOpenBackoffMultiplier,
		Jitter:            CardOpenJitter,
		RetryTimeout:      CardOpenRetryTimeout,
	}
}

// Backoff returns the wait after failed attempt n (from 1) before jitter.
func (c *RetryConfig) Backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for range n - 1 {
		d *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

func (c *RetryConfig) wait(n int) time.Duration {
	d := c.Backoff(n)
	if c.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * c.Jitter * float64(d))
	}
	return d
}

// RetryableFunc is one attempt of a card operation.
type RetryableFunc func() error

// RetryWithConfig runs retryFunc until it succeeds, returns an error that
// IsRetryable rejects, or the attempts run out. Once at least one attempt
// has failed, cancellation returns that failure rather than ctx.Err().
func RetryWithConfig(ctx context.Context, config *RetryConfig, retryFunc RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return retryFunc()
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clk.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := retryFunc()
		if err == nil || !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt >= config.MaxAttempts {
			return lastErr
		}

		wait := config.wait(attempt)
		Debugf("retry attempt %d/%d failed, waiting %s: %v", attempt, config.MaxAttempts, wait, err)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, wait)
		}
		if !sleepContext(ctx, clk, wait) {
			return lastErr
		}
	}
}

// sleepContext waits d on clk. It returns false if ctx ends first.
func sleepContext(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
