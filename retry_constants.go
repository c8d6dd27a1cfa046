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

import "time"

// Session handshake constants control the host side of the link.
const (
	// DefaultActRetries is the number of ACT polls after asserting REQ before
	// the device is declared faulty.
	DefaultActRetries = 32
	// DefaultClockTimeout bounds the wait for the device to follow one CLK
	// transition. The wire protocol has no timeout of its own.
	DefaultClockTimeout = 100 * time.Millisecond
	// DefaultSlowByteDelay is the per-byte pause in slow mode, long enough for
	// the device to finish an 8-bit exchange at SlowFrequency.
	DefaultSlowByteDelay = 40 * time.Microsecond
)

// Presence notifier constants.
const (
	// DefaultDebounce is the fixed delay between the first IRQ edge of a
	// burst and the presence query that settles it.
	DefaultDebounce = 100 * time.Millisecond
)

// Card open retry constants control how often the card layer repeats the
// whole initialisation sequence.
const (
	// CardOpenRetries is the number of attempts to bring a card out of idle.
	CardOpenRetries = 3
	// CardOpenInitialBackoff is the initial delay between attempts.
	CardOpenInitialBackoff = 10 * time.Millisecond
	// CardOpenMaxBackoff is the maximum delay between attempts.
	CardOpenMaxBackoff = 200 * time.Millisecond
	// CardOpenBackoffMultiplier is the exponential backoff multiplier.
	CardOpenBackoffMultiplier = 2.0
	// CardOpenJitter is the random jitter factor (0.0-1.0).
	CardOpenJitter = 0.1
	// CardOpenRetryTimeout is the overall timeout for all attempts.
	CardOpenRetryTimeout = 5 * time.Second
)

// Card command timing follows SD SPI-mode limits.
const (
	// CardResponseBytes is how many bytes may pass before an R1 response (Ncr).
	CardResponseBytes = 8
	// CardInitTimeout bounds the ACMD41 loop.
	CardInitTimeout = time.Second
	// CardReadTimeout bounds the wait for a data start token.
	CardReadTimeout = 100 * time.Millisecond
	// CardWriteTimeout bounds the busy wait after a data block.
	CardWriteTimeout = 500 * time.Millisecond
	// CardIdleClockBytes is the number of 0xFF bytes clocked with chip-select
	// released before CMD0 (80 clocks).
	CardIdleClockBytes = 10
)
