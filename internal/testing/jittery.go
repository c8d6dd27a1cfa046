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

package testing

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// ErrInjectedFault is returned by JitteryBus once FailAfter exchanges have
// gone through.
var ErrInjectedFault = errors.New("injected card bus fault")

// JitterConfig configures the behavior of JitteryBus.
type JitterConfig struct {
	// MaxLatency bounds the random delay added before each exchange.
	MaxLatency time.Duration
	// StallAfter blocks the exchange with this 1-based index until Release.
	StallAfter int
	// FailAfter makes every exchange past this count fail.
	FailAfter int
	Seed      uint64
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency: 50 * time.Microsecond,
	}
}

// JitteryBus wraps a device.CardBus to simulate a slow or wedged SPI
// peripheral: random per-byte latency, a stall that holds the device worker
// mid-transfer, or outright exchange failures.
type JitteryBus struct {
	backend device.CardBus
	rng     *rand.Rand
	release chan struct{}
	once    sync.Once
	config  JitterConfig

	mu    syncutil.Mutex
	count int
}

var _ device.CardBus = (*JitteryBus)(nil)

// NewJitteryBus wraps backend with jitter simulation.
func NewJitteryBus(backend device.CardBus, config JitterConfig) *JitteryBus {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}
	return &JitteryBus{
		backend: backend,
		rng:     rng,
		config:  config,
		release: make(chan struct{}),
	}
}

// Exchange forwards w to the backend after the configured delay or stall.
func (j *JitteryBus) Exchange(w byte) (byte, error) {
	j.mu.Lock()
	j.count++
	n := j.count
	var delay time.Duration
	if j.config.MaxLatency > 0 {
		delay = time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1))
	}
	j.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if j.config.StallAfter > 0 && n == j.config.StallAfter {
		<-j.release
	}
	if j.config.FailAfter > 0 && n > j.config.FailAfter {
		return 0xFF, ErrInjectedFault
	}
	return j.backend.Exchange(w) //nolint:wrapcheck // Pass-through wrapper
}

// SetSelect passes through to the backend.
func (j *JitteryBus) SetSelect(enable bool) error {
	return j.backend.SetSelect(enable) //nolint:wrapcheck // Pass-through wrapper
}

// SetSpeed passes through to the backend.
func (j *JitteryBus) SetSpeed(s parspi.Speed) error {
	return j.backend.SetSpeed(s) //nolint:wrapcheck // Pass-through wrapper
}

// Release unblocks a stalled exchange. Later exchanges no longer stall.
func (j *JitteryBus) Release() {
	j.once.Do(func() { close(j.release) })
}

// Exchanges returns how many exchanges have been attempted.
func (j *JitteryBus) Exchanges() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
