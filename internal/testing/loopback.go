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
	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// Loopback is a card bus that returns what was written depth exchanges
// earlier, and 0xFF until that many bytes have gone in. A write of n bytes
// followed by a read of n bytes echoes the data when depth is n.
type Loopback struct {
	queue    []byte
	mu       syncutil.Mutex
	depth    int
	selects  int
	speed    parspi.Speed
	selected bool
}

var _ device.CardBus = (*Loopback)(nil)

// NewLoopback returns a loopback bus holding depth bytes in flight.
func NewLoopback(depth int) *Loopback {
	return &Loopback{depth: depth}
}

// Exchange implements device.CardBus.
func (l *Loopback) Exchange(w byte) (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, w)
	if len(l.queue) <= l.depth {
		return 0xFF, nil
	}
	r := l.queue[0]
	l.queue = l.queue[1:]
	return r, nil
}

// SetSelect implements device.CardBus.
func (l *Loopback) SetSelect(enable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selected = enable
	l.selects++
	return nil
}

// SetSpeed implements device.CardBus.
func (l *Loopback) SetSpeed(s parspi.Speed) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speed = s
	return nil
}

// Selected reports the chip-select level.
func (l *Loopback) Selected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selected
}

// Selects returns how many times chip-select was programmed.
func (l *Loopback) Selects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selects
}

// Speed returns the last programmed speed.
func (l *Loopback) Speed() parspi.Speed {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speed
}

// Pending returns how many bytes are buffered.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
