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

package device

import (
	"context"

	"github.com/ZaparooProject/go-parspi"
)

// Pins is a snapshot of the inputs the device controller reads. Boolean
// lines hold their asserted state, so Req is true while the host holds REQ
// low and Card is true while a card closes the CDET switch. Clk holds the
// raw level because only its transitions carry meaning.
type Pins struct {
	Req  bool
	Clk  bool
	Card bool
	Data byte
}

// Port is the device side of the parallel link.
type Port interface {
	// Sample returns the current input levels.
	Sample() Pins

	// Wait blocks until cond holds for a snapshot of the inputs and returns
	// that snapshot. cond must not block or call back into the port.
	Wait(ctx context.Context, cond func(Pins) bool) (Pins, error)

	// DriveData switches the data bus to output and drives b.
	DriveData(b byte)

	// ReleaseData switches the data bus back to input.
	ReleaseData()

	// SetACT asserts or deasserts ACT.
	SetACT(asserted bool)

	// SetIRQ asserts or releases the open-collector IRQ line.
	SetIRQ(asserted bool)
}

// EdgeNotifier is implemented by ports that can deliver REQ and CDET edges
// asynchronously. Handlers run outside the worker and must only record
// state. The returned cancel function stops delivery.
type EdgeNotifier interface {
	OnEdge(line parspi.Line, fn func(asserted bool)) (cancel func(), err error)
}

// CardBus is the SPI master connected to the card.
type CardBus interface {
	// Exchange clocks one byte out and returns the byte clocked in.
	Exchange(w byte) (byte, error)

	// SetSelect drives chip-select. Enable asserts it.
	SetSelect(enable bool) error

	// SetSpeed reprograms the clock for the next exchange.
	SetSpeed(s parspi.Speed) error
}
