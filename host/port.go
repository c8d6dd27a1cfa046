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
	"context"
	"time"
)

// Port is the host side of the parallel link. Levels are logical: SetREQ(true)
// asserts the active-low REQ line and ACT reports true while the device holds
// ACT asserted.
type Port interface {
	// SetDataOutput switches the data bus between output and input.
	SetDataOutput(out bool)

	// WriteData latches b into the data register.
	WriteData(b byte)

	// ReadData samples the data bus.
	ReadData() byte

	// SetREQ asserts or deasserts REQ.
	SetREQ(asserted bool)

	// ToggleCLK inverts CLK.
	ToggleCLK()

	// ACT reports whether the device asserts ACT.
	ACT() bool

	// Settle gives the device time to react to the last change. It returns
	// false if the device could not be observed to follow within timeout.
	Settle(timeout time.Duration) bool
}

// IRQPort is implemented by ports that can wait for IRQ assertion edges.
type IRQPort interface {
	WaitIRQ(ctx context.Context) error
}
