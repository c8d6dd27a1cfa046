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
	"sync/atomic"

	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// irqArm turns CDET changes into at most one IRQ assertion per presence
// query. Once IRQ is asserted further changes are absorbed until the host
// queries presence, which releases IRQ and records the reported level. The
// source is re-armed when that session ends.
type irqArm struct {
	port     Port
	raised   atomic.Uint64
	mu       syncutil.Mutex
	reported bool
	armed    bool
	asserted bool
	querying bool
}

func (a *irqArm) reset(present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reported = present
	a.armed = true
	a.querying = false
	if a.asserted {
		a.asserted = false
		a.port.SetIRQ(false)
	}
}

// observe is called with the live CDET level whenever it may have changed.
func (a *irqArm) observe(present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raiseLocked(present)
}

func (a *irqArm) raiseLocked(present bool) {
	if !a.armed || present == a.reported {
		return
	}
	a.armed = false
	a.asserted = true
	a.raised.Add(1)
	a.port.SetIRQ(true)
}

// release starts a presence query: IRQ is released and stays disarmed
// until the session ends.
func (a *irqArm) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = false
	a.querying = true
	if a.asserted {
		a.asserted = false
		a.port.SetIRQ(false)
	}
}

// report records the level driven to the host.
func (a *irqArm) report(present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reported = present
}

// endSession re-arms after a presence query. A level that changed since
// the report raises IRQ again immediately.
func (a *irqArm) endSession(present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.querying {
		return
	}
	a.querying = false
	a.armed = true
	a.raiseLocked(present)
}

func (a *irqArm) isAsserted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asserted
}
