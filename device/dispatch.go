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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ZaparooProject/go-parspi"
)

// ErrNoEdgeNotifier is returned by Run when interrupt dispatch is requested
// on a port that cannot deliver edges.
var ErrNoEdgeNotifier = errors.New("port does not deliver edges")

// dispatcher tells the worker when a session starts or ends. All methods
// except install and uninstall run inside Port.Wait predicates and must
// not block.
type dispatcher interface {
	install(d *Device) error
	uninstall()
	requested(p Pins) bool
	begin()
	aborted(p Pins) bool
	cardChanged(p Pins) bool
	sawCard(present bool)
}

func newDispatcher(mode Dispatch) dispatcher {
	if mode == DispatchInterrupt {
		return &interruptDispatch{}
	}
	return &pollingDispatch{}
}

// pollingDispatch reads REQ and CDET straight from each snapshot.
type pollingDispatch struct {
	card atomic.Bool
}

func (*pollingDispatch) install(*Device) error { return nil }
func (*pollingDispatch) uninstall()            {}
func (*pollingDispatch) begin()                {}

func (*pollingDispatch) requested(p Pins) bool { return p.Req }
func (*pollingDispatch) aborted(p Pins) bool   { return !p.Req }

func (pd *pollingDispatch) cardChanged(p Pins) bool {
	return p.Card != pd.card.Load()
}

func (pd *pollingDispatch) sawCard(present bool) {
	pd.card.Store(present)
}

// interruptDispatch mirrors REQ from edge handlers. Every assert edge bumps
// seq so a deassert followed by a fast reassert still aborts the session.
type interruptDispatch struct {
	req     atomic.Bool
	seq     atomic.Uint64
	session atomic.Uint64
	cancels []func()
}

func (id *interruptDispatch) install(d *Device) error {
	en, ok := d.port.(EdgeNotifier)
	if !ok {
		return ErrNoEdgeNotifier
	}

	cancelReq, err := en.OnEdge(parspi.LineREQ, func(asserted bool) {
		if asserted {
			id.seq.Add(1)
		}
		id.req.Store(asserted)
	})
	if err != nil {
		return fmt.Errorf("install REQ handler: %w", err)
	}
	id.cancels = append(id.cancels, cancelReq)

	cancelCard, err := en.OnEdge(parspi.LineCDET, d.irq.observe)
	if err != nil {
		id.uninstall()
		return fmt.Errorf("install CDET handler: %w", err)
	}
	id.cancels = append(id.cancels, cancelCard)

	id.req.Store(d.port.Sample().Req)
	return nil
}

func (id *interruptDispatch) uninstall() {
	for _, cancel := range id.cancels {
		cancel()
	}
	id.cancels = nil
}

func (id *interruptDispatch) requested(Pins) bool {
	return id.req.Load()
}

func (id *interruptDispatch) begin() {
	id.session.Store(id.seq.Load())
}

func (id *interruptDispatch) aborted(Pins) bool {
	return !id.req.Load() || id.seq.Load() != id.session.Load()
}

func (*interruptDispatch) cardChanged(Pins) bool { return false }
func (*interruptDispatch) sawCard(bool)          {}
