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

// Package testing provides test utilities including a wire-level simulator
// of the parallel cable.
//
// Cable joins a host port and a device port in one process. Every line keeps
// the level its driver last set, the data bus resolves from whichever sides
// drive it, and edges on host lines run the device's edge handlers before the
// device worker can observe the change. Settle lets the host wait until the
// device worker has reacted to its latest change and parked in a wait, which
// stands in for the fixed timing a real host relies on.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// SessionRecord is one REQ-bounded session as seen on the cable.
type SessionRecord struct {
	Written []byte // bytes the host presented at CLK transitions
	Read    []byte // bytes the host sampled while REQ was asserted
	Clocks  int
	Command byte
	Acked   bool
}

type edgeHandler struct {
	fn   func(asserted bool)
	line parspi.Line
	id   int
}

// Cable is an in-process parallel cable with a card-detect switch.
type Cable struct {
	cond     *sync.Cond
	handlers []edgeHandler
	sessions []SessionRecord

	mu syncutil.Mutex

	epoch       uint64
	parkedEpoch uint64
	irqEdges    uint64
	irqSeen     uint64
	nextID      int
	contention  int

	hostData byte
	devData  byte

	req     bool
	clk     bool
	hostOut bool
	act     bool
	irq     bool
	devOut  bool
	card    bool
	parked  bool
	inSess  bool
}

// NewCable returns a cable with all lines idle and no card inserted.
func NewCable() *Cable {
	c := &Cable{}
	c.cond = syncutil.NewCond(&c.mu)
	return c
}

// Host returns the host end of the cable.
func (c *Cable) Host() *HostEnd {
	return &HostEnd{c: c}
}

// Device returns the device end of the cable.
func (c *Cable) Device() *DeviceEnd {
	return &DeviceEnd{c: c}
}

// SetCardPresent flips the card-detect switch.
func (c *Cable) SetCardPresent(present bool) {
	c.mu.Lock()
	if c.card == present {
		c.mu.Unlock()
		return
	}
	c.card = present
	hs := c.handlersLocked(parspi.LineCDET)
	c.mu.Unlock()

	for _, h := range hs {
		h(present)
	}

	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// CardPresent reports the card-detect switch position.
func (c *Cable) CardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.card
}

// Contention returns how many times both ends drove the data bus at once.
func (c *Cable) Contention() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contention
}

// IRQAsserted reports the IRQ line level.
func (c *Cable) IRQAsserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq
}

// IRQEdges returns the number of IRQ assertion edges so far.
func (c *Cable) IRQEdges() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqEdges
}

// Sessions returns a copy of every session recorded so far.
func (c *Cable) Sessions() []SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionRecord, len(c.sessions))
	for i, s := range c.sessions {
		out[i] = s
		out[i].Written = append([]byte(nil), s.Written...)
		out[i].Read = append([]byte(nil), s.Read...)
	}
	return out
}

// WaitIRQ blocks until an IRQ assertion edge that has not been consumed yet.
func (c *Cable) WaitIRQ(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.broadcast)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.irqSeen >= c.irqEdges {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	c.irqSeen++
	return nil
}

func (c *Cable) broadcast() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Cable) handlersLocked(line parspi.Line) []func(bool) {
	var hs []func(bool)
	for _, h := range c.handlers {
		if h.line == line {
			hs = append(hs, h.fn)
		}
	}
	return hs
}

// hostChange applies a host-side change, runs the device's edge handlers for
// line if the change produced an edge, then advances the epoch so Settle
// waits for the device to react.
func (c *Cable) hostChange(line parspi.Line, apply func() (edge, asserted bool)) {
	c.mu.Lock()
	edge, asserted := apply()
	var hs []func(bool)
	if edge {
		hs = c.handlersLocked(line)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(asserted)
	}

	c.mu.Lock()
	c.epoch++
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Cable) busLocked(forHost bool) byte {
	switch {
	case c.hostOut && c.devOut:
		c.contention++
		if forHost {
			return c.devData
		}
		return c.hostData
	case c.hostOut:
		return c.hostData
	case c.devOut:
		return c.devData
	default:
		return 0xFF
	}
}

func (c *Cable) currentLocked() *SessionRecord {
	if !c.inSess || len(c.sessions) == 0 {
		return nil
	}
	return &c.sessions[len(c.sessions)-1]
}

// HostEnd is the host side of a Cable. It implements host.Port.
type HostEnd struct {
	c *Cable
}

// SetDataOutput switches the host's data bus direction.
func (h *HostEnd) SetDataOutput(out bool) {
	c := h.c
	c.hostChange(parspi.LineData, func() (bool, bool) {
		c.hostOut = out
		if out && c.devOut {
			c.contention++
		}
		return false, false
	})
}

// WriteData latches b into the host's data register.
func (h *HostEnd) WriteData(b byte) {
	c := h.c
	c.hostChange(parspi.LineData, func() (bool, bool) {
		c.hostData = b
		return false, false
	})
}

// ReadData samples the data bus.
func (h *HostEnd) ReadData() byte {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.busLocked(true)
	if s := c.currentLocked(); s != nil && !c.hostOut {
		s.Read = append(s.Read, b)
	}
	return b
}

// SetREQ asserts or deasserts REQ.
func (h *HostEnd) SetREQ(asserted bool) {
	c := h.c
	c.hostChange(parspi.LineREQ, func() (bool, bool) {
		if c.req == asserted {
			return false, asserted
		}
		c.req = asserted
		if asserted {
			c.sessions = append(c.sessions, SessionRecord{Command: c.hostData})
			c.inSess = true
		} else {
			c.inSess = false
		}
		return true, asserted
	})
}

// ToggleCLK inverts CLK.
func (h *HostEnd) ToggleCLK() {
	c := h.c
	c.hostChange(parspi.LineCLK, func() (bool, bool) {
		c.clk = !c.clk
		if s := c.currentLocked(); s != nil {
			s.Clocks++
			if c.hostOut {
				s.Written = append(s.Written, c.hostData)
			}
		}
		return true, c.clk
	})
}

// ACT reports whether the device asserts ACT.
func (h *HostEnd) ACT() bool {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.act {
		if s := c.currentLocked(); s != nil {
			s.Acked = true
		}
	}
	return c.act
}

// Settle waits until the device worker has observed every host change and
// parked in a wait. It returns false if that does not happen within timeout.
func (h *HostEnd) Settle(timeout time.Duration) bool {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := false
	t := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		expired = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer t.Stop()

	for !c.parked || c.parkedEpoch != c.epoch {
		if expired {
			return false
		}
		c.cond.Wait()
	}
	return true
}

// WaitIRQ blocks until the next IRQ assertion edge.
func (h *HostEnd) WaitIRQ(ctx context.Context) error {
	return h.c.WaitIRQ(ctx)
}

// DeviceEnd is the device side of a Cable. It implements device.Port and
// device.EdgeNotifier.
type DeviceEnd struct {
	c *Cable
}

var (
	_ device.Port         = (*DeviceEnd)(nil)
	_ device.EdgeNotifier = (*DeviceEnd)(nil)
)

func (d *DeviceEnd) pinsLocked() device.Pins {
	c := d.c
	return device.Pins{
		Req:  c.req,
		Clk:  c.clk,
		Card: c.card,
		Data: c.busLocked(false),
	}
}

// Sample returns the current input levels.
func (d *DeviceEnd) Sample() device.Pins {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	return d.pinsLocked()
}

// Wait parks the caller until cond holds. Parking marks the worker as
// settled for the current epoch.
func (d *DeviceEnd) Wait(ctx context.Context, cond func(device.Pins) bool) (device.Pins, error) {
	c := d.c
	stop := context.AfterFunc(ctx, c.broadcast)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		p := d.pinsLocked()
		if cond(p) {
			c.parked = false
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			c.parked = false
			return p, err
		}
		c.parked = true
		c.parkedEpoch = c.epoch
		c.cond.Broadcast()
		c.cond.Wait()
	}
}

// DriveData drives b onto the data bus.
func (d *DeviceEnd) DriveData(b byte) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostOut {
		c.contention++
	}
	c.devOut = true
	c.devData = b
	c.cond.Broadcast()
}

// ReleaseData stops driving the data bus.
func (d *DeviceEnd) ReleaseData() {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devOut = false
	c.cond.Broadcast()
}

// SetACT drives ACT.
func (d *DeviceEnd) SetACT(asserted bool) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.act = asserted
	c.cond.Broadcast()
}

// SetIRQ drives IRQ. Each deasserted to asserted transition is an edge.
func (d *DeviceEnd) SetIRQ(asserted bool) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if asserted && !c.irq {
		c.irqEdges++
	}
	c.irq = asserted
	c.cond.Broadcast()
}

// OnEdge registers fn for REQ, CLK or CDET edges.
func (d *DeviceEnd) OnEdge(line parspi.Line, fn func(asserted bool)) (func(), error) {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, edgeHandler{line: line, fn: fn, id: id})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}, nil
}
