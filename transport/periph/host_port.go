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

package periph

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/host"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

const (
	// DefaultSettleDelay is how long the host waits after each change for
	// a polling controller to react.
	DefaultSettleDelay = 5 * time.Microsecond

	irqPollInterval = 100 * time.Millisecond
)

// HostPins are the resolved host-side pins.
type HostPins struct {
	Data [8]gpio.PinIO
	REQ  gpio.PinIO
	CLK  gpio.PinIO
	ACT  gpio.PinIO
	IRQ  gpio.PinIO
}

// HostPort drives the host side of the link from GPIO pins. It implements
// host.Port and host.IRQPort. Pin errors cannot surface through the port
// methods, so they are collected and reported by Err.
type HostPort struct {
	pins   HostPins
	settle time.Duration

	mu    syncutil.Mutex
	err   error
	latch byte
	out   bool
	clk   bool
}

var (
	_ host.Port    = (*HostPort)(nil)
	_ host.IRQPort = (*HostPort)(nil)
)

// OpenHostPort resolves the layout's host pins and returns an idle port.
func OpenHostPort(l Layout, settle time.Duration) (*HostPort, error) {
	pins, err := l.HostPins()
	if err != nil {
		return nil, err
	}
	return NewHostPort(pins, settle)
}

// NewHostPort configures pins as an idle host: REQ deasserted, CLK low,
// data, ACT and IRQ as inputs. A zero settle uses DefaultSettleDelay.
func NewHostPort(pins HostPins, settle time.Duration) (*HostPort, error) {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	p := &HostPort{pins: pins, settle: settle}
	err := multierr.Combine(
		pins.REQ.Out(assertLevel(parspi.LineREQ, false)),
		pins.CLK.Out(gpio.Low),
		pins.ACT.In(gpio.PullUp, gpio.NoEdge),
		pins.IRQ.In(gpio.PullUp, gpio.FallingEdge),
	)
	for _, d := range pins.Data {
		err = multierr.Append(err, d.In(gpio.PullUp, gpio.NoEdge))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *HostPort) record(err error) {
	if err != nil {
		p.err = multierr.Append(p.err, err)
	}
}

// Err returns every pin error seen so far.
func (p *HostPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *HostPort) driveLocked() {
	for i, d := range p.pins.Data {
		p.record(d.Out(level(p.latch&(1<<i) != 0)))
	}
}

// SetDataOutput switches the data pins between driving the latch and
// floating with pull-ups.
func (p *HostPort) SetDataOutput(out bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if out == p.out {
		return
	}
	p.out = out
	if out {
		p.driveLocked()
		return
	}
	for _, d := range p.pins.Data {
		p.record(d.In(gpio.PullUp, gpio.NoEdge))
	}
}

// WriteData latches b and drives it when the bus is an output.
func (p *HostPort) WriteData(b byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latch = b
	if p.out {
		p.driveLocked()
	}
}

// ReadData samples the data pins.
func (p *HostPort) ReadData() byte {
	var b byte
	for i, d := range p.pins.Data {
		if d.Read() == gpio.High {
			b |= 1 << i
		}
	}
	return b
}

// SetREQ drives REQ.
func (p *HostPort) SetREQ(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(p.pins.REQ.Out(assertLevel(parspi.LineREQ, on)))
}

// ToggleCLK inverts CLK.
func (p *HostPort) ToggleCLK() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clk = !p.clk
	p.record(p.pins.CLK.Out(level(p.clk)))
}

// ACT reports whether the device asserts ACT.
func (p *HostPort) ACT() bool {
	return asserted(parspi.LineACT, p.pins.ACT.Read())
}

// Settle spins for the settle delay. Real pins give no feedback, so it
// always reports success once the delay is up.
func (p *HostPort) Settle(timeout time.Duration) bool {
	d := min(p.settle, timeout)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
	return true
}

// WaitIRQ blocks until a falling edge on IRQ.
func (p *HostPort) WaitIRQ(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.pins.IRQ.WaitForEdge(irqPollInterval) {
			if asserted(parspi.LineIRQ, p.pins.IRQ.Read()) {
				return nil
			}
		}
	}
}

// Close returns every pin to an input.
func (p *HostPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := multierr.Combine(
		p.pins.REQ.Out(assertLevel(parspi.LineREQ, false)),
		p.pins.CLK.In(gpio.PullUp, gpio.NoEdge),
		p.pins.IRQ.In(gpio.PullUp, gpio.NoEdge),
	)
	for _, d := range p.pins.Data {
		err = multierr.Append(err, d.In(gpio.PullUp, gpio.NoEdge))
	}
	p.out = false
	return err
}
