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

// Package device implements the controller end of the parallel link: a
// worker that decodes one command per REQ session, drives the card's SPI
// bus and turns card-detect changes into IRQ notifications.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
)

// errAborted ends a session early when the host deasserts REQ.
var errAborted = errors.New("session aborted by host")

// Device is the session worker. Run must be called exactly once.
type Device struct {
	port    Port
	bus     CardBus
	disp    dispatcher
	log     *zap.SugaredLogger
	irq     irqArm
	state   atomic.Int32
	speed   atomic.Uint32
	running atomic.Bool

	sessions     atomic.Uint64
	aborted      atomic.Uint64
	malformed    atomic.Uint64
	busFaults    atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// New creates a device worker for port and bus. A nil config uses
// DefaultConfig.
func New(port Port, bus CardBus, config *Config) *Device {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = parspi.Logger().Named("device")
	}
	d := &Device{
		port: port,
		bus:  bus,
		disp: newDispatcher(config.Dispatch),
		log:  log,
	}
	d.irq.port = port
	return d
}

// State returns the current worker state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Speed returns the SPI clock mode the card bus is programmed for.
func (d *Device) Speed() parspi.Speed {
	return parspi.Speed(d.speed.Load())
}

// IRQAsserted reports whether the worker currently holds IRQ asserted.
func (d *Device) IRQAsserted() bool {
	return d.irq.isAsserted()
}

// Stats returns a snapshot of the worker counters.
func (d *Device) Stats() Stats {
	return Stats{
		Sessions:     d.sessions.Load(),
		Aborted:      d.aborted.Load(),
		Malformed:    d.malformed.Load(),
		BusFaults:    d.busFaults.Load(),
		BytesRead:    d.bytesRead.Load(),
		BytesWritten: d.bytesWritten.Load(),
		IRQs:         d.irq.raised.Load(),
	}
}

// Run serves sessions until ctx is cancelled. It returns ctx.Err() on
// cancellation or an error if the port or bus could not be prepared.
func (d *Device) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("device worker already running")
	}
	defer d.running.Store(false)

	d.port.ReleaseData()
	d.port.SetACT(false)
	if err := d.bus.SetSelect(false); err != nil {
		return fmt.Errorf("release chip-select: %w", err)
	}
	if err := d.bus.SetSpeed(parspi.SpeedSlow); err != nil {
		return fmt.Errorf("set initial speed: %w", err)
	}
	d.speed.Store(uint32(parspi.SpeedSlow))

	card := d.port.Sample().Card
	d.disp.sawCard(card)
	d.irq.reset(card)

	if err := d.disp.install(d); err != nil {
		return err
	}
	defer d.disp.uninstall()

	defer func() {
		d.port.ReleaseData()
		d.port.SetACT(false)
		d.setState(StateIdle)
	}()

	for {
		if err := d.serve(ctx); err != nil {
			return err
		}
	}
}

func (d *Device) setState(s State) {
	d.state.Store(int32(s))
}

// wait blocks until cond holds. In polling dispatch it also returns for
// CDET changes, which are fed to the IRQ arm before waiting again.
func (d *Device) wait(ctx context.Context, cond func(Pins) bool) (Pins, error) {
	for {
		p, err := d.port.Wait(ctx, func(p Pins) bool {
			return cond(p) || d.disp.cardChanged(p)
		})
		if err != nil {
			return p, err
		}
		if d.disp.cardChanged(p) {
			d.disp.sawCard(p.Card)
			d.irq.observe(p.Card)
			if !cond(p) {
				continue
			}
		}
		return p, nil
	}
}

// waitClock waits for CLK to leave *level. It returns errAborted when the
// host ends the session first.
func (d *Device) waitClock(ctx context.Context, level *bool) (Pins, error) {
	prev := *level
	p, err := d.wait(ctx, func(p Pins) bool {
		return p.Clk != prev || d.disp.aborted(p)
	})
	if err != nil {
		return p, err
	}
	if d.disp.aborted(p) {
		return p, errAborted
	}
	*level = p.Clk
	return p, nil
}

// hold waits for the host to deassert REQ, ignoring CLK.
func (d *Device) hold(ctx context.Context) error {
	_, err := d.wait(ctx, d.disp.aborted)
	return err
}

// serve runs one session from Idle back to Idle. Only context errors are
// returned; protocol problems end the session silently.
func (d *Device) serve(ctx context.Context) error {
	d.setState(StateIdle)
	pins, err := d.wait(ctx, d.disp.requested)
	if err != nil {
		return err
	}

	d.disp.begin()
	d.sessions.Add(1)
	d.setState(StateDecoding)
	defer d.finish()

	cmd, pending, err := parspi.DecodeFirst(pins.Data)
	if err != nil {
		d.malformed.Add(1)
		d.log.Warnw("malformed command, holding until REQ deasserts", "byte", pins.Data, "error", err)
		d.setState(StateSessionHold)
		return d.hold(ctx)
	}

	d.port.SetACT(true)
	clk := pins.Clk

	if pending {
		d.setState(StateExtendedWait)
		p, err := d.waitClock(ctx, &clk)
		if err != nil {
			return d.endEarly(err)
		}
		cmd, err = parspi.DecodeExtended(cmd, p.Data)
		if err != nil {
			d.malformed.Add(1)
			d.setState(StateSessionHold)
			return d.hold(ctx)
		}
	}

	d.setState(StateExecuting)
	parspi.Debugf("device: executing %s", cmd)
	if err := d.execute(ctx, cmd, clk); err != nil {
		if errors.Is(err, errAborted) || ctx.Err() != nil {
			return d.endEarly(err)
		}
		d.busFaults.Add(1)
		d.log.Errorw("card bus fault, holding until REQ deasserts", "command", cmd.String(), "error", err)
	}

	d.setState(StateSessionHold)
	return d.hold(ctx)
}

func (d *Device) endEarly(err error) error {
	if errors.Is(err, errAborted) {
		d.aborted.Add(1)
		parspi.Debugf("device: session aborted by host")
		return nil
	}
	return err
}

// finish returns the port to its idle levels and re-arms IRQ after a
// presence query.
func (d *Device) finish() {
	d.port.ReleaseData()
	d.port.SetACT(false)
	d.irq.endSession(d.port.Sample().Card)
}

func (d *Device) execute(ctx context.Context, cmd parspi.Command, clk bool) error {
	switch cmd.Kind {
	case parspi.KindRead:
		return d.readPump(ctx, cmd.Count, clk)
	case parspi.KindWrite:
		return d.writePump(ctx, cmd.Count, clk)
	case parspi.KindSelect:
		return d.bus.SetSelect(cmd.Enable)
	case parspi.KindSpeed:
		if err := d.bus.SetSpeed(cmd.Speed); err != nil {
			return err
		}
		d.speed.Store(uint32(cmd.Speed))
		return nil
	case parspi.KindCardPresent:
		return d.cardPresent(ctx, clk)
	default:
		return fmt.Errorf("%w: %s", parspi.ErrMalformedCommand, cmd)
	}
}

// readPump keeps one card exchange ahead of the host's clock so each byte
// is ready the moment CLK moves.
func (d *Device) readPump(ctx context.Context, n int, clk bool) error {
	next, err := d.bus.Exchange(0xFF)
	if err != nil {
		return err
	}
	for i := range n {
		if _, err := d.waitClock(ctx, &clk); err != nil {
			return err
		}
		d.port.DriveData(next)
		d.bytesRead.Add(1)
		if i == n-1 {
			break
		}
		if next, err = d.bus.Exchange(0xFF); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) writePump(ctx context.Context, n int, clk bool) error {
	for range n {
		p, err := d.waitClock(ctx, &clk)
		if err != nil {
			return err
		}
		if _, err := d.bus.Exchange(p.Data); err != nil {
			return err
		}
		d.bytesWritten.Add(1)
	}
	return nil
}

func (d *Device) cardPresent(ctx context.Context, clk bool) error {
	d.irq.release()
	p, err := d.waitClock(ctx, &clk)
	if err != nil {
		return err
	}
	var bit byte
	if p.Card {
		bit = 1
	}
	d.irq.report(p.Card)
	d.port.DriveData(bit)
	return nil
}
