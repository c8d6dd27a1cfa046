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
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

const (
	// ctxCheckPolls is how many pin samples Wait takes between context
	// checks.
	ctxCheckPolls = 1024

	edgePollInterval = 50 * time.Millisecond
)

// DevicePins are the resolved controller-side pins.
type DevicePins struct {
	Data [8]gpio.PinIO
	REQ  gpio.PinIO
	CLK  gpio.PinIO
	ACT  gpio.PinIO
	IRQ  gpio.PinIO
	CDET gpio.PinIO
}

// DevicePort drives the controller side of the link from GPIO pins. Wait
// busy-polls the inputs, so the worker goroutine owns a CPU while it runs.
// It implements device.Port and device.EdgeNotifier.
type DevicePort struct {
	pins DevicePins

	mu       syncutil.Mutex
	err      error
	out      bool
	watchers map[parspi.Line]*watcher
}

var (
	_ device.Port         = (*DevicePort)(nil)
	_ device.EdgeNotifier = (*DevicePort)(nil)
)

// OpenDevicePort resolves the layout's controller pins.
func OpenDevicePort(l Layout) (*DevicePort, error) {
	pins, err := l.DevicePins()
	if err != nil {
		return nil, err
	}
	return NewDevicePort(pins)
}

// NewDevicePort configures pins as an idle controller: ACT deasserted, IRQ
// released, everything else an input.
func NewDevicePort(pins DevicePins) (*DevicePort, error) {
	p := &DevicePort{pins: pins, watchers: make(map[parspi.Line]*watcher)}
	err := multierr.Combine(
		pins.ACT.Out(assertLevel(parspi.LineACT, false)),
		pins.IRQ.In(gpio.Float, gpio.NoEdge),
		pins.REQ.In(gpio.PullUp, gpio.NoEdge),
		pins.CLK.In(gpio.PullUp, gpio.NoEdge),
		pins.CDET.In(gpio.PullUp, gpio.NoEdge),
	)
	for _, d := range pins.Data {
		err = multierr.Append(err, d.In(gpio.PullUp, gpio.NoEdge))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DevicePort) record(err error) {
	if err != nil {
		p.err = multierr.Append(p.err, err)
	}
}

// Err returns every pin error seen so far.
func (p *DevicePort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Sample reads every input pin.
func (p *DevicePort) Sample() device.Pins {
	var data byte
	for i, d := range p.pins.Data {
		if d.Read() == gpio.High {
			data |= 1 << i
		}
	}
	return device.Pins{
		Req:  asserted(parspi.LineREQ, p.pins.REQ.Read()),
		Clk:  p.pins.CLK.Read() == gpio.High,
		Card: asserted(parspi.LineCDET, p.pins.CDET.Read()),
		Data: data,
	}
}

// Wait polls the inputs until cond holds.
func (p *DevicePort) Wait(ctx context.Context, cond func(device.Pins) bool) (device.Pins, error) {
	for i := 1; ; i++ {
		s := p.Sample()
		if cond(s) {
			return s, nil
		}
		if i%ctxCheckPolls == 0 {
			if err := ctx.Err(); err != nil {
				return s, err
			}
			runtime.Gosched()
		}
	}
}

// DriveData turns the data pins into outputs and drives b.
func (p *DevicePort) DriveData(b byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = true
	for i, d := range p.pins.Data {
		p.record(d.Out(level(b&(1<<i) != 0)))
	}
}

// ReleaseData returns the data pins to inputs.
func (p *DevicePort) ReleaseData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.out {
		return
	}
	p.out = false
	for _, d := range p.pins.Data {
		p.record(d.In(gpio.PullUp, gpio.NoEdge))
	}
}

// SetACT drives ACT.
func (p *DevicePort) SetACT(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(p.pins.ACT.Out(assertLevel(parspi.LineACT, on)))
}

// SetIRQ pulls the open-collector IRQ line low, or floats it.
func (p *DevicePort) SetIRQ(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.record(p.pins.IRQ.Out(assertLevel(parspi.LineIRQ, true)))
		return
	}
	p.record(p.pins.IRQ.In(gpio.Float, gpio.NoEdge))
}

// watcher delivers the edges of one pin to its handlers from a goroutine.
type watcher struct {
	pin      gpio.PinIO
	line     parspi.Line
	stop     chan struct{}
	done     sync.WaitGroup
	mu       syncutil.Mutex
	handlers map[int]func(bool)
	nextID   int
}

func (w *watcher) run() {
	defer w.done.Done()
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if !w.pin.WaitForEdge(edgePollInterval) {
			continue
		}
		on := asserted(w.line, w.pin.Read())
		w.mu.Lock()
		hs := make([]func(bool), 0, len(w.handlers))
		for _, h := range w.handlers {
			hs = append(hs, h)
		}
		w.mu.Unlock()
		for _, h := range hs {
			h(on)
		}
	}
}

func (p *DevicePort) linePin(line parspi.Line) (gpio.PinIO, error) {
	switch line {
	case parspi.LineREQ:
		return p.pins.REQ, nil
	case parspi.LineCLK:
		return p.pins.CLK, nil
	case parspi.LineCDET:
		return p.pins.CDET, nil
	default:
		return nil, fmt.Errorf("no edge delivery for %s", line)
	}
}

// OnEdge calls fn from a watcher goroutine on every edge of line. The
// first handler on a line enables edge detection on its pin; the last
// cancel disables it.
func (p *DevicePort) OnEdge(line parspi.Line, fn func(asserted bool)) (func(), error) {
	pin, err := p.linePin(line)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watchers[line]
	if !ok {
		if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
			return nil, fmt.Errorf("enable %s edges: %w", line, err)
		}
		w = &watcher{
			pin:      pin,
			line:     line,
			stop:     make(chan struct{}),
			handlers: make(map[int]func(bool)),
		}
		w.done.Add(1)
		go w.run()
		p.watchers[line] = w
	}

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.handlers[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.cancelHandler(line, w, id) })
	}, nil
}

func (p *DevicePort) cancelHandler(line parspi.Line, w *watcher, id int) {
	p.mu.Lock()
	w.mu.Lock()
	delete(w.handlers, id)
	last := len(w.handlers) == 0 && p.watchers[line] == w
	w.mu.Unlock()
	if last {
		delete(p.watchers, line)
	}
	p.mu.Unlock()
	if !last {
		return
	}

	close(w.stop)
	w.done.Wait()
	p.mu.Lock()
	p.record(w.pin.In(gpio.PullUp, gpio.NoEdge))
	p.mu.Unlock()
}

// Close stops edge delivery and returns every pin to an input.
func (p *DevicePort) Close() error {
	p.mu.Lock()
	ws := p.watchers
	p.watchers = make(map[parspi.Line]*watcher)
	p.mu.Unlock()
	for _, w := range ws {
		close(w.stop)
		w.done.Wait()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err := multierr.Combine(
		p.pins.ACT.In(gpio.PullUp, gpio.NoEdge),
		p.pins.IRQ.In(gpio.Float, gpio.NoEdge),
		p.pins.REQ.In(gpio.PullUp, gpio.NoEdge),
		p.pins.CDET.In(gpio.PullUp, gpio.NoEdge),
	)
	for _, d := range p.pins.Data {
		err = multierr.Append(err, d.In(gpio.PullUp, gpio.NoEdge))
	}
	p.out = false
	return err
}
