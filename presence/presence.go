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

// Package presence turns IRQ edges from the device into debounced card
// presence changes. Each settled change updates the presence flag and the
// change number together, then notifies listeners.
package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// IRQSource delivers IRQ assertion edges. WaitIRQ blocks until the next
// edge or until ctx is done.
type IRQSource interface {
	WaitIRQ(ctx context.Context) error
}

// CheckFunc settles a burst of edges by asking the device for the live
// card-detect level and preparing the card. A link failure should report
// false along with the error.
type CheckFunc func(ctx context.Context) (present bool, err error)

// State is a consistent snapshot of presence and the change counter.
type State struct {
	Present      bool
	ChangeNumber uint32
}

// Metrics tracks operational metrics for the Notifier.
type Metrics struct {
	IRQs             int64         // IRQ edges received
	Absorbed         int64         // Edges that arrived while a debounce was pending
	Checks           int64         // Debounced presence checks run
	CheckErrors      int64         // Checks that returned an error
	LastCheckLatency time.Duration // Duration of the last check
}

// Config holds notifier configuration.
type Config struct {
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Debounce time.Duration
}

// Option configures a Notifier.
type Option func(*Config)

// WithDebounce sets the delay between the first edge of a burst and the
// check that settles it.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) { c.Debounce = d }
}

// WithClock sets the clock the debounce timer runs on.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithLogger sets the logger for check failures.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = l }
}

// Notifier watches an IRQSource and maintains the presence State.
type Notifier struct {
	irq       IRQSource
	check     CheckFunc
	clock     clock.Clock
	log       *zap.SugaredLogger
	cond      *sync.Cond
	timer     *clock.Timer
	cancel    context.CancelFunc
	callbacks map[int]func(State)
	wg        sync.WaitGroup
	debounce  time.Duration

	mu     syncutil.Mutex
	state  State
	nextID int
	armed  bool

	running atomic.Bool

	irqs             atomic.Int64
	absorbed         atomic.Int64
	checks           atomic.Int64
	checkErrors      atomic.Int64
	lastCheckLatency atomic.Int64
}

// New creates a notifier. initial is the presence established by the
// caller before the notifier starts; the change number starts at zero.
func New(irq IRQSource, check CheckFunc, initial bool, opts ...Option) *Notifier {
	cfg := Config{
		Clock:    clock.New(),
		Debounce: parspi.DefaultDebounce,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = parspi.Logger().Named("presence")
	}

	n := &Notifier{
		irq:       irq,
		check:     check,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		debounce:  cfg.Debounce,
		callbacks: make(map[int]func(State)),
		state:     State{Present: initial},
	}
	n.cond = syncutil.NewCond(&n.mu)
	return n
}

// Start begins watching for IRQ edges. Calling Start on a running notifier
// does nothing.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)
	go n.watch(ctx)
	return nil
}

// Stop stops watching, cancels a pending debounce and waits for a running
// check to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	n.mu.Lock()
	if n.armed && n.timer.Stop() {
		n.armed = false
		n.wg.Done()
	}
	n.mu.Unlock()

	n.wg.Wait()
	n.running.Store(false)
}

func (n *Notifier) watch(ctx context.Context) {
	defer n.wg.Done()
	for {
		err := n.irq.WaitIRQ(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			n.log.Warnw("waiting for IRQ failed", "error", err)
			n.clock.Sleep(n.debounce)
			continue
		}
		n.edge(ctx)
	}
}

// edge arms the debounce timer, or absorbs the edge into the pending one.
func (n *Notifier) edge(ctx context.Context) {
	defer n.irqs.Add(1)

	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if n.armed {
		n.absorbed.Add(1)
		return
	}
	n.armed = true
	n.wg.Add(1)
	n.timer = n.clock.AfterFunc(n.debounce, func() { n.fire(ctx) })
}

// fire runs the check once the debounce delay has elapsed. Edges arriving
// from here on start a new debounce.
func (n *Notifier) fire(ctx context.Context) {
	defer n.wg.Done()

	n.mu.Lock()
	n.armed = false
	n.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	start := n.clock.Now()
	present, err := n.check(ctx)
	n.lastCheckLatency.Store(int64(n.clock.Since(start)))
	n.checks.Add(1)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		n.checkErrors.Add(1)
		n.log.Warnw("presence check failed", "present", present, "error", err)
	}
	n.update(present)
}

func (n *Notifier) update(present bool) {
	n.mu.Lock()
	n.state.Present = present
	n.state.ChangeNumber++
	s := n.state
	fns := make([]func(State), 0, len(n.callbacks))
	for _, fn := range n.callbacks {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	parspi.Debugf("presence: present=%t change=%d", s.Present, s.ChangeNumber)
	for _, fn := range fns {
		fn(s)
	}

	n.mu.Lock()
	n.cond.Broadcast()
	n.mu.Unlock()
}

// State returns the current presence and change number.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Present reports the last settled presence.
func (n *Notifier) Present() bool {
	return n.State().Present
}

// ChangeNumber returns how many settled changes have been observed.
func (n *Notifier) ChangeNumber() uint32 {
	return n.State().ChangeNumber
}

// RegisterChangeCallback calls fn after every settled change. The returned
// function unregisters it.
func (n *Notifier) RegisterChangeCallback(fn func(State)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.callbacks[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.callbacks, id)
	}
}

// WaitChange blocks until the change number differs from since and returns
// the new state. The counter wraps at 32 bits, so any difference counts as
// a change.
func (n *Notifier) WaitChange(ctx context.Context, since uint32) (State, error) {
	stop := context.AfterFunc(ctx, func() {
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	})
	defer stop()

	n.mu.Lock()
	defer n.mu.Unlock()
	for n.state.ChangeNumber == since {
		if err := ctx.Err(); err != nil {
			return n.state, err
		}
		n.cond.Wait()
	}
	return n.state, nil
}

// Metrics returns current operational metrics.
func (n *Notifier) Metrics() Metrics {
	return Metrics{
		IRQs:             n.irqs.Load(),
		Absorbed:         n.absorbed.Load(),
		Checks:           n.checks.Load(),
		CheckErrors:      n.checkErrors.Load(),
		LastCheckLatency: time.Duration(n.lastCheckLatency.Load()),
	}
}
