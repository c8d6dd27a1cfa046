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
	"sync"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

type waiter struct {
	granted bool
}

// channel grants exclusive use of the link. Priority waiters are served
// before ordinary ones when the holder releases, but a holder is never
// interrupted.
type channel struct {
	cond   *sync.Cond
	prio   []*waiter
	normal []*waiter
	mu     syncutil.Mutex
	held   bool
	closed bool
}

func newChannel() *channel {
	c := &channel{}
	c.cond = syncutil.NewCond(&c.mu)
	return c
}

func (c *channel) broadcast() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *channel) acquire(ctx context.Context, priority bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, c.broadcast)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return parspi.ErrChannelClosed
	}
	if !c.held && len(c.prio) == 0 && len(c.normal) == 0 {
		c.held = true
		return nil
	}

	w := &waiter{}
	if priority {
		c.prio = append(c.prio, w)
	} else {
		c.normal = append(c.normal, w)
	}
	for !w.granted {
		if c.closed {
			c.removeLocked(w)
			return parspi.ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			c.removeLocked(w)
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// release hands the channel to the next waiter, priority first.
func (c *channel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *waiter
	switch {
	case len(c.prio) > 0:
		next, c.prio = c.prio[0], c.prio[1:]
	case len(c.normal) > 0:
		next, c.normal = c.normal[0], c.normal[1:]
	}
	if next == nil {
		c.held = false
		return
	}
	next.granted = true
	c.cond.Broadcast()
}

func (c *channel) removeLocked(w *waiter) {
	for i, q := range c.prio {
		if q == w {
			c.prio = append(c.prio[:i], c.prio[i+1:]...)
			return
		}
	}
	for i, q := range c.normal {
		if q == w {
			c.normal = append(c.normal[:i], c.normal[i+1:]...)
			return
		}
	}
}

// waiting returns the number of queued acquirers.
func (c *channel) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prio) + len(c.normal)
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
}
