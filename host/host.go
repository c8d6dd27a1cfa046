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

// Package host implements the computer end of the parallel link. Every
// primitive runs exactly one REQ-bounded session, and sessions are
// serialized through an exclusive channel that callers can hold across
// several primitives.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
)

// ErrLeaseExpired is returned when a Lease is used after its Do call
// returned.
var ErrLeaseExpired = errors.New("lease used outside its Do call")

// Stats counts host activity.
type Stats struct {
	Sessions     uint64 // Sessions started
	DeviceFaults uint64 // Sessions that never saw ACT
	Timeouts     uint64 // Sessions that lost the CLK handshake
	BytesRead    uint64
	BytesWritten uint64
	Priority     uint64 // Channel acquisitions with priority
}

// Host drives sessions over a Port.
//
// Thread Safety: Host is safe for concurrent use. Sessions never overlap;
// concurrent callers queue on the channel.
type Host struct {
	port   Port
	config *Config
	log    *zap.SugaredLogger
	ch     *channel
	speed  atomic.Uint32

	sessions     atomic.Uint64
	deviceFaults atomic.Uint64
	timeouts     atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	priority     atomic.Uint64
}

// New creates a host for port. The cached speed starts slow, matching a
// freshly started device.
func New(port Port, opts ...Option) (*Host, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}
	log := config.Logger
	if log == nil {
		log = parspi.Logger().Named("host")
	}

	h := &Host{
		port:   port,
		config: config,
		log:    log,
		ch:     newChannel(),
	}
	h.speed.Store(uint32(parspi.SpeedSlow))

	port.SetREQ(false)
	port.SetDataOutput(false)
	return h, nil
}

// Port returns the underlying port.
func (h *Host) Port() Port {
	return h.port
}

// Speed returns the speed mode last programmed through this host.
func (h *Host) Speed() parspi.Speed {
	return parspi.Speed(h.speed.Load())
}

// Stats returns a snapshot of the host counters.
func (h *Host) Stats() Stats {
	return Stats{
		Sessions:     h.sessions.Load(),
		DeviceFaults: h.deviceFaults.Load(),
		Timeouts:     h.timeouts.Load(),
		BytesRead:    h.bytesRead.Load(),
		BytesWritten: h.bytesWritten.Load(),
		Priority:     h.priority.Load(),
	}
}

// Waiting returns how many callers are queued for the channel.
func (h *Host) Waiting() int {
	return h.ch.waiting()
}

// Close rejects further channel acquisitions. A current holder finishes
// normally.
func (h *Host) Close() error {
	h.ch.close()
	return nil
}

// Do holds the channel while fn runs, so the sessions fn issues through the
// lease are not interleaved with anyone else's.
func (h *Host) Do(ctx context.Context, fn func(*Lease) error) error {
	return h.do(ctx, false, fn)
}

// DoPriority is Do for latency-sensitive callers. It is granted the channel
// ahead of ordinary waiters but still waits for the current holder.
func (h *Host) DoPriority(ctx context.Context, fn func(*Lease) error) error {
	return h.do(ctx, true, fn)
}

func (h *Host) do(ctx context.Context, priority bool, fn func(*Lease) error) error {
	if err := h.ch.acquire(ctx, priority); err != nil {
		return err
	}
	if priority {
		h.priority.Add(1)
	}
	l := &Lease{h: h}
	l.valid.Store(true)
	defer func() {
		l.valid.Store(false)
		h.ch.release()
	}()
	return fn(l)
}

// Select asserts or releases the card's chip-select in one session.
func (h *Host) Select(ctx context.Context, enable bool) error {
	return h.Do(ctx, func(l *Lease) error { return l.Select(ctx, enable) })
}

// Deselect releases chip-select.
func (h *Host) Deselect(ctx context.Context) error {
	return h.Select(ctx, false)
}

// QueryPresent asks the device for the live card-detect level. It also
// releases a pending IRQ.
func (h *Host) QueryPresent(ctx context.Context) (bool, error) {
	var present bool
	err := h.Do(ctx, func(l *Lease) error {
		var err error
		present, err = l.QueryPresent(ctx)
		return err
	})
	return present, err
}

// SetSpeed switches both ends to speed s.
func (h *Host) SetSpeed(ctx context.Context, s parspi.Speed) error {
	return h.Do(ctx, func(l *Lease) error { return l.SetSpeed(ctx, s) })
}

// Read fills buf with bytes clocked from the card.
func (h *Host) Read(ctx context.Context, buf []byte) error {
	return h.Do(ctx, func(l *Lease) error { return l.Read(ctx, buf) })
}

// Write clocks buf out to the card.
func (h *Host) Write(ctx context.Context, buf []byte) error {
	return h.Do(ctx, func(l *Lease) error { return l.Write(ctx, buf) })
}

// Lease runs primitives while its holder owns the channel.
type Lease struct {
	h     *Host
	valid atomic.Bool
}

func (l *Lease) check() error {
	if !l.valid.Load() {
		return ErrLeaseExpired
	}
	return nil
}

// Select asserts or releases chip-select.
func (l *Lease) Select(ctx context.Context, enable bool) error {
	if err := l.check(); err != nil {
		return err
	}
	_, err := l.h.session(ctx, "select", parspi.SelectCommand(enable), nil)
	return err
}

// Deselect releases chip-select.
func (l *Lease) Deselect(ctx context.Context) error {
	return l.Select(ctx, false)
}

// QueryPresent reads the card-detect bit.
func (l *Lease) QueryPresent(ctx context.Context) (bool, error) {
	if err := l.check(); err != nil {
		return false, err
	}
	buf := make([]byte, 1)
	if _, err := l.h.session(ctx, "query", parspi.CardPresentCommand(), buf); err != nil {
		return false, err
	}
	return buf[0]&0x01 == 1, nil
}

// SetSpeed programs the device's card bus and switches the host pump.
func (l *Lease) SetSpeed(ctx context.Context, s parspi.Speed) error {
	if err := l.check(); err != nil {
		return err
	}
	if _, err := l.h.session(ctx, "speed", parspi.SpeedCommand(s), nil); err != nil {
		return err
	}
	l.h.speed.Store(uint32(s))
	return nil
}

// Read fills buf, which must hold 1 to parspi.MaxTransfer bytes.
func (l *Lease) Read(ctx context.Context, buf []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	cmd, err := parspi.ReadCommand(len(buf))
	if err != nil {
		return parspi.NewSessionError("read", cmd, 0, fmt.Errorf("%w: %d bytes", err, len(buf)))
	}
	_, err = l.h.session(ctx, "read", cmd, buf)
	return err
}

// Write sends buf, which must hold 1 to parspi.MaxTransfer bytes.
func (l *Lease) Write(ctx context.Context, buf []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	cmd, err := parspi.WriteCommand(len(buf))
	if err != nil {
		return parspi.NewSessionError("write", cmd, 0, fmt.Errorf("%w: %d bytes", err, len(buf)))
	}
	_, err = l.h.session(ctx, "write", cmd, buf)
	return err
}

// Speed returns the cached speed mode.
func (l *Lease) Speed() parspi.Speed {
	return l.h.Speed()
}
