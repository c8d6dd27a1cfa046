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
	"errors"
	"runtime"
	"time"

	"github.com/ZaparooProject/go-parspi"
)

// ctxCheckInterval is how many bytes a pump moves between context checks.
const ctxCheckInterval = 64

// pump moves data bytes with the CLK handshake. The slow pump spins a fixed
// delay per byte so the device's slow SPI exchange can finish; the fast pump
// relies on the handshake alone.
type pump struct {
	ctx     context.Context //nolint:containedctx // Scoped to one session
	port    Port
	delay   time.Duration
	timeout time.Duration
}

func slowPump(ctx context.Context, port Port, delay, timeout time.Duration) pump {
	return pump{ctx: ctx, port: port, delay: delay, timeout: timeout}
}

func fastPump(ctx context.Context, port Port, timeout time.Duration) pump {
	return pump{ctx: ctx, port: port, timeout: timeout}
}

func (p pump) checkpoint(i int) error {
	if i%ctxCheckInterval != 0 {
		return nil
	}
	return p.ctx.Err()
}

// write presents each byte and toggles CLK. The byte counts as done once the
// device has followed the transition.
func (p pump) write(buf []byte) (int, error) {
	for i, b := range buf {
		if err := p.checkpoint(i); err != nil {
			return i, err
		}
		p.port.WriteData(b)
		p.port.ToggleCLK()
		if !p.port.Settle(p.timeout) {
			return i, parspi.ErrProtocolTimeout
		}
		spin(p.delay)
	}
	return len(buf), nil
}

// read toggles CLK and samples the byte the device drove in response. The
// data bus must already be an input.
func (p pump) read(buf []byte) (int, error) {
	for i := range buf {
		if err := p.checkpoint(i); err != nil {
			return i, err
		}
		spin(p.delay)
		p.port.ToggleCLK()
		if !p.port.Settle(p.timeout) {
			return i, parspi.ErrProtocolTimeout
		}
		buf[i] = p.port.ReadData()
	}
	return len(buf), nil
}

// spin busy-waits for d. Sleeping has too coarse a granularity for the
// per-byte delay.
func spin(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

func (h *Host) pump(ctx context.Context) pump {
	if h.Speed() == parspi.SpeedFast {
		return fastPump(ctx, h.port, h.config.ClockTimeout)
	}
	return slowPump(ctx, h.port, h.config.SlowByteDelay, h.config.ClockTimeout)
}

// session runs one REQ-bounded exchange for cmd. buf holds the data for
// transfers and receives the presence bit for a query. REQ is deasserted
// on every return path.
func (h *Host) session(ctx context.Context, op string, cmd parspi.Command, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	first, second, ext, err := cmd.Encode()
	if err != nil {
		return 0, parspi.NewSessionError(op, cmd, 0, err)
	}

	h.sessions.Add(1)
	trace := parspi.NewTraceBuffer("host", h.config.TraceSize)
	parspi.Debugf("host: %s %s", op, cmd)

	p := h.port
	p.SetDataOutput(true)
	p.WriteData(first)
	p.SetREQ(true)
	defer h.end()
	trace.RecordTX([]byte{first}, "command")
	p.Settle(h.config.ClockTimeout)

	if !h.awaitACT() {
		h.deviceFaults.Add(1)
		trace.RecordTimeout("ACT")
		h.log.Warnw("device did not acknowledge", "op", op, "command", cmd.String())
		return 0, parspi.NewSessionError(op, cmd, 0, trace.WrapError(parspi.ErrDeviceFault))
	}
	trace.RecordRX(nil, "ACT")

	if ext {
		p.WriteData(second)
		p.ToggleCLK()
		trace.RecordTX([]byte{second}, "count")
		if !p.Settle(h.config.ClockTimeout) {
			return 0, h.fail(op, cmd, 0, trace, parspi.ErrProtocolTimeout)
		}
	}

	var done int
	switch cmd.Kind {
	case parspi.KindWrite:
		done, err = h.pump(ctx).write(buf)
		h.bytesWritten.Add(uint64(done))
		if err != nil {
			trace.RecordTX(buf[max(0, done-8):done], "data")
		}
	case parspi.KindRead:
		p.SetDataOutput(false)
		done, err = h.pump(ctx).read(buf)
		h.bytesRead.Add(uint64(done))
		if err != nil {
			trace.RecordRX(buf[max(0, done-8):done], "data")
		}
	case parspi.KindCardPresent:
		p.SetDataOutput(false)
		done, err = fastPump(ctx, p, h.config.ClockTimeout).read(buf)
		if err == nil {
			trace.RecordRX(buf, "presence")
		}
	}
	if err != nil {
		return done, h.fail(op, cmd, done, trace, err)
	}
	return done, nil
}

func (h *Host) awaitACT() bool {
	for range h.config.ActRetries {
		if h.port.ACT() {
			return true
		}
	}
	return false
}

func (h *Host) fail(op string, cmd parspi.Command, done int, trace *parspi.TraceBuffer, err error) error {
	if errors.Is(err, parspi.ErrProtocolTimeout) {
		h.timeouts.Add(1)
		trace.RecordTimeout("CLK")
		h.log.Warnw("device lost the clock handshake", "op", op, "command", cmd.String(), "done", done)
	}
	return parspi.NewSessionError(op, cmd, done, trace.WrapError(err))
}

// end deasserts REQ and releases the bus, then lets the device return to
// Idle before the next session can start.
func (h *Host) end() {
	h.port.SetREQ(false)
	h.port.SetDataOutput(false)
	if !h.port.Settle(h.config.ClockTimeout) {
		parspi.Debugf("host: device did not return to idle")
	}
}
