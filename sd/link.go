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

package sd

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/internal/crc"
)

// Data tokens.
const (
	tokenStartBlock = 0xFE
	tokenMultiWrite = 0xFC
	tokenStopTran   = 0xFD
	dataResponseOK  = 0x05
)

// link runs SD SPI-mode framing over host sessions. Bytes clocked in ahead
// of need are kept in pending so responses can be read in chunks.
type link struct {
	ctx     context.Context //nolint:containedctx // Scoped to one card operation
	bus     Bus
	pending []byte
	busy    bool
}

func newLink(ctx context.Context, bus Bus) *link {
	return &link{ctx: ctx, bus: bus}
}

func (l *link) fill(n int) error {
	for n > 0 {
		chunk := min(n, parspi.MaxTransfer)
		buf := make([]byte, chunk)
		if err := l.bus.Read(l.ctx, buf); err != nil {
			return err
		}
		l.pending = append(l.pending, buf...)
		n -= chunk
	}
	return nil
}

func (l *link) next() (byte, error) {
	if len(l.pending) == 0 {
		if err := l.fill(parspi.CardResponseBytes); err != nil {
			return 0xFF, err
		}
	}
	b := l.pending[0]
	l.pending = l.pending[1:]
	return b, nil
}

func (l *link) take(n int) ([]byte, error) {
	if len(l.pending) < n {
		if err := l.fill(n - len(l.pending)); err != nil {
			return nil, err
		}
	}
	out := l.pending[:n:n]
	l.pending = l.pending[n:]
	return out, nil
}

// send writes data, dropping input nobody asked for.
func (l *link) send(data []byte) error {
	l.pending = nil
	for len(data) > 0 {
		chunk := min(len(data), parspi.MaxTransfer)
		if err := l.bus.Write(l.ctx, data[:chunk]); err != nil {
			return err
		}
		data = data[chunk:]
	}
	return nil
}

// waitReady clocks until the card stops holding the data line low. The
// card is ready once a chunk ends in 0xFF.
func (l *link) waitReady(cmd byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if n := len(l.pending); n > 0 && l.pending[n-1] == 0xFF {
			l.pending = nil
			l.busy = false
			return nil
		}
		if time.Now().After(deadline) {
			return statusError(cmd, 0x00, "card stayed busy")
		}
		l.pending = nil
		if err := l.fill(parspi.CardResponseBytes); err != nil {
			return linkError(cmd, err)
		}
	}
}

// command sends a command frame and returns its R1 response.
func (l *link) command(index byte, arg uint32) (byte, error) {
	if l.busy && index != 12 {
		if err := l.waitReady(index, parspi.CardWriteTimeout); err != nil {
			return 0xFF, err
		}
	}

	var frame [6]byte
	frame[0] = 0x40 | index
	binary.BigEndian.PutUint32(frame[1:5], arg)
	frame[5] = crc.CRC7(frame[:5])
	if err := l.send(frame[:]); err != nil {
		return 0xFF, linkError(index, err)
	}

	if index == 12 {
		if _, err := l.next(); err != nil {
			return 0xFF, linkError(index, err)
		}
	}
	for range parspi.CardResponseBytes {
		b, err := l.next()
		if err != nil {
			return 0xFF, linkError(index, err)
		}
		if b&0x80 == 0 {
			return b, nil
		}
	}
	return 0xFF, &CardError{Cmd: index, Status: 0xFF, Reason: "no response", transient: true}
}

// appCommand sends CMD55 followed by ACMD index.
func (l *link) appCommand(index byte, arg uint32) (byte, error) {
	r1, err := l.command(55, 0)
	if err != nil {
		return r1, err
	}
	if r1&^R1Idle != 0 {
		return r1, statusError(55, r1, "rejected")
	}
	return l.command(index, arg)
}

// readPacket waits for a start token and returns n data bytes after
// checking their CRC16.
func (l *link) readPacket(cmd byte, n int) ([]byte, error) {
	deadline := time.Now().Add(parspi.CardReadTimeout)
	for {
		b, err := l.next()
		if err != nil {
			return nil, linkError(cmd, err)
		}
		if b == tokenStartBlock {
			break
		}
		if b != 0xFF {
			return nil, statusError(cmd, b, "data error token")
		}
		if time.Now().After(deadline) {
			return nil, &CardError{Cmd: cmd, Status: 0xFF, Reason: "no data token", transient: true}
		}
	}

	packet, err := l.take(n + 2)
	if err != nil {
		return nil, linkError(cmd, err)
	}
	data := packet[:n]
	if got, want := binary.BigEndian.Uint16(packet[n:]), crc.CRC16(data); got != want {
		return nil, &CardError{Cmd: cmd, Reason: "data CRC mismatch", transient: true}
	}
	return data, nil
}

// writePacket sends one data block behind token and waits out the busy
// period.
func (l *link) writePacket(cmd, token byte, data []byte) error {
	packet := make([]byte, 0, len(data)+3)
	packet = append(packet, token)
	packet = append(packet, data...)
	packet = binary.BigEndian.AppendUint16(packet, crc.CRC16(data))
	if err := l.send(packet); err != nil {
		return linkError(cmd, err)
	}

	var resp byte = 0xFF
	for range parspi.CardResponseBytes {
		b, err := l.next()
		if err != nil {
			return linkError(cmd, err)
		}
		if b != 0xFF {
			resp = b
			break
		}
	}
	if resp&0x1F != dataResponseOK {
		return &CardError{Cmd: cmd, Status: resp, Reason: "data rejected", transient: resp&0x1F == 0x0B}
	}
	l.busy = true
	return l.waitReady(cmd, parspi.CardWriteTimeout)
}

// stopWrite ends a multi-block write.
func (l *link) stopWrite() error {
	if err := l.send([]byte{tokenStopTran}); err != nil {
		return linkError(25, err)
	}
	l.busy = true
	return l.waitReady(25, parspi.CardWriteTimeout)
}
