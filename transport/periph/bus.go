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
	"fmt"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
)

// SD cards sample on the rising edge with the clock idle low.
const spiMode = spi.Mode0

// PortOpener opens the SPI port the card is attached to.
type PortOpener func() (spi.PortCloser, error)

// Bus is the card's SPI master. It implements device.CardBus.
//
// Most SPI drivers let a port be connected once, so a speed change closes
// the port and connects it again at the new frequency.
type Bus struct {
	open  PortOpener
	port  spi.PortCloser
	conn  spi.Conn
	cs    gpio.PinOut
	freq  [2]physic.Frequency
	name  string
	speed parspi.Speed
	tx    [1]byte
	rx    [1]byte
}

var _ device.CardBus = (*Bus)(nil)

// OpenBus opens the layout's SPI port at slow speed with chip-select
// released.
func OpenBus(l Layout) (*Bus, error) {
	var cs gpio.PinOut
	if l.CS != "" {
		p, err := pinByName("CS", l.CS)
		if err != nil {
			return nil, err
		}
		cs = p
	}
	open := func() (spi.PortCloser, error) {
		port, err := spireg.Open(l.SPIPort)
		if err != nil {
			return nil, fmt.Errorf("failed to open SPI port %s: %w", l.SPIPort, err)
		}
		return port, nil
	}
	return NewBus(l.SPIPort, open, cs, l.SlowFrequency, l.FastFrequency)
}

// NewBus creates a bus on ports returned by open. cs may be nil to use the
// port's own chip-select.
func NewBus(name string, open PortOpener, cs gpio.PinOut, slow, fast physic.Frequency) (*Bus, error) {
	if slow == 0 {
		slow = parspi.SlowFrequency
	}
	if fast == 0 {
		fast = parspi.FastFrequency
	}
	b := &Bus{
		open: open,
		cs:   cs,
		name: name,
		freq: [2]physic.Frequency{parspi.SpeedSlow: slow, parspi.SpeedFast: fast},
	}
	if err := b.SetSelect(false); err != nil {
		return nil, err
	}
	if err := b.connect(parspi.SpeedSlow); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect(s parspi.Speed) error {
	if b.port != nil {
		err := b.port.Close()
		b.port, b.conn = nil, nil
		if err != nil {
			return fmt.Errorf("failed to close SPI port %s: %w", b.name, err)
		}
	}

	port, err := b.open()
	if err != nil {
		return err
	}
	mode := spiMode
	if b.cs != nil {
		mode |= spi.NoCS
	}
	conn, err := port.Connect(b.freq[s], mode, 8)
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to connect SPI %s at %s: %w", b.name, b.freq[s], err)
	}
	b.port, b.conn, b.speed = port, conn, s
	parspi.Debugf("spi: %s connected at %s", b.name, b.freq[s])
	return nil
}

// Exchange clocks one byte out and returns the byte clocked in.
func (b *Bus) Exchange(w byte) (byte, error) {
	if b.conn == nil {
		return 0xFF, fmt.Errorf("SPI port %s is closed", b.name)
	}
	b.tx[0] = w
	if err := b.conn.Tx(b.tx[:], b.rx[:]); err != nil {
		return 0xFF, fmt.Errorf("SPI exchange on %s: %w", b.name, err)
	}
	return b.rx[0], nil
}

// SetSelect drives the chip-select GPIO. Without one it does nothing.
func (b *Bus) SetSelect(enable bool) error {
	if b.cs == nil {
		return nil
	}
	if err := b.cs.Out(level(!enable)); err != nil {
		return fmt.Errorf("drive chip-select: %w", err)
	}
	return nil
}

// SetSpeed reconnects the port at the frequency for s.
func (b *Bus) SetSpeed(s parspi.Speed) error {
	if s == b.speed && b.conn != nil {
		return nil
	}
	return b.connect(s)
}

// Frequency returns the clock the port is connected at.
func (b *Bus) Frequency() physic.Frequency {
	return b.freq[b.speed]
}

// Close releases chip-select and the SPI port.
func (b *Bus) Close() error {
	err := b.SetSelect(false)
	if b.port != nil {
		err = multierr.Append(err, b.port.Close())
		b.port, b.conn = nil, nil
	}
	return err
}
