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

package parspi

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Transfer size limits.
const (
	// MaxShortTransfer is the largest transfer encodable in a single command byte.
	MaxShortTransfer = 64
	// MaxTransfer is the largest transfer encodable in the two-byte extended form.
	MaxTransfer = 8192
)

// Command byte layout. The top two bits select the form.
const (
	formMask     byte = 0xC0
	formWrite    byte = 0x00
	formRead     byte = 0x40
	formExtended byte = 0x80
	formControl  byte = 0xC0

	shortCountMask byte = 0x3F
	extHighMask    byte = 0x3F
	extLowMask     byte = 0x7F
	extReadFlag    byte = 0x80
	extLowBits          = 7

	controlOpShift        = 1
	controlOpMask    byte = 0x1F
	controlPayload   byte = 0x01
	opSelect         byte = 0
	opCardPresent    byte = 1
	opSpeed          byte = 2
)

// Line identifies one of the parallel-port signals.
type Line uint8

// Parallel-port lines.
const (
	LineREQ Line = iota
	LineCLK
	LineACT
	LineIRQ
	LineData
	LineCDET
)

// Direction describes which side drives a line.
type Direction uint8

// Line directions.
const (
	HostToDevice Direction = iota
	DeviceToHost
	Bidirectional
	CardToDevice
)

func (l Line) String() string {
	switch l {
	case LineREQ:
		return "REQ"
	case LineCLK:
		return "CLK"
	case LineACT:
		return "ACT"
	case LineIRQ:
		return "IRQ"
	case LineData:
		return "D0-D7"
	case LineCDET:
		return "CDET"
	default:
		return fmt.Sprintf("Line(%d)", uint8(l))
	}
}

// Direction reports which side drives the line.
func (l Line) Direction() Direction {
	switch l {
	case LineREQ, LineCLK:
		return HostToDevice
	case LineACT, LineIRQ:
		return DeviceToHost
	case LineCDET:
		return CardToDevice
	default:
		return Bidirectional
	}
}

// ActiveLow reports whether the line is asserted by pulling it low.
// CLK carries information in its transitions and has no asserted level.
func (l Line) ActiveLow() bool {
	switch l {
	case LineREQ, LineACT, LineIRQ, LineCDET:
		return true
	default:
		return false
	}
}

// Speed is the SPI clock mode shared by both sides of the link.
type Speed uint8

// Speed modes. SpeedSlow is the power-on mode.
const (
	SpeedSlow Speed = iota
	SpeedFast
)

// Nominal SPI frequencies for each speed mode.
const (
	SlowFrequency = 250 * physic.KiloHertz
	FastFrequency = 4 * physic.MegaHertz
)

// Frequency returns the nominal SPI clock for the mode.
func (s Speed) Frequency() physic.Frequency {
	if s == SpeedFast {
		return FastFrequency
	}
	return SlowFrequency
}

func (s Speed) String() string {
	if s == SpeedFast {
		return "fast"
	}
	return "slow"
}

// Kind is the operation a command requests.
type Kind uint8

// Command kinds.
const (
	KindInvalid Kind = iota
	KindWrite
	KindRead
	// KindExtended is the first phase of an extended transfer, still waiting
	// for the byte carrying the direction and the low count bits.
	KindExtended
	KindSelect
	KindCardPresent
	KindSpeed
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindExtended:
		return "extended"
	case KindSelect:
		return "select"
	case KindCardPresent:
		return "card-present"
	case KindSpeed:
		return "speed"
	default:
		return "invalid"
	}
}

// Command is a decoded host request.
type Command struct {
	Kind Kind
	// Count is the number of data bytes for reads and writes. For a pending
	// KindExtended command it holds the high count bits already shifted.
	Count  int
	Enable bool
	Speed  Speed
}

// WriteCommand returns a command moving n bytes from host to card.
func WriteCommand(n int) (Command, error) {
	if n < 1 || n > MaxTransfer {
		return Command{}, fmt.Errorf("%w: write of %d bytes", ErrInvalidLength, n)
	}
	return Command{Kind: KindWrite, Count: n}, nil
}

// ReadCommand returns a command moving n bytes from card to host.
func ReadCommand(n int) (Command, error) {
	if n < 1 || n > MaxTransfer {
		return Command{}, fmt.Errorf("%w: read of %d bytes", ErrInvalidLength, n)
	}
	return Command{Kind: KindRead, Count: n}, nil
}

// SelectCommand returns a chip-select command.
func SelectCommand(enable bool) Command {
	return Command{Kind: KindSelect, Enable: enable}
}

// CardPresentCommand returns the card-presence query.
func CardPresentCommand() Command {
	return Command{Kind: KindCardPresent}
}

// SpeedCommand returns a command switching the SPI clock mode.
func SpeedCommand(s Speed) Command {
	return Command{Kind: KindSpeed, Speed: s}
}

// IsTransfer reports whether the command moves data bytes.
func (c Command) IsTransfer() bool {
	return c.Kind == KindRead || c.Kind == KindWrite
}

// Extended reports whether a transfer needs the two-byte form.
func (c Command) Extended() bool {
	return c.IsTransfer() && c.Count > MaxShortTransfer
}

// Encode returns the command bytes the host writes. second is only
// meaningful when extended is true.
func (c Command) Encode() (first, second byte, extended bool, err error) {
	switch c.Kind {
	case KindWrite, KindRead:
		if c.Count < 1 || c.Count > MaxTransfer {
			return 0, 0, false, fmt.Errorf("%w: %d bytes", ErrInvalidLength, c.Count)
		}
		n := c.Count - 1
		if c.Count <= MaxShortTransfer {
			form := formWrite
			if c.Kind == KindRead {
				form = formRead
			}
			return form | byte(n), 0, false, nil
		}
		first = formExtended | (byte(n>>extLowBits) & extHighMask)
		second = byte(n) & extLowMask
		if c.Kind == KindRead {
			second |= extReadFlag
		}
		return first, second, true, nil
	case KindSelect:
		return controlByte(opSelect, c.Enable), 0, false, nil
	case KindCardPresent:
		return controlByte(opCardPresent, false), 0, false, nil
	case KindSpeed:
		return controlByte(opSpeed, c.Speed == SpeedFast), 0, false, nil
	default:
		return 0, 0, false, fmt.Errorf("%w: kind %s", ErrMalformedCommand, c.Kind)
	}
}

func controlByte(op byte, payload bool) byte {
	b := formControl | op<<controlOpShift
	if payload {
		b |= controlPayload
	}
	return b
}

// DecodeFirst decodes the first command byte of a session. pending is true
// when the command is extended and DecodeExtended must be called with the
// next byte. Undefined control opcodes return ErrMalformedCommand.
func DecodeFirst(b byte) (cmd Command, pending bool, err error) {
	switch b & formMask {
	case formWrite:
		return Command{Kind: KindWrite, Count: int(b&shortCountMask) + 1}, false, nil
	case formRead:
		return Command{Kind: KindRead, Count: int(b&shortCountMask) + 1}, false, nil
	case formExtended:
		return Command{Kind: KindExtended, Count: int(b&extHighMask) << extLowBits}, true, nil
	}

	payload := b&controlPayload != 0
	switch op := (b >> controlOpShift) & controlOpMask; op {
	case opSelect:
		return Command{Kind: KindSelect, Enable: payload}, false, nil
	case opCardPresent:
		return Command{Kind: KindCardPresent}, false, nil
	case opSpeed:
		s := SpeedSlow
		if payload {
			s = SpeedFast
		}
		return Command{Kind: KindSpeed, Speed: s}, false, nil
	default:
		return Command{}, false, fmt.Errorf("%w: control opcode %d (byte 0x%02X)", ErrMalformedCommand, op, b)
	}
}

// DecodeExtended completes an extended transfer from its second byte.
func DecodeExtended(partial Command, b byte) (Command, error) {
	if partial.Kind != KindExtended {
		return Command{}, fmt.Errorf("%w: %s is not an extended prefix", ErrMalformedCommand, partial.Kind)
	}
	kind := KindWrite
	if b&extReadFlag != 0 {
		kind = KindRead
	}
	return Command{Kind: kind, Count: partial.Count + int(b&extLowMask) + 1}, nil
}

func (c Command) String() string {
	switch c.Kind {
	case KindWrite, KindRead, KindExtended:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Count)
	case KindSelect:
		return fmt.Sprintf("select(%t)", c.Enable)
	case KindSpeed:
		return fmt.Sprintf("speed(%s)", c.Speed)
	default:
		return c.Kind.String()
	}
}
