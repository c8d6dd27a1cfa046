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

package testing

import (
	"encoding/binary"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/internal/crc"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
)

// BlockSize is the data block length of the virtual card.
const BlockSize = 512

// R1 response bits.
const (
	r1Idle          = 0x01
	r1IllegalCmd    = 0x04
	r1CRCError      = 0x08
	r1AddressError  = 0x20
	r1ParameterErr  = 0x40
	tokenData       = 0xFE
	tokenMultiWrite = 0xFC
	tokenStopTran   = 0xFD
	dataAccepted    = 0x05
	dataCRCError    = 0x0B
)

type cardState int

const (
	cardCommand cardState = iota
	cardReadMulti
	cardWriteToken
	cardWriteData
	cardWriteMultiToken
	cardWriteMultiData
)

// CardConfig describes the card a VirtualCard emulates.
type CardConfig struct {
	// Blocks is the capacity in 512-byte blocks.
	Blocks uint32
	// HighCapacity selects block addressing and a version 2 CSD.
	HighCapacity bool
	// Version1 makes the card reject CMD8 like a physical layer 1.x card.
	Version1 bool
	// InitPolls is how many ACMD41 calls report idle before the card is ready.
	InitPolls int
	// ReadLatency is the number of 0xFF bytes before each data token.
	ReadLatency int
	// BusyBytes is the number of busy bytes after each written block.
	BusyBytes int
}

// DefaultCardConfig returns a 32 MiB high capacity card.
func DefaultCardConfig() CardConfig {
	return CardConfig{
		Blocks:       65536,
		HighCapacity: true,
		InitPolls:    2,
		ReadLatency:  2,
		BusyBytes:    3,
	}
}

// VirtualCard emulates an SD card in SPI mode behind a chip-select line.
// It implements device.CardBus. Commands are accepted only while selected
// and answered a byte later, as on the wire.
type VirtualCard struct {
	blocks   map[uint32][]byte
	out      []byte
	cmd      []byte
	writeBuf []byte
	cfg      CardConfig

	mu syncutil.Mutex

	exchanges   int
	initPolls   int
	multiBlock  uint32
	initSpeed   parspi.Speed
	speed       parspi.Speed
	state       cardState
	selected    bool
	idle        bool
	appCmd      bool
	spiMode     bool
	initialized bool
	writeErrors int
}

// NewVirtualCard returns a powered-down card with zeroed storage.
func NewVirtualCard(cfg CardConfig) *VirtualCard {
	if cfg.Blocks == 0 {
		cfg.Blocks = DefaultCardConfig().Blocks
	}
	return &VirtualCard{
		cfg:    cfg,
		blocks: make(map[uint32][]byte),
	}
}

// SetSelect implements device.CardBus.
func (v *VirtualCard) SetSelect(enable bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected && !enable {
		v.cmd = v.cmd[:0]
	}
	v.selected = enable
	return nil
}

// SetSpeed implements device.CardBus.
func (v *VirtualCard) SetSpeed(s parspi.Speed) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speed = s
	return nil
}

// Exchange implements device.CardBus. The returned byte was queued before
// w arrived.
func (v *VirtualCard) Exchange(w byte) (byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.exchanges++

	if !v.selected {
		return 0xFF, nil
	}

	r := byte(0xFF)
	if len(v.out) > 0 {
		r = v.out[0]
		v.out = v.out[1:]
	}
	v.receive(w)
	return r, nil
}

// PowerCycle returns the card to its power-on state, keeping storage.
func (v *VirtualCard) PowerCycle() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.out = nil
	v.cmd = nil
	v.state = cardCommand
	v.idle = false
	v.appCmd = false
	v.spiMode = false
	v.initialized = false
	v.initPolls = 0
}

// Exchanges returns the number of bytes clocked on the bus.
func (v *VirtualCard) Exchanges() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exchanges
}

// Selected reports the chip-select level.
func (v *VirtualCard) Selected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selected
}

// Speed returns the bus speed last programmed.
func (v *VirtualCard) Speed() parspi.Speed {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speed
}

// InitSpeed returns the bus speed seen when CMD0 arrived.
func (v *VirtualCard) InitSpeed() parspi.Speed {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initSpeed
}

// Initialized reports whether ACMD41 completed.
func (v *VirtualCard) Initialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

// WriteErrors returns how many data blocks were rejected for a bad CRC.
func (v *VirtualCard) WriteErrors() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeErrors
}

// Block returns a copy of block lba.
func (v *VirtualCard) Block(lba uint32) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]byte, BlockSize)
	copy(out, v.blocks[lba])
	return out
}

// SetBlock stores data into block lba.
func (v *VirtualCard) SetBlock(lba uint32, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := make([]byte, BlockSize)
	copy(b, data)
	v.blocks[lba] = b
}

func (v *VirtualCard) receive(w byte) {
	switch v.state {
	case cardReadMulti:
		v.receiveCommandByte(w)
		if v.state == cardReadMulti && len(v.out) == 0 {
			v.queueBlock(v.multiBlock)
			v.multiBlock++
		}
	case cardWriteToken:
		if w == tokenData {
			v.writeBuf = v.writeBuf[:0]
			v.state = cardWriteData
		}
	case cardWriteData, cardWriteMultiData:
		v.writeBuf = append(v.writeBuf, w)
		if len(v.writeBuf) == BlockSize+2 {
			v.commitBlock()
		}
	case cardWriteMultiToken:
		switch w {
		case tokenMultiWrite:
			v.writeBuf = v.writeBuf[:0]
			v.state = cardWriteMultiData
		case tokenStopTran:
			v.out = append(v.out, 0xFF)
			v.queueBusy()
			v.state = cardCommand
		}
	default:
		v.receiveCommandByte(w)
	}
}

func (v *VirtualCard) receiveCommandByte(w byte) {
	if len(v.cmd) == 0 && w&0xC0 != 0x40 {
		return
	}
	v.cmd = append(v.cmd, w)
	if len(v.cmd) < 6 {
		return
	}
	frame := v.cmd
	v.cmd = nil
	v.execute(frame)
}

func (v *VirtualCard) r1(bits byte) byte {
	if v.idle {
		bits |= r1Idle
	}
	return bits
}

func (v *VirtualCard) execute(frame []byte) {
	index := frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(frame[1:5])
	app := v.appCmd
	v.appCmd = false

	if index == 12 && v.state == cardReadMulti {
		v.out = []byte{0xFF, v.r1(0)}
		v.state = cardCommand
		return
	}

	if index == 0 || index == 8 {
		if crc.CRC7(frame[:5]) != frame[5] {
			v.out = append(v.out, v.r1(r1CRCError))
			return
		}
	}

	if !v.spiMode && index != 0 {
		return
	}

	switch {
	case index == 0:
		v.spiMode = true
		v.idle = true
		v.initialized = false
		v.initPolls = 0
		v.initSpeed = v.speed
		v.out = append(v.out, r1Idle)
	case index == 8 && v.cfg.Version1:
		v.out = append(v.out, v.r1(r1IllegalCmd))
	case index == 8:
		v.out = append(v.out, v.r1(0), 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))
	case index == 55:
		v.appCmd = true
		v.out = append(v.out, v.r1(0))
	case index == 41 && app:
		v.initPolls++
		if v.initPolls > v.cfg.InitPolls {
			v.idle = false
			v.initialized = true
		}
		v.out = append(v.out, v.r1(0))
	case index == 58:
		ocr := uint32(0x00FF8000)
		if v.initialized {
			ocr |= 1 << 31
			if v.cfg.HighCapacity {
				ocr |= 1 << 30
			}
		}
		v.out = append(v.out, v.r1(0))
		v.out = binary.BigEndian.AppendUint32(v.out, ocr)
	case v.idle:
		v.out = append(v.out, v.r1(r1IllegalCmd))
	case index == 9:
		v.out = append(v.out, v.r1(0))
		v.queuePacket(v.csd())
	case index == 16:
		if arg != BlockSize {
			v.out = append(v.out, v.r1(r1ParameterErr))
			return
		}
		v.out = append(v.out, v.r1(0))
	case index == 17 || index == 18:
		lba, ok := v.address(arg)
		if !ok {
			v.out = append(v.out, v.r1(r1AddressError))
			return
		}
		v.out = append(v.out, v.r1(0))
		v.queueBlock(lba)
		if index == 18 {
			v.multiBlock = lba + 1
			v.state = cardReadMulti
		}
	case index == 24 || index == 25:
		lba, ok := v.address(arg)
		if !ok {
			v.out = append(v.out, v.r1(r1AddressError))
			return
		}
		v.out = append(v.out, v.r1(0))
		v.multiBlock = lba
		if index == 24 {
			v.state = cardWriteToken
		} else {
			v.state = cardWriteMultiToken
		}
	case index == 12:
		v.out = append(v.out, 0xFF, v.r1(0))
	default:
		v.out = append(v.out, v.r1(r1IllegalCmd))
	}
}

func (v *VirtualCard) address(arg uint32) (uint32, bool) {
	lba := arg
	if !v.cfg.HighCapacity {
		if arg%BlockSize != 0 {
			return 0, false
		}
		lba = arg / BlockSize
	}
	return lba, lba < v.cfg.Blocks
}

func (v *VirtualCard) queuePacket(data []byte) {
	for range v.cfg.ReadLatency {
		v.out = append(v.out, 0xFF)
	}
	v.out = append(v.out, tokenData)
	v.out = append(v.out, data...)
	v.out = binary.BigEndian.AppendUint16(v.out, crc.CRC16(data))
}

func (v *VirtualCard) queueBlock(lba uint32) {
	data := make([]byte, BlockSize)
	copy(data, v.blocks[lba])
	v.queuePacket(data)
}

func (v *VirtualCard) queueBusy() {
	for range v.cfg.BusyBytes {
		v.out = append(v.out, 0x00)
	}
}

func (v *VirtualCard) commitBlock() {
	data := v.writeBuf[:BlockSize]
	sum := binary.BigEndian.Uint16(v.writeBuf[BlockSize:])
	multi := v.state == cardWriteMultiData

	if crc.CRC16(data) != sum {
		v.writeErrors++
		v.out = append(v.out, dataCRCError)
	} else {
		b := make([]byte, BlockSize)
		copy(b, data)
		v.blocks[v.multiBlock] = b
		v.out = append(v.out, dataAccepted)
		v.queueBusy()
	}
	v.multiBlock++
	if multi {
		v.state = cardWriteMultiToken
	} else {
		v.state = cardCommand
	}
}

// csd builds the 16-byte CSD register: version 2 for high capacity cards,
// version 1 with READ_BL_LEN 9 otherwise.
func (v *VirtualCard) csd() []byte {
	c := make([]byte, 16)
	if v.cfg.HighCapacity {
		size := v.cfg.Blocks/1024 - 1
		c[0] = 0x40
		c[5] = 0x59
		c[7] = byte(size>>16) & 0x3F
		c[8] = byte(size >> 8)
		c[9] = byte(size)
	} else {
		// blocks = (C_SIZE+1) << (C_SIZE_MULT+2)
		mult := uint32(7)
		for mult > 0 && v.cfg.Blocks>>(mult+2) == 0 {
			mult--
		}
		size := v.cfg.Blocks>>(mult+2) - 1
		c[5] = 0x59
		c[6] = byte(size>>10) & 0x03
		c[7] = byte(size >> 2)
		c[8] = byte(size&0x03) << 6
		c[9] = byte(mult>>1) & 0x03
		c[10] = byte(mult&0x01) << 7
	}
	c[15] = crc.CRC7(c[:15])
	return c
}
