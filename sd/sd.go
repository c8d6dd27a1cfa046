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

// Package sd drives an SD card in SPI mode through the bridge's host
// primitives: chip-select, speed and raw byte transfers.
package sd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
)

// Block geometry.
const (
	BlockSize  = 512
	BlockShift = 9
)

// Bus is the subset of host primitives the card layer needs. Both
// *host.Host and *host.Lease satisfy it; pass a Lease to keep the channel
// for a whole card operation.
type Bus interface {
	Select(ctx context.Context, enable bool) error
	Read(ctx context.Context, buf []byte) error
	Write(ctx context.Context, buf []byte) error
	SetSpeed(ctx context.Context, s parspi.Speed) error
}

// Info describes an opened card.
type Info struct {
	Blocks       uint32
	BlockSize    int
	BlockShift   uint
	Version      int  // Physical layer version: 1 or 2
	HighCapacity bool // Block addressed (SDHC/SDXC)
}

// Capacity returns the card size in bytes.
func (i Info) Capacity() uint64 {
	return uint64(i.Blocks) << i.BlockShift
}

// Config holds card open options.
type Config struct {
	Retry       *parspi.RetryConfig
	Logger      *zap.SugaredLogger
	InitTimeout time.Duration
}

// Option configures Open.
type Option func(*Config)

// WithRetryConfig sets the retry policy for bringing the card to idle.
func WithRetryConfig(rc *parspi.RetryConfig) Option {
	return func(c *Config) { c.Retry = rc }
}

// WithInitTimeout bounds the ACMD41 loop.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Config) { c.InitTimeout = d }
}

// WithLogger sets the logger for open diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = l }
}

// Card is an opened SD card.
type Card struct {
	info Info
}

// Info returns the card geometry.
func (c *Card) Info() Info {
	return c.info
}

// Open runs the SPI-mode initialisation sequence and leaves the bus at fast
// speed with chip-select released.
func Open(ctx context.Context, bus Bus, opts ...Option) (*Card, error) {
	cfg := Config{
		Retry:       parspi.DefaultRetryConfig(),
		InitTimeout: parspi.CardInitTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = parspi.Logger().Named("sd")
	}

	if err := bus.SetSpeed(ctx, parspi.SpeedSlow); err != nil {
		return nil, linkError(0, err)
	}
	if err := bus.Select(ctx, false); err != nil {
		return nil, linkError(0, err)
	}
	idle := make([]byte, parspi.CardIdleClockBytes)
	for i := range idle {
		idle[i] = 0xFF
	}
	if err := bus.Write(ctx, idle); err != nil {
		return nil, linkError(0, err)
	}
	if err := bus.Select(ctx, true); err != nil {
		return nil, linkError(0, err)
	}

	card, err := initialise(ctx, newLink(ctx, bus), &cfg)
	if derr := bus.Select(ctx, false); err == nil && derr != nil {
		err = linkError(0, derr)
	}
	if err != nil {
		cfg.Logger.Warnw("card open failed", "error", err)
		return nil, err
	}
	if err := bus.SetSpeed(ctx, parspi.SpeedFast); err != nil {
		return nil, linkError(0, err)
	}

	cfg.Logger.Infow("card opened",
		"blocks", card.info.Blocks,
		"version", card.info.Version,
		"high_capacity", card.info.HighCapacity)
	return card, nil
}

// idleRetry copies the configured policy and logs each failed CMD0 unless
// the caller installed its own hook.
func idleRetry(cfg *Config) *parspi.RetryConfig {
	rc := parspi.DefaultRetryConfig()
	if cfg.Retry != nil {
		*rc = *cfg.Retry
	}
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error, wait time.Duration) {
			cfg.Logger.Debugw("card not idle, retrying", "attempt", attempt, "wait", wait, "error", err)
		}
	}
	return rc
}

func initialise(ctx context.Context, l *link, cfg *Config) (*Card, error) {
	err := parspi.RetryWithConfig(ctx, idleRetry(cfg), func() error {
		r1, err := l.command(0, 0)
		if err != nil {
			return err
		}
		if r1 != R1Idle {
			return &CardError{Cmd: 0, Status: r1, Reason: "card did not enter idle", transient: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	info := Info{BlockSize: BlockSize, BlockShift: BlockShift, Version: 2}
	r1, err := l.command(8, 0x1AA)
	if err != nil {
		return nil, err
	}
	if r1&R1IllegalCmd != 0 {
		info.Version = 1
	} else {
		r7, err := l.take(4)
		if err != nil {
			return nil, linkError(8, err)
		}
		if r7[2]&0x0F != 0x01 || r7[3] != 0xAA {
			return nil, statusError(8, r7[3], "voltage check failed")
		}
	}

	var hcs uint32
	if info.Version == 2 {
		hcs = 1 << 30
	}
	deadline := time.Now().Add(cfg.InitTimeout)
	for {
		r1, err := l.appCommand(41, hcs)
		if err != nil {
			return nil, err
		}
		if r1 == 0 {
			break
		}
		if r1 != R1Idle {
			return nil, statusError(41, r1, "initialisation rejected")
		}
		if time.Now().After(deadline) {
			return nil, statusError(41, r1, "card stayed idle")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if info.Version == 2 {
		r1, err := l.command(58, 0)
		if err != nil {
			return nil, err
		}
		if r1 != 0 {
			return nil, statusError(58, r1, "OCR read rejected")
		}
		ocr, err := l.take(4)
		if err != nil {
			return nil, linkError(58, err)
		}
		info.HighCapacity = ocr[0]&0x40 != 0
	}

	blocks, err := readCapacity(l)
	if err != nil {
		return nil, err
	}
	info.Blocks = blocks

	if !info.HighCapacity {
		r1, err := l.command(16, BlockSize)
		if err != nil {
			return nil, err
		}
		if r1 != 0 {
			return nil, statusError(16, r1, "block length rejected")
		}
	}
	return &Card{info: info}, nil
}

// readCapacity reads the CSD register and returns the number of 512-byte
// blocks.
func readCapacity(l *link) (uint32, error) {
	r1, err := l.command(9, 0)
	if err != nil {
		return 0, err
	}
	if r1 != 0 {
		return 0, statusError(9, r1, "CSD read rejected")
	}
	csd, err := l.readPacket(9, 16)
	if err != nil {
		return 0, err
	}
	return csdBlocks(csd)
}

func csdBlocks(csd []byte) (uint32, error) {
	switch csd[0] >> 6 {
	case 0:
		readBlLen := uint(csd[5] & 0x0F)
		size := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8])>>6
		mult := uint(csd[9]&0x03)<<1 | uint(csd[10])>>7
		bytes := uint64(size+1) << (mult + 2 + readBlLen)
		return uint32(bytes >> BlockShift), nil
	case 1:
		size := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		return (size + 1) << 10, nil
	default:
		return 0, statusError(9, csd[0], fmt.Sprintf("unknown CSD structure %d", csd[0]>>6))
	}
}

func (c *Card) address(lba uint32) uint32 {
	if c.info.HighCapacity {
		return lba
	}
	return lba << BlockShift
}

func (c *Card) checkRange(lba uint32, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("%w: buffer of %d bytes is not a whole number of blocks", parspi.ErrTransferFailure, len(buf))
	}
	count := len(buf) / BlockSize
	if uint64(lba)+uint64(count) > uint64(c.info.Blocks) {
		return 0, fmt.Errorf("%w: blocks %d+%d beyond card end %d", parspi.ErrTransferFailure, lba, count, c.info.Blocks)
	}
	return count, nil
}

// ReadBlocks reads len(buf)/512 blocks starting at lba. Single blocks use
// CMD17; longer reads stream with CMD18 and stop with CMD12.
func (c *Card) ReadBlocks(ctx context.Context, bus Bus, lba uint32, buf []byte) error {
	count, err := c.checkRange(lba, buf)
	if err != nil {
		return err
	}
	if err := bus.Select(ctx, true); err != nil {
		return linkError(17, err)
	}
	err = c.readBlocks(newLink(ctx, bus), lba, count, buf)
	if derr := bus.Select(ctx, false); err == nil && derr != nil {
		err = linkError(17, derr)
	}
	return err
}

func (c *Card) readBlocks(l *link, lba uint32, count int, buf []byte) error {
	index := byte(17)
	if count > 1 {
		index = 18
	}
	r1, err := l.command(index, c.address(lba))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return statusError(index, r1, "read rejected")
	}

	for i := range count {
		data, err := l.readPacket(index, BlockSize)
		if err != nil {
			return err
		}
		copy(buf[i*BlockSize:], data)
	}

	if count > 1 {
		r1, err := l.command(12, 0)
		if err != nil {
			return err
		}
		if r1 != 0 {
			return statusError(12, r1, "stop rejected")
		}
	}
	return nil
}

// WriteBlocks writes len(buf)/512 blocks starting at lba. Single blocks use
// CMD24; longer writes use CMD25 and the stop token.
func (c *Card) WriteBlocks(ctx context.Context, bus Bus, lba uint32, buf []byte) error {
	count, err := c.checkRange(lba, buf)
	if err != nil {
		return err
	}
	if err := bus.Select(ctx, true); err != nil {
		return linkError(24, err)
	}
	err = c.writeBlocks(newLink(ctx, bus), lba, count, buf)
	if derr := bus.Select(ctx, false); err == nil && derr != nil {
		err = linkError(24, derr)
	}
	return err
}

func (c *Card) writeBlocks(l *link, lba uint32, count int, buf []byte) error {
	if count == 1 {
		r1, err := l.command(24, c.address(lba))
		if err != nil {
			return err
		}
		if r1 != 0 {
			return statusError(24, r1, "write rejected")
		}
		return l.writePacket(24, tokenStartBlock, buf[:BlockSize])
	}

	r1, err := l.command(25, c.address(lba))
	if err != nil {
		return err
	}
	if r1 != 0 {
		return statusError(25, r1, "write rejected")
	}
	for i := range count {
		if err := l.writePacket(25, tokenMultiWrite, buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return l.stopWrite()
}
