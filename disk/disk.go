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

// Package disk exposes an SD card behind the bridge as a removable block
// device: sector I/O, geometry and media-change tracking driven by the
// device's IRQ line.
package disk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/host"
	"github.com/ZaparooProject/go-parspi/internal/syncutil"
	"github.com/ZaparooProject/go-parspi/presence"
	"github.com/ZaparooProject/go-parspi/sd"
)

// Geometry constants reported for every card.
const (
	SectorSize   = sd.BlockSize
	SectorShift  = sd.BlockShift
	Heads        = 16
	TrackSectors = 256
	CylSectors   = Heads * TrackSectors
)

// ErrUnaligned is returned by ReadAt and WriteAt for offsets or lengths
// that are not whole sectors.
var ErrUnaligned = errors.New("access not sector aligned")

// Geometry describes the medium for callers that still think in CHS.
type Geometry struct {
	SectorSize   uint32
	TotalSectors uint32
	Cylinders    uint32
	Heads        uint32
	TrackSectors uint32
	CylSectors   uint32
}

// Config holds disk options.
type Config struct {
	Logger   *zap.SugaredLogger
	Presence []presence.Option
	Card     []sd.Option
}

// Option configures Open.
type Option func(*Config)

// WithLogger sets the logger for the disk and its notifier.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithDebounce sets the media-change debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) { c.Presence = append(c.Presence, presence.WithDebounce(d)) }
}

// WithClock sets the clock used for debouncing.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Presence = append(c.Presence, presence.WithClock(clk)) }
}

// WithCardOptions passes options through to sd.Open on every mount.
func WithCardOptions(opts ...sd.Option) Option {
	return func(c *Config) { c.Card = append(c.Card, opts...) }
}

// Disk is a removable SD card reached through a bridge host.
type Disk struct {
	host     *host.Host
	notifier *presence.Notifier
	log      *zap.SugaredLogger
	cancel   context.CancelFunc
	cardOpts []sd.Option

	mu   syncutil.Mutex
	card *sd.Card
}

// Open queries the card-detect switch, mounts the card if one is present
// and starts tracking media changes on irq. It fails only when the device
// cannot be reached; an unreadable card leaves the disk open with I/O
// returning parspi.ErrCardOpenFailure.
func Open(ctx context.Context, h *host.Host, irq presence.IRQSource, opts ...Option) (*Disk, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = parspi.Logger().Named("disk")
	}

	d := &Disk{
		host:     h,
		log:      cfg.Logger,
		cardOpts: append([]sd.Option{sd.WithLogger(cfg.Logger.Named("sd"))}, cfg.Card...),
	}

	present, err := d.check(ctx)
	if err != nil && !present {
		return nil, fmt.Errorf("query card presence: %w", err)
	}

	popts := append([]presence.Option{presence.WithLogger(cfg.Logger.Named("presence"))}, cfg.Presence...)
	d.notifier = presence.New(irq, d.check, present, popts...)

	// The notifier outlives the open call.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	if err := d.notifier.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start presence notifier: %w", err)
	}

	d.log.Infow("disk opened", "present", present, "mounted", d.mounted() != nil)
	return d, nil
}

// check is the presence probe: query CDET and mount the card when present,
// all under one priority lease so no queued I/O sees a half-mounted card.
func (d *Disk) check(ctx context.Context) (bool, error) {
	var present bool
	err := d.host.DoPriority(ctx, func(l *host.Lease) error {
		var err error
		present, err = l.QueryPresent(ctx)
		if err != nil || !present {
			return err
		}
		card, err := sd.Open(ctx, l, d.cardOpts...)
		if err != nil {
			return fmt.Errorf("%w: %w", parspi.ErrCardOpenFailure, err)
		}
		d.setCard(card)
		return nil
	})
	if err != nil || !present {
		d.setCard(nil)
	}
	return present, err
}

func (d *Disk) setCard(c *sd.Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.card = c
}

func (d *Disk) mounted() *sd.Card {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.card
}

func (d *Disk) usable() (*sd.Card, error) {
	if !d.notifier.Present() {
		return nil, parspi.ErrCardAbsent
	}
	card := d.mounted()
	if card == nil {
		return nil, parspi.ErrCardOpenFailure
	}
	return card, nil
}

func (*Disk) span(sector uint32, count int, buf []byte) ([]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: sector count %d", parspi.ErrTransferFailure, count)
	}
	if count > len(buf)>>SectorShift {
		return nil, fmt.Errorf("%w: buffer of %d bytes too small for %d sectors", parspi.ErrTransferFailure, len(buf), count)
	}
	return buf[:count<<SectorShift], nil
}

// Read reads count sectors starting at sector into buf.
func (d *Disk) Read(ctx context.Context, sector uint32, count int, buf []byte) error {
	card, err := d.usable()
	if err != nil {
		return err
	}
	b, err := d.span(sector, count, buf)
	if err != nil {
		return err
	}
	return d.host.Do(ctx, func(l *host.Lease) error {
		return card.ReadBlocks(ctx, l, sector, b)
	})
}

// Write writes count sectors from buf starting at sector.
func (d *Disk) Write(ctx context.Context, sector uint32, count int, buf []byte) error {
	card, err := d.usable()
	if err != nil {
		return err
	}
	b, err := d.span(sector, count, buf)
	if err != nil {
		return err
	}
	return d.host.Do(ctx, func(l *host.Lease) error {
		return card.WriteBlocks(ctx, l, sector, b)
	})
}

func sectorsFor(p []byte, off int64) (uint32, int, error) {
	if off < 0 || off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, 0, fmt.Errorf("%w: offset %d length %d", ErrUnaligned, off, len(p))
	}
	if off>>SectorShift > int64(^uint32(0)) {
		return 0, 0, fmt.Errorf("%w: offset %d beyond addressable range", parspi.ErrTransferFailure, off)
	}
	return uint32(off >> SectorShift), len(p) >> SectorShift, nil
}

// ReadAt implements io.ReaderAt for sector-aligned offsets and lengths.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	sector, count, err := sectorsFor(p, off)
	if err != nil || count == 0 {
		return 0, err
	}
	if err := d.Read(context.Background(), sector, count, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt for sector-aligned offsets and lengths.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	sector, count, err := sectorsFor(p, off)
	if err != nil || count == 0 {
		return 0, err
	}
	if err := d.Write(context.Background(), sector, count, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetGeometry reports the mounted card's geometry.
func (d *Disk) GetGeometry() (Geometry, error) {
	card, err := d.usable()
	if err != nil {
		return Geometry{}, err
	}
	total := card.Info().Blocks
	return Geometry{
		SectorSize:   SectorSize,
		TotalSectors: total,
		Cylinders:    total / CylSectors,
		Heads:        Heads,
		TrackSectors: TrackSectors,
		CylSectors:   CylSectors,
	}, nil
}

// GetChangeNumber returns the media-change counter.
func (d *Disk) GetChangeNumber() uint32 {
	return d.notifier.ChangeNumber()
}

// IsPresent reports the cached card presence.
func (d *Disk) IsPresent() bool {
	return d.notifier.Present()
}

// ChangeState returns presence and change number as one consistent pair.
func (d *Disk) ChangeState() presence.State {
	return d.notifier.State()
}

// RegisterChangeCallback calls fn after every media change. The returned
// function unregisters it.
func (d *Disk) RegisterChangeCallback(fn func(presence.State)) func() {
	return d.notifier.RegisterChangeCallback(fn)
}

// WaitChange blocks until the change number moves past since.
func (d *Disk) WaitChange(ctx context.Context, since uint32) (presence.State, error) {
	return d.notifier.WaitChange(ctx, since)
}

// Metrics returns the media-change notifier counters.
func (d *Disk) Metrics() presence.Metrics {
	return d.notifier.Metrics()
}

// Close stops media-change tracking, releases the card's chip-select and
// drops the bus back to slow speed. The host stays open.
func (d *Disk) Close(ctx context.Context) error {
	d.notifier.Stop()
	d.cancel()

	var err error
	if d.mounted() != nil {
		err = multierr.Combine(
			d.host.Deselect(ctx),
			d.host.SetSpeed(ctx, parspi.SpeedSlow),
		)
	}
	d.setCard(nil)
	if err != nil && !errors.Is(err, parspi.ErrChannelClosed) {
		return fmt.Errorf("close disk: %w", err)
	}
	return nil
}
