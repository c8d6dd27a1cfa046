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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/disk"
	"github.com/ZaparooProject/go-parspi/host"
	testutil "github.com/ZaparooProject/go-parspi/internal/testing"
	"github.com/ZaparooProject/go-parspi/presence"
)

const (
	flagStandardCapacity = "sdsc"
	flagDebounce         = "debounce"
)

type simulateOptions struct {
	stress   stressOptions
	blocks   uint32
	dispatch device.Dispatch
	debounce time.Duration
	sdsc     bool
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "run host and device in one process against a virtual card",
		Flags: append([]cli.Flag{
			&cli.UintFlag{Name: flagBlocks, Value: 65536, Usage: "card size in 512-byte blocks"},
			&cli.BoolFlag{Name: flagStandardCapacity, Usage: "emulate a byte-addressed SDSC card"},
			&cli.StringFlag{Name: flagDispatch, Value: "interrupt", Usage: "device dispatch: polling or interrupt"},
			&cli.DurationFlag{Name: flagDebounce, Value: 10 * time.Millisecond, Usage: "media-change debounce"},
		}, stressFlags()...),
		Action: func(c *cli.Context) error {
			dispatch, err := parseDispatch(c.String(flagDispatch))
			if err != nil {
				return err
			}
			return runSimulate(c.Context, simulateOptions{
				blocks:   uint32(c.Uint(flagBlocks)),
				sdsc:     c.Bool(flagStandardCapacity),
				dispatch: dispatch,
				debounce: c.Duration(flagDebounce),
				stress: stressOptions{
					iterations: c.Int(flagIterations),
					seed:       c.Uint64(flagSeed),
					report:     c.String(flagReport),
				},
			}, c.App.Writer)
		},
	}
}

// runSimulate wires a device worker and a host to one cable, mounts the
// virtual card, stresses it, then pulls and reinserts it.
func runSimulate(ctx context.Context, opts simulateOptions, out io.Writer) error {
	cfg := testutil.DefaultCardConfig()
	cfg.Blocks = opts.blocks
	cfg.HighCapacity = !opts.sdsc

	cable := testutil.NewCable()
	cable.SetCardPresent(true)
	dev := device.New(cable.Device(), testutil.NewVirtualCard(cfg), &device.Config{
		Logger:   parspi.Logger().Named("device"),
		Dispatch: opts.dispatch,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := dev.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("device worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		h, err := host.New(cable.Host(), host.WithSlowByteDelay(0))
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()

		d, err := disk.Open(gctx, h, cable.Host(), disk.WithDebounce(opts.debounce))
		if err != nil {
			return err
		}
		defer func() { _ = d.Close(context.WithoutCancel(gctx)) }()

		if err := printInfo(out, d); err != nil {
			return err
		}
		if _, err := runStress(gctx, d, opts.stress, out); err != nil {
			return err
		}

		for _, present := range []bool{false, true} {
			since := d.GetChangeNumber()
			cable.SetCardPresent(present)
			s, err := d.WaitChange(gctx, since)
			if err != nil {
				return err
			}
			printChange(out, s)
		}

		st := h.Stats()
		ds := dev.Stats()
		_, _ = fmt.Fprintf(out, "Host: %d sessions, %d bytes read, %d bytes written\n",
			st.Sessions, st.BytesRead, st.BytesWritten)
		_, _ = fmt.Fprintf(out, "Device: %d sessions, %d aborted, %d IRQs, bus contention %d\n",
			ds.Sessions, ds.Aborted, ds.IRQs, cable.Contention())
		return nil
	})

	return g.Wait()
}

func printInfo(out io.Writer, d *disk.Disk) error {
	if !d.IsPresent() {
		_, _ = fmt.Fprintln(out, "No card present")
		return nil
	}
	g, err := d.GetGeometry()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Card: %d sectors of %d bytes (%d MiB), %d cylinders x %d heads x %d sectors\n",
		g.TotalSectors, g.SectorSize, uint64(g.TotalSectors)*uint64(g.SectorSize)>>20,
		g.Cylinders, g.Heads, g.TrackSectors)
	return nil
}

func printChange(out io.Writer, s presence.State) {
	state := "removed"
	if s.Present {
		state = "inserted"
	}
	_, _ = fmt.Fprintf(out, "Media change %d: card %s\n", s.ChangeNumber, state)
}
