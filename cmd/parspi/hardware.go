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
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/disk"
	"github.com/ZaparooProject/go-parspi/host"
	"github.com/ZaparooProject/go-parspi/internal/rt"
	"github.com/ZaparooProject/go-parspi/transport/periph"
)

func layoutFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  flagLayout,
		Value: "rpi",
		Usage: "pin layout: " + strings.Join(periph.Layouts(), ", "),
	}
}

func openLayout(c *cli.Context) (periph.Layout, error) {
	l, err := periph.LayoutByName(c.String(flagLayout))
	if err != nil {
		return l, err
	}
	return l, periph.Init()
}

func deviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "run the controller end on GPIO and SPI pins",
		Flags: []cli.Flag{
			layoutFlag(),
			&cli.StringFlag{Name: flagDispatch, Value: "polling", Usage: "polling or interrupt"},
			&cli.IntFlag{Name: flagCPU, Value: -1, Usage: "pin the worker to this CPU"},
		},
		Action: func(c *cli.Context) error {
			dispatch, err := parseDispatch(c.String(flagDispatch))
			if err != nil {
				return err
			}
			l, err := openLayout(c)
			if err != nil {
				return err
			}
			return runDevice(c.Context, l, dispatch, c.Int(flagCPU))
		},
	}
}

func runDevice(ctx context.Context, l periph.Layout, dispatch device.Dispatch, cpu int) (err error) {
	if cpu >= 0 {
		if err := rt.ValidateCPU(cpu); err != nil {
			return err
		}
	}

	port, err := periph.OpenDevicePort(l)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, port.Close()) }()

	bus, err := periph.OpenBus(l)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, bus.Close()) }()

	if cpu >= 0 {
		restore, perr := rt.PinToCPU(cpu)
		if perr != nil {
			return perr
		}
		defer restore()
	}

	log := parspi.Logger().Named("device")
	log.Infow("device worker starting", "layout", l.Name, "dispatch", dispatch.String(), "cpu", cpu)
	dev := device.New(port, bus, &device.Config{Logger: log, Dispatch: dispatch})
	if rerr := dev.Run(ctx); rerr != nil && !errors.Is(rerr, context.Canceled) {
		return rerr
	}
	st := dev.Stats()
	log.Infow("device worker stopped",
		"sessions", st.Sessions, "aborted", st.Aborted, "malformed", st.Malformed, "bus_faults", st.BusFaults)
	return port.Err()
}

// withDisk opens the host end on the layout's pins, mounts the card and
// runs fn.
func withDisk(c *cli.Context, fn func(ctx context.Context, d *disk.Disk) error) (err error) {
	l, err := openLayout(c)
	if err != nil {
		return err
	}
	port, err := periph.OpenHostPort(l, c.Duration(flagSettle))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, port.Err(), port.Close()) }()

	h, err := host.New(port)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	ctx := c.Context
	d, err := disk.Open(ctx, h, port)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, d.Close(context.WithoutCancel(ctx))) }()
	return fn(ctx, d)
}

func hostCommand() *cli.Command {
	flags := []cli.Flag{
		layoutFlag(),
		&cli.DurationFlag{Name: flagSettle, Value: periph.DefaultSettleDelay, Usage: "delay after each line change"},
	}
	sectorFlags := func(withCount bool) []cli.Flag {
		fs := []cli.Flag{
			&cli.UintFlag{Name: flagSector, Usage: "first sector"},
			&cli.StringFlag{Name: flagFile, Required: true, Usage: "data `FILE`"},
		}
		if withCount {
			fs = append(fs, &cli.IntFlag{Name: flagCount, Value: 1, Usage: "number of sectors"})
		}
		return fs
	}

	return &cli.Command{
		Name:  "host",
		Usage: "talk to a controller over GPIO pins",
		Flags: flags,
		Subcommands: []*cli.Command{
			{
				Name:  "info",
				Usage: "print card presence and geometry",
				Action: func(c *cli.Context) error {
					return withDisk(c, func(_ context.Context, d *disk.Disk) error {
						return printInfo(c.App.Writer, d)
					})
				},
			},
			{
				Name:  "read",
				Usage: "read sectors into a file",
				Flags: sectorFlags(true),
				Action: func(c *cli.Context) error {
					return withDisk(c, func(ctx context.Context, d *disk.Disk) error {
						buf := make([]byte, c.Int(flagCount)*disk.SectorSize)
						if err := d.Read(ctx, uint32(c.Uint(flagSector)), c.Int(flagCount), buf); err != nil {
							return err
						}
						if err := os.WriteFile(c.String(flagFile), buf, 0o600); err != nil {
							return fmt.Errorf("write %s: %w", c.String(flagFile), err)
						}
						return nil
					})
				},
			},
			{
				Name:  "write",
				Usage: "write a file to sectors",
				Flags: sectorFlags(false),
				Action: func(c *cli.Context) error {
					return withDisk(c, func(ctx context.Context, d *disk.Disk) error {
						return writeFile(ctx, d, uint32(c.Uint(flagSector)), c.String(flagFile))
					})
				},
			},
			{
				Name:  "watch",
				Usage: "print media changes until interrupted",
				Action: func(c *cli.Context) error {
					return withDisk(c, func(ctx context.Context, d *disk.Disk) error {
						since := d.GetChangeNumber()
						for {
							s, err := d.WaitChange(ctx, since)
							if err != nil {
								return err
							}
							printChange(c.App.Writer, s)
							since = s.ChangeNumber
						}
					})
				},
			},
			{
				Name:  "stress",
				Usage: "write, read back and verify random sectors",
				Flags: stressFlags(),
				Action: func(c *cli.Context) error {
					return withDisk(c, func(ctx context.Context, d *disk.Disk) error {
						_, err := runStress(ctx, d, stressOptions{
							iterations: c.Int(flagIterations),
							seed:       c.Uint64(flagSeed),
							report:     c.String(flagReport),
						}, c.App.Writer)
						return err
					})
				},
			},
		},
	}
}

// writeFile writes path to the disk starting at sector, padding the last
// sector with zeros.
func writeFile(ctx context.Context, d *disk.Disk, sector uint32, path string) error {
	if path == "" {
		return errors.New("no input file given")
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is an explicit CLI argument
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return errors.New("input file is empty")
	}
	count := (len(data) + disk.SectorSize - 1) / disk.SectorSize
	buf := make([]byte, count*disk.SectorSize)
	copy(buf, data)

	start := time.Now()
	if err := d.Write(ctx, sector, count, buf); err != nil {
		return err
	}
	parspi.Logger().Infow("wrote file", "path", path, "sectors", count, "elapsed", time.Since(start))
	return nil
}
