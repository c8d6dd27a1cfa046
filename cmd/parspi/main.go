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

// Command parspi runs either end of the parallel SPI bridge, or both ends
// in one process against a simulated card.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
)

const (
	flagDebug      = "debug"
	flagSessionLog = "session-log"
	flagLayout     = "layout"
	flagDispatch   = "dispatch"
	flagCPU        = "cpu"
	flagSector     = "sector"
	flagCount      = "count"
	flagFile       = "file"
	flagBlocks     = "blocks"
	flagIterations = "iterations"
	flagSeed       = "seed"
	flagReport     = "report"
	flagSettle     = "settle"
)

func parseDispatch(s string) (device.Dispatch, error) {
	switch s {
	case "polling":
		return device.DispatchPolling, nil
	case "interrupt":
		return device.DispatchInterrupt, nil
	default:
		return 0, fmt.Errorf("unknown dispatch mode %q (want polling or interrupt)", s)
	}
}

func stressFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: flagIterations, Value: 32, Usage: "number of write/read/verify rounds"},
		&cli.Uint64Flag{Name: flagSeed, Usage: "random seed, 0 picks one"},
		&cli.StringFlag{Name: flagReport, Usage: "write a JSON failure report to `FILE`"},
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "parspi",
		Usage:     "parallel-port SPI bridge for SD cards",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
			&cli.BoolFlag{Name: flagSessionLog, Usage: "write debug output to a session log file"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				parspi.SetDebugEnabled(true)
			}
			if c.Bool(flagSessionLog) {
				path, err := parspi.InitSessionLog()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.App.ErrWriter, "Session log: %s\n", path)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			path := parspi.SessionLogPath()
			if err := parspi.CloseSessionLog(); err != nil {
				return err
			}
			if path != "" {
				_, _ = fmt.Fprintf(c.App.ErrWriter, "Session log saved: %s\n", path)
			}
			return nil
		},
		Commands: []*cli.Command{
			simulateCommand(),
			deviceCommand(),
			hostCommand(),
		},
	}
}

func main() {
	os.Exit(mainWithExitCode(os.Args))
}

func mainWithExitCode(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, args); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
