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
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/ZaparooProject/go-parspi/disk"
)

// Largest transfer one stress round issues, in sectors.
const maxStressSectors = 16

type stressOptions struct {
	report     string
	iterations int
	seed       uint64
}

// StressResult summarises a stress run.
type StressResult struct {
	Rounds       int           `json:"rounds"`
	Failures     int           `json:"failures"`
	BytesWritten int64         `json:"bytes_written"`
	BytesRead    int64         `json:"bytes_read"`
	Elapsed      time.Duration `json:"elapsed"`
	Seed         uint64        `json:"seed"`
}

// FailureReport describes the first failed round.
type FailureReport struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Error       string    `json:"error,omitempty"`
	ExpectedHex string    `json:"expected_hex,omitempty"`
	ActualHex   string    `json:"actual_hex,omitempty"`
	Round       int       `json:"round"`
	Sector      uint32    `json:"sector"`
	Count       int       `json:"count"`
	Offset      int       `json:"offset,omitempty"`
	Seed        uint64    `json:"seed"`
}

var errVerifyMismatch = errors.New("read back data does not match")

// runStress writes random runs of sectors at random positions, reads them
// back and compares. It stops at the first failure.
func runStress(ctx context.Context, d *disk.Disk, opts stressOptions, out io.Writer) (StressResult, error) {
	g, err := d.GetGeometry()
	if err != nil {
		return StressResult{}, err
	}
	seed := opts.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	res := StressResult{Seed: seed}
	start := time.Now()

	_, _ = fmt.Fprintf(out, "Stress: %d rounds over %d sectors (seed %d)\n", opts.iterations, g.TotalSectors, seed)

	wbuf := make([]byte, maxStressSectors*disk.SectorSize)
	rbuf := make([]byte, len(wbuf))
	for round := 1; round <= opts.iterations; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		count := 1 + rng.IntN(min(maxStressSectors, int(g.TotalSectors)))
		sector := uint32(rng.IntN(int(g.TotalSectors) - count + 1))
		n := count * disk.SectorSize
		for i := range wbuf[:n] {
			wbuf[i] = byte(rng.Uint32())
		}

		fail := func(op string, err error) (StressResult, error) {
			res.Failures++
			res.Elapsed = time.Since(start)
			rep := FailureReport{
				Timestamp: time.Now(),
				Operation: op,
				Round:     round,
				Sector:    sector,
				Count:     count,
				Seed:      seed,
			}
			if err != nil {
				rep.Error = err.Error()
			}
			if errors.Is(err, errVerifyMismatch) {
				off := firstDifference(wbuf[:n], rbuf[:n])
				end := min(off+32, n)
				rep.Offset = off
				rep.ExpectedHex = hex.EncodeToString(wbuf[off:end])
				rep.ActualHex = hex.EncodeToString(rbuf[off:end])
			}
			if werr := writeReport(opts.report, rep); werr != nil {
				_, _ = fmt.Fprintf(out, "Failed to write report: %v\n", werr)
			}
			return res, fmt.Errorf("round %d %s sectors %d+%d: %w", round, op, sector, count, err)
		}

		if err := d.Write(ctx, sector, count, wbuf); err != nil {
			return fail("write", err)
		}
		res.BytesWritten += int64(n)
		if err := d.Read(ctx, sector, count, rbuf); err != nil {
			return fail("read", err)
		}
		res.BytesRead += int64(n)
		if !bytes.Equal(wbuf[:n], rbuf[:n]) {
			return fail("verify", errVerifyMismatch)
		}
		res.Rounds++
	}

	res.Elapsed = time.Since(start)
	_, _ = fmt.Fprintf(out, "Stress: %d rounds ok, %d bytes each way in %s\n",
		res.Rounds, res.BytesWritten, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func firstDifference(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return 0
}

func writeReport(path string, rep FailureReport) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
