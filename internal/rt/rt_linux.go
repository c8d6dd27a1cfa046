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

//go:build linux

package rt

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Supported reports whether PinToCPU has an effect on this platform.
const Supported = true

// PinToCPU locks the calling goroutine to its OS thread and restricts that
// thread to cpu. The returned function undoes both.
func PinToCPU(cpu int) (func(), error) {
	var set unix.CPUSet
	if cpu >= 0 {
		set.Set(cpu)
	}
	if set.Count() == 0 {
		return nil, fmt.Errorf("cpu %d out of range", cpu)
	}

	runtime.LockOSThread()
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("read CPU affinity: %w", err)
	}

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("pin thread to cpu %d: %w", cpu, err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &prev)
		runtime.UnlockOSThread()
	}, nil
}

// AllowedCPUs returns the CPUs the process may run on.
func AllowedCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	var cpus []int
	for i := 0; set.Count() > len(cpus); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}
