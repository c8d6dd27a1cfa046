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

//go:build !linux

package rt

import "runtime"

// Supported reports whether PinToCPU has an effect on this platform.
const Supported = false

// PinToCPU locks the calling goroutine to its OS thread. Thread affinity is
// not available here, so cpu is ignored.
func PinToCPU(int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}

// AllowedCPUs returns every logical CPU.
func AllowedCPUs() []int {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}
