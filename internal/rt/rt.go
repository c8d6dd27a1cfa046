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

// Package rt pins busy-polling goroutines to a CPU.
package rt

import (
	"fmt"
	"slices"
)

// ValidateCPU returns an error unless the process may run on cpu.
func ValidateCPU(cpu int) error {
	allowed := AllowedCPUs()
	if slices.Contains(allowed, cpu) {
		return nil
	}
	return fmt.Errorf("cpu %d is not available, allowed CPUs: %v", cpu, allowed)
}
