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

package device

import (
	"go.uber.org/zap"

	"github.com/ZaparooProject/go-parspi"
)

// State is the position of the worker in the session state machine.
type State int32

const (
	StateIdle State = iota
	StateDecoding
	StateExtendedWait
	StateExecuting
	StateSessionHold
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateExtendedWait:
		return "extended-wait"
	case StateExecuting:
		return "executing"
	case StateSessionHold:
		return "session-hold"
	default:
		return "unknown"
	}
}

// Dispatch selects how the worker learns about REQ and CDET changes.
type Dispatch int

const (
	// DispatchPolling samples REQ and CDET inside every wait of the worker.
	DispatchPolling Dispatch = iota
	// DispatchInterrupt installs edge handlers that only record the new REQ
	// level and arm IRQ on CDET changes. The worker reads the recorded state.
	// The port must implement EdgeNotifier.
	DispatchInterrupt
)

func (d Dispatch) String() string {
	if d == DispatchInterrupt {
		return "interrupt"
	}
	return "polling"
}

// Stats counts worker activity since Run started.
type Stats struct {
	Sessions     uint64 // Sessions that reached Decoding
	Aborted      uint64 // Sessions ended by REQ before the command finished
	Malformed    uint64 // Commands with an undefined control opcode
	BusFaults    uint64 // Card bus errors during a session
	BytesRead    uint64 // Bytes driven to the host
	BytesWritten uint64 // Bytes sent to the card from the host
	IRQs         uint64 // IRQ assertions
}

// Config holds device configuration options
type Config struct {
	Logger   *zap.SugaredLogger
	Dispatch Dispatch
}

// DefaultConfig returns the default device configuration
func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchPolling,
		Logger:   parspi.Logger().Named("device"),
	}
}
