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

package sd

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-parspi"
)

// R1 status bits.
const (
	R1Idle         = 0x01
	R1EraseReset   = 0x02
	R1IllegalCmd   = 0x04
	R1CRCError     = 0x08
	R1EraseSeq     = 0x10
	R1AddressError = 0x20
	R1ParamError   = 0x40
)

// CardError reports a card that answered with an error status or did not
// answer at all. It matches parspi.ErrTransferFailure with errors.Is.
type CardError struct {
	Err       error  // Link error, if the card could not be reached
	Reason    string // What went wrong
	Cmd       byte   // SD command index
	Status    byte   // R1 or data response byte
	transient bool
}

func (e *CardError) Error() string {
	msg := fmt.Sprintf("sd: CMD%d: %s", e.Cmd, e.Reason)
	if e.Status != 0 && e.Status != 0xFF {
		msg += fmt.Sprintf(" (status 0x%02X)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the transfer-failure category and the link error.
func (e *CardError) Unwrap() []error {
	if e.Err == nil {
		return []error{parspi.ErrTransferFailure}
	}
	return []error{parspi.ErrTransferFailure, e.Err}
}

// Retryable reports whether repeating the operation may succeed.
func (e *CardError) Retryable() bool {
	if e.Err != nil {
		return parspi.IsRetryable(e.Err)
	}
	return e.transient
}

func statusError(cmd, status byte, reason string) *CardError {
	return &CardError{Cmd: cmd, Status: status, Reason: reason}
}

func linkError(cmd byte, err error) error {
	var ce *CardError
	if errors.As(err, &ce) {
		return err
	}
	return &CardError{Cmd: cmd, Reason: "link failure", Err: err}
}
