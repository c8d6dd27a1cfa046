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

package parspi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error categories for better error handling and retry logic
var (
	// Link errors - the device stopped answering
	ErrDeviceFault     = errors.New("device fault: no ACT within retry budget")
	ErrProtocolTimeout = errors.New("protocol timeout: CLK transition not acknowledged")
	ErrChannelClosed   = errors.New("channel is closed")

	// Card errors - surfaced by the block device layer
	ErrCardAbsent      = errors.New("card absent")
	ErrCardOpenFailure = errors.New("card present but could not be opened")
	ErrTransferFailure = errors.New("card transfer failed")

	// Protocol errors - never signalled on the wire
	ErrMalformedCommand = errors.New("malformed command")
	ErrInvalidLength    = errors.New("invalid transfer length")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// SessionError wraps a failed session with the command it was running and
// how far the transfer got before the failure.
type SessionError struct {
	Err     error     // Underlying error
	Op      string    // Primitive that opened the session
	Command Command   // Command being executed
	Done    int       // Data bytes completed before the failure
	Type    ErrorType // Error category
}

func (e *SessionError) Error() string {
	if e.Command.IsTransfer() {
		return fmt.Sprintf("%s %s: %v after %d of %d bytes", e.Op, e.Command, e.Err, e.Done, e.Command.Count)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Command, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the session may succeed.
func (e *SessionError) Retryable() bool {
	return e.Type != ErrorTypePermanent
}

// NewSessionError classifies err and wraps it with session context.
func NewSessionError(op string, cmd Command, done int, err error) *SessionError {
	t := ErrorTypePermanent
	switch {
	case errors.Is(err, ErrProtocolTimeout):
		t = ErrorTypeTimeout
	case errors.Is(err, ErrDeviceFault):
		t = ErrorTypeTransient
	}
	return &SessionError{Op: op, Command: cmd, Done: done, Err: err, Type: t}
}

// IsRetryable determines if an error should trigger a retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return errors.Is(err, ErrProtocolTimeout) || errors.Is(err, ErrDeviceFault)
}

// IsFatal reports whether the error means the card or the link is gone and
// the caller should stop issuing requests until presence changes.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCardAbsent) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, context.Canceled)
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds wire-level trace data in errors, allowing callers to
// see which bytes crossed the data bus before a session failed.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data the host drove onto the bus
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data the host sampled from the bus
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := formatHexBytes(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data for debugging.
//
//	var te *parspi.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err   error
	Side  string
	Trace []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Side)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Wire trace (%d entries):\n", e.Side, len(e.Trace))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		hexData := formatHexBytes(entry.Data)
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, hexData, entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, hexData)
		}
	}

	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > 32 {
		parts := make([]string, 32)
		for i := range 32 {
			parts[i] = fmt.Sprintf("%02X", data[i])
		}
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// TraceBuffer collects trace entries during a session.
// It keeps only the most recent maxSize entries.
type TraceBuffer struct {
	side    string
	entries []TraceEntry
	maxSize int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(side string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		entries: make([]TraceEntry, 0, maxSize),
		maxSize: maxSize,
		side:    side,
	}
}

// RecordTX records bytes driven onto the bus
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records bytes sampled from the bus
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records a timeout event
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Direction: dir,
		Data:      dataCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Len returns the number of recorded entries.
func (tb *TraceBuffer) Len() int {
	return len(tb.entries)
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}

	entriesCopy := make([]TraceEntry, len(tb.entries))
	copy(entriesCopy, tb.entries)

	return &TraceableError{
		Err:   err,
		Trace: entriesCopy,
		Side:  tb.side,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
