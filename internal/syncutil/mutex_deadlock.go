//go:build deadlock

// Package syncutil provides the locks shared by the host channel, the device
// arming state and the in-process cable. Building with -tags=deadlock swaps
// them for github.com/sasha-s/go-deadlock so a stuck session lock is reported.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}
