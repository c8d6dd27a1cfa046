package syncutil

import "sync"

// NewCond returns a condition variable whose waiters release m.
// Waiters must hold m when calling Wait, as with sync.Cond.
func NewCond(m *Mutex) *sync.Cond {
	return sync.NewCond(m)
}
