package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitteryBus_PassesThrough(t *testing.T) {
	t.Parallel()

	j := NewJitteryBus(NewLoopback(0), JitterConfig{MaxLatency: 10 * time.Microsecond, Seed: 12345})
	for i := range 32 {
		r, err := j.Exchange(byte(i))
		require.NoError(t, err)
		assert.Equal(t, byte(i), r)
	}
	assert.Equal(t, 32, j.Exchanges())
}

func TestJitteryBus_StallsUntilRelease(t *testing.T) {
	t.Parallel()

	j := NewJitteryBus(NewLoopback(0), JitterConfig{StallAfter: 2, Seed: 1})
	_, err := j.Exchange(0x01)
	require.NoError(t, err)

	done := make(chan byte, 1)
	go func() {
		r, _ := j.Exchange(0x02)
		done <- r
	}()

	select {
	case <-done:
		t.Fatal("exchange did not stall")
	case <-time.After(30 * time.Millisecond):
	}

	j.Release()
	select {
	case r := <-done:
		assert.Equal(t, byte(0x02), r)
	case <-time.After(time.Second):
		t.Fatal("exchange still stalled after release")
	}
	j.Release()
}

func TestJitteryBus_FailsAfterCount(t *testing.T) {
	t.Parallel()

	j := NewJitteryBus(NewLoopback(0), JitterConfig{FailAfter: 3, Seed: 1})
	for range 3 {
		_, err := j.Exchange(0x00)
		require.NoError(t, err)
	}
	_, err := j.Exchange(0x00)
	require.ErrorIs(t, err, ErrInjectedFault)
}
