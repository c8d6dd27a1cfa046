//nolint:varnamelen // Test file - short vars acceptable
package presence_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/host"
	testutil "github.com/ZaparooProject/go-parspi/internal/testing"
	"github.com/ZaparooProject/go-parspi/presence"
)

type fakeIRQ struct {
	edges chan struct{}
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{edges: make(chan struct{}, 64)}
}

func (f *fakeIRQ) WaitIRQ(ctx context.Context) error {
	select {
	case <-f.edges:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeIRQ) raise(n int) {
	for range n {
		f.edges <- struct{}{}
	}
}

type fakeCheck struct {
	err     error
	calls   atomic.Int64
	present atomic.Bool
}

func (f *fakeCheck) check(context.Context) (bool, error) {
	f.calls.Add(1)
	return f.present.Load(), f.err
}

func startNotifier(t *testing.T, irq presence.IRQSource, check presence.CheckFunc, opts ...presence.Option) *presence.Notifier {
	t.Helper()
	opts = append([]presence.Option{presence.WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	n := presence.New(irq, check, false, opts...)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n
}

func waitChange(t *testing.T, n *presence.Notifier, since uint32) presence.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := n.WaitChange(ctx, since)
	require.NoError(t, err)
	return s
}

func TestNotifier_BurstCoalescesIntoOneChange(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	irq := newFakeIRQ()
	chk := &fakeCheck{}
	chk.present.Store(true)
	n := startNotifier(t, irq, chk.check, presence.WithClock(mock))

	irq.raise(5)
	require.Eventually(t, func() bool { return n.Metrics().IRQs == 5 }, time.Second, time.Millisecond)

	mock.Add(50 * time.Millisecond)
	assert.Zero(t, chk.calls.Load(), "check must wait for the debounce delay")

	mock.Add(50 * time.Millisecond)
	s := waitChange(t, n, 0)
	assert.True(t, s.Present)
	assert.Equal(t, uint32(1), s.ChangeNumber)

	m := n.Metrics()
	assert.Equal(t, int64(4), m.Absorbed)
	assert.Equal(t, int64(1), m.Checks)
	assert.Equal(t, int64(1), chk.calls.Load())
}

func TestNotifier_SeparateBurstsEachCount(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	irq := newFakeIRQ()
	chk := &fakeCheck{}
	n := startNotifier(t, irq, chk.check, presence.WithClock(mock), presence.WithDebounce(10*time.Millisecond))

	for i := range 3 {
		chk.present.Store(i%2 == 0)
		irq.raise(2)
		require.Eventually(t, func() bool { return n.Metrics().IRQs == int64(2*(i+1)) }, time.Second, time.Millisecond)
		mock.Add(10 * time.Millisecond)
		s := waitChange(t, n, uint32(i))
		assert.Equal(t, i%2 == 0, s.Present)
	}
	assert.Equal(t, uint32(3), n.ChangeNumber())
}

func TestNotifier_CallbacksSeeConsistentState(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	irq := newFakeIRQ()
	chk := &fakeCheck{}
	chk.present.Store(true)
	n := startNotifier(t, irq, chk.check, presence.WithClock(mock))

	var (
		mu   sync.Mutex
		seen []presence.State
	)
	unregister := n.RegisterChangeCallback(func(s presence.State) {
		assert.Equal(t, s, n.State(), "state is committed before callbacks run")
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	irq.raise(1)
	require.Eventually(t, func() bool { return n.Metrics().IRQs == 1 }, time.Second, time.Millisecond)
	mock.Add(parspiDebounce)
	waitChange(t, n, 0)

	unregister()
	chk.present.Store(false)
	irq.raise(1)
	require.Eventually(t, func() bool { return n.Metrics().IRQs == 2 }, time.Second, time.Millisecond)
	mock.Add(parspiDebounce)
	waitChange(t, n, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, presence.State{Present: true, ChangeNumber: 1}, seen[0])
}

const parspiDebounce = 100 * time.Millisecond

func TestNotifier_CheckErrorStillCountsChange(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	irq := newFakeIRQ()
	chk := &fakeCheck{err: errors.New("no ACT")}
	n := startNotifier(t, irq, chk.check, presence.WithClock(mock))

	irq.raise(1)
	require.Eventually(t, func() bool { return n.Metrics().IRQs == 1 }, time.Second, time.Millisecond)
	mock.Add(parspiDebounce)

	s := waitChange(t, n, 0)
	assert.False(t, s.Present)
	assert.Equal(t, int64(1), n.Metrics().CheckErrors)
}

func TestNotifier_StopCancelsPendingDebounce(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	irq := newFakeIRQ()
	chk := &fakeCheck{}
	n := presence.New(irq, chk.check, true, presence.WithClock(mock), presence.WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, n.Start(context.Background()))

	irq.raise(1)
	require.Eventually(t, func() bool { return n.Metrics().IRQs == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		n.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a pending debounce")
	}

	mock.Add(time.Second)
	assert.Zero(t, chk.calls.Load())
	assert.Equal(t, presence.State{Present: true}, n.State())
}

func TestNotifier_WaitChangeHonoursContext(t *testing.T) {
	t.Parallel()

	n := presence.New(newFakeIRQ(), (&fakeCheck{}).check, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.WaitChange(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotifier_WaitChangeFromStaleNumber(t *testing.T) {
	t.Parallel()

	n := presence.New(newFakeIRQ(), (&fakeCheck{}).check, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A number from before a wrap differs from the current one.
	s, err := n.WaitChange(ctx, math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s.ChangeNumber)
}

func TestNotifier_OverCable(t *testing.T) {
	t.Parallel()

	cable := testutil.NewCable()
	dev := device.New(cable.Device(), testutil.NewLoopback(0), &device.Config{
		Logger:   zaptest.NewLogger(t).Sugar(),
		Dispatch: device.DispatchInterrupt,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dev.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h, err := host.New(cable.Host(), host.WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	check := func(ctx context.Context) (bool, error) {
		var present bool
		err := h.DoPriority(ctx, func(l *host.Lease) error {
			var err error
			present, err = l.QueryPresent(ctx)
			return err
		})
		return present, err
	}
	n := startNotifier(t, cable.Host(), check, presence.WithDebounce(5*time.Millisecond))

	cable.SetCardPresent(true)
	s := waitChange(t, n, 0)
	assert.True(t, s.Present)

	cable.SetCardPresent(false)
	s = waitChange(t, n, s.ChangeNumber)
	assert.False(t, s.Present)
	assert.False(t, cable.IRQAsserted())
}
