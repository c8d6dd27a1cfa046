//nolint:varnamelen // Test file - short vars acceptable
package host_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	"github.com/ZaparooProject/go-parspi/host"
	testutil "github.com/ZaparooProject/go-parspi/internal/testing"
)

type rig struct {
	cable *testutil.Cable
	host  *host.Host
	dev   *device.Device
}

func newRig(t *testing.T, bus device.CardBus, opts ...host.Option) *rig {
	t.Helper()

	cable := testutil.NewCable()
	r := &rig{cable: cable}

	if bus != nil {
		r.dev = device.New(cable.Device(), bus, &device.Config{Logger: zaptest.NewLogger(t).Sugar()})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.dev.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	opts = append([]host.Option{
		host.WithLogger(zaptest.NewLogger(t).Sugar()),
		host.WithSlowByteDelay(2 * time.Microsecond),
	}, opts...)
	h, err := host.New(cable.Host(), opts...)
	require.NoError(t, err)
	r.host = h
	return r
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*13 + n)
	}
	return out
}

func TestHost_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, speed := range []parspi.Speed{parspi.SpeedSlow, parspi.SpeedFast} {
		for _, n := range []int{1, 64, 65, 8192} {
			t.Run(fmt.Sprintf("%s/%d", speed, n), func(t *testing.T) {
				t.Parallel()

				bus := testutil.NewLoopback(n)
				r := newRig(t, bus)
				ctx := context.Background()

				if speed == parspi.SpeedFast {
					require.NoError(t, r.host.SetSpeed(ctx, speed))
				}
				want := pattern(n)
				require.NoError(t, r.host.Write(ctx, want))

				got := make([]byte, n)
				require.NoError(t, r.host.Read(ctx, got))
				assert.Equal(t, want, got)

				assert.Zero(t, r.cable.Contention())
				stats := r.host.Stats()
				assert.Equal(t, uint64(n), stats.BytesWritten)
				assert.Equal(t, uint64(n), stats.BytesRead)
				assert.Equal(t, speed, r.dev.Speed())
			})
		}
	}
}

func TestHost_EncodingOnTheWire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		n       int
		read    bool
		command byte
		second  []byte
	}{
		{name: "short write", n: 1, command: 0x00},
		{name: "short read max", n: 64, read: true, command: 0x7F},
		{name: "extended write", n: 65, command: 0x80, second: []byte{0x40}},
		{name: "extended read", n: 514, read: true, command: 0x84, second: []byte{0x81}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, testutil.NewLoopback(0))
			buf := make([]byte, tt.n)
			if tt.read {
				require.NoError(t, r.host.Read(context.Background(), buf))
			} else {
				require.NoError(t, r.host.Write(context.Background(), buf))
			}

			sessions := r.cable.Sessions()
			require.Len(t, sessions, 1)
			s := sessions[0]
			assert.Equal(t, tt.command, s.Command)
			assert.True(t, s.Acked)
			assert.Equal(t, tt.n+len(tt.second), s.Clocks)
			if len(tt.second) > 0 {
				require.NotEmpty(t, s.Written)
				assert.Equal(t, tt.second[0], s.Written[0])
			}
		})
	}
}

func TestHost_DeviceFault(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil, host.WithClockTimeout(10*time.Millisecond))
	err := r.host.Select(context.Background(), true)

	require.ErrorIs(t, err, parspi.ErrDeviceFault)
	var se *parspi.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "select", se.Op)
	assert.True(t, parspi.IsRetryable(err))
	assert.True(t, parspi.HasTrace(err))

	assert.False(t, r.cable.Device().Sample().Req, "REQ must be released after a fault")
	assert.Equal(t, uint64(1), r.host.Stats().DeviceFaults)
}

func TestHost_ProtocolTimeoutOnStalledBus(t *testing.T) {
	t.Parallel()

	bus := testutil.NewJitteryBus(testutil.NewLoopback(0), testutil.JitterConfig{StallAfter: 3, Seed: 1})
	r := newRig(t, bus, host.WithClockTimeout(30*time.Millisecond))
	t.Cleanup(bus.Release)

	err := r.host.Read(context.Background(), make([]byte, 10))
	require.ErrorIs(t, err, parspi.ErrProtocolTimeout)

	var se *parspi.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Done)
	assert.Equal(t, parspi.ErrorTypeTimeout, se.Type)
	assert.Equal(t, uint64(1), r.host.Stats().Timeouts)

	bus.Release()
	require.Eventually(t, func() bool {
		return r.dev.State() == device.StateIdle
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.host.Write(context.Background(), []byte{1, 2, 3}))
	assert.Equal(t, uint64(1), r.dev.Stats().Aborted)
}

func TestHost_QueryPresent(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	ctx := context.Background()

	present, err := r.host.QueryPresent(ctx)
	require.NoError(t, err)
	assert.False(t, present)

	r.cable.SetCardPresent(true)
	present, err = r.host.QueryPresent(ctx)
	require.NoError(t, err)
	assert.True(t, present)
	assert.False(t, r.cable.IRQAsserted())
}

func TestHost_InvalidLength(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	ctx := context.Background()

	require.ErrorIs(t, r.host.Read(ctx, nil), parspi.ErrInvalidLength)
	require.ErrorIs(t, r.host.Write(ctx, make([]byte, parspi.MaxTransfer+1)), parspi.ErrInvalidLength)
	assert.Empty(t, r.cable.Sessions(), "invalid lengths never reach the wire")
}

func TestHost_PriorityDoesNotPreempt(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	holding := make(chan struct{})
	proceed := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.host.Do(ctx, func(l *host.Lease) error {
			record("holder-start")
			close(holding)
			<-proceed
			if err := l.Select(ctx, true); err != nil {
				return err
			}
			record("holder-end")
			return l.Deselect(ctx)
		})
		assert.NoError(t, err)
	}()
	<-holding

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.host.Do(ctx, func(*host.Lease) error {
			record("normal")
			return nil
		}))
	}()
	require.Eventually(t, func() bool { return r.host.Waiting() == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.host.DoPriority(ctx, func(l *host.Lease) error {
			record("priority")
			_, err := l.QueryPresent(ctx)
			return err
		}))
	}()
	require.Eventually(t, func() bool { return r.host.Waiting() == 2 }, time.Second, time.Millisecond)

	close(proceed)
	wg.Wait()

	assert.Equal(t, []string{"holder-start", "holder-end", "priority", "normal"}, order)
	assert.Equal(t, uint64(1), r.host.Stats().Priority)
}

func TestHost_WaiterHonoursContext(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = r.host.Do(context.Background(), func(*host.Lease) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.host.Do(ctx, func(*host.Lease) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.host.Waiting())
}

func TestHost_LeaseExpires(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	var kept *host.Lease
	require.NoError(t, r.host.Do(context.Background(), func(l *host.Lease) error {
		kept = l
		return nil
	}))
	require.ErrorIs(t, kept.Select(context.Background(), true), host.ErrLeaseExpired)
}

func TestHost_Close(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	require.NoError(t, r.host.Close())
	err := r.host.Select(context.Background(), true)
	require.ErrorIs(t, err, parspi.ErrChannelClosed)
	assert.True(t, parspi.IsFatal(err))
}

func TestHost_CancelledContextSkipsSession(t *testing.T) {
	t.Parallel()

	r := newRig(t, testutil.NewLoopback(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.host.Write(ctx, []byte{1})
	require.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, r.cable.Sessions())
}

func TestNew_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	cable := testutil.NewCable()
	_, err := host.New(cable.Host(), host.WithActRetries(0))
	require.Error(t, err)
	_, err = host.New(cable.Host(), host.WithClockTimeout(0))
	require.Error(t, err)
	_, err = host.New(cable.Host(), host.WithSlowByteDelay(-time.Second))
	require.Error(t, err)
}
