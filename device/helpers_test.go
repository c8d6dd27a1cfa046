package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
	testutil "github.com/ZaparooProject/go-parspi/internal/testing"
)

const settleTimeout = 2 * time.Second

type rig struct {
	cable *testutil.Cable
	host  *testutil.HostEnd
	dev   *device.Device
}

// startDevice runs a worker on a fresh cable until the test ends.
func startDevice(t *testing.T, bus device.CardBus, dispatch device.Dispatch) *rig {
	t.Helper()

	cable := testutil.NewCable()
	dev := device.New(cable.Device(), bus, &device.Config{
		Logger:   zaptest.NewLogger(t).Sugar(),
		Dispatch: dispatch,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(settleTimeout):
			t.Error("device worker did not stop")
		}
	})

	r := &rig{cable: cable, host: cable.Host(), dev: dev}
	require.True(t, r.host.Settle(settleTimeout), "worker never reached idle")
	return r
}

func (r *rig) settle(t *testing.T) {
	t.Helper()
	require.True(t, r.host.Settle(settleTimeout), "device did not settle")
}

// begin presents cmd, asserts REQ and reports whether ACT followed.
func (r *rig) begin(t *testing.T, first byte) bool {
	t.Helper()
	r.host.SetDataOutput(true)
	r.host.WriteData(first)
	r.host.SetREQ(true)
	r.settle(t)
	return r.host.ACT()
}

func (r *rig) clockWrite(t *testing.T, b byte) {
	t.Helper()
	r.host.WriteData(b)
	r.host.ToggleCLK()
	r.settle(t)
}

func (r *rig) clockRead(t *testing.T) byte {
	t.Helper()
	r.host.ToggleCLK()
	r.settle(t)
	return r.host.ReadData()
}

func (r *rig) end(t *testing.T) {
	t.Helper()
	r.host.SetREQ(false)
	r.host.SetDataOutput(false)
	r.settle(t)
}

func (r *rig) startTransfer(t *testing.T, cmd parspi.Command) {
	t.Helper()
	first, second, ext, err := cmd.Encode()
	require.NoError(t, err)
	require.True(t, r.begin(t, first), "no ACT for %s", cmd)
	if ext {
		r.clockWrite(t, second)
	}
}

func (r *rig) write(t *testing.T, data []byte) {
	t.Helper()
	cmd, err := parspi.WriteCommand(len(data))
	require.NoError(t, err)
	r.startTransfer(t, cmd)
	for _, b := range data {
		r.clockWrite(t, b)
	}
	r.end(t)
}

func (r *rig) read(t *testing.T, n int) []byte {
	t.Helper()
	cmd, err := parspi.ReadCommand(n)
	require.NoError(t, err)
	r.startTransfer(t, cmd)
	r.host.SetDataOutput(false)
	r.settle(t)
	out := make([]byte, n)
	for i := range out {
		out[i] = r.clockRead(t)
	}
	r.end(t)
	return out
}

func (r *rig) control(t *testing.T, cmd parspi.Command) {
	t.Helper()
	first, _, _, err := cmd.Encode()
	require.NoError(t, err)
	require.True(t, r.begin(t, first), "no ACT for %s", cmd)
	r.end(t)
}

func (r *rig) queryPresent(t *testing.T) bool {
	t.Helper()
	first, _, _, err := parspi.CardPresentCommand().Encode()
	require.NoError(t, err)
	require.True(t, r.begin(t, first))
	r.host.SetDataOutput(false)
	r.settle(t)
	bit := r.clockRead(t) & 0x01
	r.end(t)
	return bit == 1
}

var dispatchModes = []device.Dispatch{device.DispatchPolling, device.DispatchInterrupt}
