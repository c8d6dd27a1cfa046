//nolint:varnamelen // Test file - short vars acceptable
package periph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/device"
)

var errPortClosed = errors.New("port is closed")

func testPin(name string) *gpiotest.Pin {
	return &gpiotest.Pin{N: name, EdgesChan: make(chan gpio.Level, 4)}
}

func testData() ([8]gpio.PinIO, [8]*gpiotest.Pin) {
	var io [8]gpio.PinIO
	var raw [8]*gpiotest.Pin
	for i := range raw {
		raw[i] = testPin(fmt.Sprintf("D%d", i))
		io[i] = raw[i]
	}
	return io, raw
}

func setData(t *testing.T, pins [8]*gpiotest.Pin, b byte) {
	t.Helper()
	for i, p := range pins {
		require.NoError(t, p.Out(level(b&(1<<i) != 0)))
	}
}

func dataLevels(pins [8]*gpiotest.Pin) byte {
	var b byte
	for i, p := range pins {
		if p.Read() == gpio.High {
			b |= 1 << i
		}
	}
	return b
}

// --- Layouts ---

func TestLayoutByName(t *testing.T) {
	t.Parallel()

	l, err := LayoutByName("pico")
	require.NoError(t, err)
	assert.Equal(t, "GPIO11", l.REQ)
	assert.Equal(t, 16*physic.MegaHertz, l.FastFrequency)

	_, err = LayoutByName("nope")
	require.ErrorIs(t, err, ErrUnknownLayout)
	assert.Equal(t, []string{"pico", "rpi"}, Layouts())
}

func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line parspi.Line
		lvl  gpio.Level
		on   bool
	}{
		{parspi.LineREQ, gpio.Low, true},
		{parspi.LineREQ, gpio.High, false},
		{parspi.LineACT, gpio.Low, true},
		{parspi.LineCDET, gpio.Low, true},
		{parspi.LineData, gpio.High, true},
		{parspi.LineData, gpio.Low, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.line, tt.lvl), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.on, asserted(tt.line, tt.lvl))
			assert.Equal(t, tt.lvl, assertLevel(tt.line, tt.on))
		})
	}
}

// --- Host port ---

type hostRig struct {
	port *HostPort
	data [8]*gpiotest.Pin
	req  *gpiotest.Pin
	clk  *gpiotest.Pin
	act  *gpiotest.Pin
	irq  *gpiotest.Pin
}

func newHostRig(t *testing.T) *hostRig {
	t.Helper()
	r := &hostRig{req: testPin("REQ"), clk: testPin("CLK"), act: testPin("ACT"), irq: testPin("IRQ")}
	var data [8]gpio.PinIO
	data, r.data = testData()
	port, err := NewHostPort(HostPins{Data: data, REQ: r.req, CLK: r.clk, ACT: r.act, IRQ: r.irq}, time.Microsecond)
	require.NoError(t, err)
	r.port = port
	return r
}

func TestHostPort_Idle(t *testing.T) {
	t.Parallel()

	r := newHostRig(t)
	assert.Equal(t, gpio.High, r.req.Read())
	assert.Equal(t, gpio.Low, r.clk.Read())
	require.NoError(t, r.port.Err())
}

func TestHostPort_DataBus(t *testing.T) {
	t.Parallel()

	r := newHostRig(t)
	r.port.SetDataOutput(true)
	r.port.WriteData(0xA5)
	assert.Equal(t, byte(0xA5), dataLevels(r.data))
	r.port.WriteData(0x3C)
	assert.Equal(t, byte(0x3C), dataLevels(r.data))

	r.port.SetDataOutput(false)
	setData(t, r.data, 0x81)
	assert.Equal(t, byte(0x81), r.port.ReadData())
}

func TestHostPort_ControlLines(t *testing.T) {
	t.Parallel()

	r := newHostRig(t)
	r.port.SetREQ(true)
	assert.Equal(t, gpio.Low, r.req.Read())
	r.port.SetREQ(false)
	assert.Equal(t, gpio.High, r.req.Read())

	r.port.ToggleCLK()
	assert.Equal(t, gpio.High, r.clk.Read())
	r.port.ToggleCLK()
	assert.Equal(t, gpio.Low, r.clk.Read())

	require.NoError(t, r.act.Out(gpio.Low))
	assert.True(t, r.port.ACT())
	require.NoError(t, r.act.Out(gpio.High))
	assert.False(t, r.port.ACT())

	assert.True(t, r.port.Settle(time.Second))
}

func TestHostPort_WaitIRQ(t *testing.T) {
	t.Parallel()

	r := newHostRig(t)
	require.NoError(t, r.irq.Out(gpio.Low))
	r.irq.EdgesChan <- gpio.Low
	require.NoError(t, r.port.WaitIRQ(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.port.WaitIRQ(ctx), context.DeadlineExceeded)
}

// --- Device port ---

type deviceRig struct {
	port *DevicePort
	data [8]*gpiotest.Pin
	req  *gpiotest.Pin
	clk  *gpiotest.Pin
	act  *gpiotest.Pin
	irq  *gpiotest.Pin
	cdet *gpiotest.Pin
}

func newDeviceRig(t *testing.T) *deviceRig {
	t.Helper()
	r := &deviceRig{
		req: testPin("REQ"), clk: testPin("CLK"), act: testPin("ACT"),
		irq: testPin("IRQ"), cdet: testPin("CDET"),
	}
	var data [8]gpio.PinIO
	data, r.data = testData()
	port, err := NewDevicePort(DevicePins{
		Data: data, REQ: r.req, CLK: r.clk, ACT: r.act, IRQ: r.irq, CDET: r.cdet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = port.Close() })
	r.port = port
	return r
}

func TestDevicePort_Sample(t *testing.T) {
	t.Parallel()

	r := newDeviceRig(t)
	require.NoError(t, r.req.Out(gpio.Low))
	require.NoError(t, r.clk.Out(gpio.High))
	require.NoError(t, r.cdet.Out(gpio.Low))
	setData(t, r.data, 0xC2)

	assert.Equal(t, device.Pins{Req: true, Clk: true, Card: true, Data: 0xC2}, r.port.Sample())

	require.NoError(t, r.req.Out(gpio.High))
	require.NoError(t, r.cdet.Out(gpio.High))
	p := r.port.Sample()
	assert.False(t, p.Req)
	assert.False(t, p.Card)
}

func TestDevicePort_Outputs(t *testing.T) {
	t.Parallel()

	r := newDeviceRig(t)
	assert.Equal(t, gpio.High, r.act.Read())

	r.port.SetACT(true)
	assert.Equal(t, gpio.Low, r.act.Read())
	r.port.SetIRQ(true)
	assert.Equal(t, gpio.Low, r.irq.Read())

	r.port.DriveData(0x5A)
	assert.Equal(t, byte(0x5A), dataLevels(r.data))
	r.port.ReleaseData()
	require.NoError(t, r.port.Err())
}

func TestDevicePort_Wait(t *testing.T) {
	t.Parallel()

	r := newDeviceRig(t)
	require.NoError(t, r.clk.Out(gpio.Low))
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = r.clk.Out(gpio.High)
	}()
	p, err := r.port.Wait(context.Background(), func(p device.Pins) bool { return p.Clk })
	require.NoError(t, err)
	assert.True(t, p.Clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = r.port.Wait(ctx, func(device.Pins) bool { return false })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDevicePort_OnEdge(t *testing.T) {
	t.Parallel()

	r := newDeviceRig(t)
	got := make(chan bool, 4)
	cancel, err := r.port.OnEdge(parspi.LineREQ, func(on bool) { got <- on })
	require.NoError(t, err)

	require.NoError(t, r.req.Out(gpio.Low))
	r.req.EdgesChan <- gpio.Low
	select {
	case on := <-got:
		assert.True(t, on)
	case <-time.After(time.Second):
		t.Fatal("edge not delivered")
	}

	cancel()
	cancel()

	_, err = r.port.OnEdge(parspi.LineACT, func(bool) {})
	require.Error(t, err)
}

// --- SPI bus ---

// mockConn echoes every byte it is sent.
type mockConn struct {
	port *mockPort
	sent []byte
}

func (c *mockConn) Tx(w, r []byte) error {
	if c.port.closed {
		return errPortClosed
	}
	c.sent = append(c.sent, w...)
	copy(r, w)
	return nil
}

// Duplex implements conn.Conn.
func (*mockConn) Duplex() conn.Duplex {
	return conn.Full
}

// String returns connection name.
func (*mockConn) String() string {
	return "mock://spi"
}

// TxPackets implements spi.Conn.
func (c *mockConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := c.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// mockPort implements spi.PortCloser and remembers how it was connected.
type mockPort struct {
	conn   *mockConn
	freq   physic.Frequency
	mode   spi.Mode
	closed bool
}

func (p *mockPort) Connect(f physic.Frequency, mode spi.Mode, _ int) (spi.Conn, error) {
	p.freq, p.mode = f, mode
	p.conn = &mockConn{port: p}
	return p.conn, nil
}

func (p *mockPort) Close() error {
	p.closed = true
	return nil
}

func (*mockPort) String() string {
	return "mock://spi"
}

func (*mockPort) LimitSpeed(physic.Frequency) error {
	return nil
}

var (
	_ spi.Conn       = (*mockConn)(nil)
	_ spi.PortCloser = (*mockPort)(nil)
)

func newTestBus(t *testing.T, cs gpio.PinOut) (*Bus, *[]*mockPort) {
	t.Helper()
	var ports []*mockPort
	open := func() (spi.PortCloser, error) {
		p := &mockPort{}
		ports = append(ports, p)
		return p, nil
	}
	b, err := NewBus("mock", open, cs, 0, 0)
	require.NoError(t, err)
	return b, &ports
}

func TestBus_Exchange(t *testing.T) {
	t.Parallel()

	b, ports := newTestBus(t, nil)
	got, err := b.Exchange(0x40)
	require.NoError(t, err)
	assert.Equal(t, byte(0x40), got)
	require.Len(t, *ports, 1)
	assert.Equal(t, []byte{0x40}, (*ports)[0].conn.sent)
	assert.Equal(t, spi.Mode0, (*ports)[0].mode)
}

func TestBus_SpeedChangeReconnects(t *testing.T) {
	t.Parallel()

	b, ports := newTestBus(t, nil)
	assert.Equal(t, parspi.SlowFrequency, b.Frequency())

	require.NoError(t, b.SetSpeed(parspi.SpeedFast))
	require.Len(t, *ports, 2)
	assert.True(t, (*ports)[0].closed)
	assert.Equal(t, parspi.FastFrequency, (*ports)[1].freq)
	assert.Equal(t, parspi.FastFrequency, b.Frequency())

	require.NoError(t, b.SetSpeed(parspi.SpeedFast))
	assert.Len(t, *ports, 2)
}

func TestBus_ChipSelectPin(t *testing.T) {
	t.Parallel()

	cs := testPin("CS")
	b, ports := newTestBus(t, cs)
	assert.Equal(t, gpio.High, cs.Read())
	assert.Equal(t, spi.Mode0|spi.NoCS, (*ports)[0].mode)

	require.NoError(t, b.SetSelect(true))
	assert.Equal(t, gpio.Low, cs.Read())

	require.NoError(t, b.Close())
	assert.Equal(t, gpio.High, cs.Read())
	assert.True(t, (*ports)[0].closed)
	_, err := b.Exchange(0xFF)
	require.Error(t, err)
}

func TestBus_OpenFailure(t *testing.T) {
	t.Parallel()

	_, err := NewBus("mock", func() (spi.PortCloser, error) { return nil, errPortClosed }, nil, 0, 0)
	require.ErrorIs(t, err, errPortClosed)
}
