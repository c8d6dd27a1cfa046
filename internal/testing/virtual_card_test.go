package testing

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-parspi"
	"github.com/ZaparooProject/go-parspi/internal/crc"
)

func sendCommand(t *testing.T, card *VirtualCard, index byte, arg uint32) byte {
	t.Helper()

	frame := []byte{0x40 | index, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[1:], arg)
	frame = append(frame, crc.CRC7(frame))
	for _, b := range frame {
		_, err := card.Exchange(b)
		require.NoError(t, err)
	}
	for range 8 {
		r, err := card.Exchange(0xFF)
		require.NoError(t, err)
		if r != 0xFF {
			return r
		}
	}
	t.Fatalf("no response to CMD%d", index)
	return 0
}

func readBytes(t *testing.T, card *VirtualCard, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		r, err := card.Exchange(0xFF)
		require.NoError(t, err)
		out[i] = r
	}
	return out
}

func readPacket(t *testing.T, card *VirtualCard, n int) []byte {
	t.Helper()
	for range 16 {
		if readBytes(t, card, 1)[0] == tokenData {
			data := readBytes(t, card, n)
			sum := readBytes(t, card, 2)
			assert.Equal(t, crc.CRC16(data), binary.BigEndian.Uint16(sum))
			return data
		}
	}
	t.Fatal("no data token")
	return nil
}

func initCard(t *testing.T, card *VirtualCard) {
	t.Helper()
	require.NoError(t, card.SetSelect(true))
	require.Equal(t, byte(0x01), sendCommand(t, card, 0, 0))
	require.Equal(t, byte(0x01), sendCommand(t, card, 8, 0x1AA))
	readBytes(t, card, 4)
	for range 10 {
		sendCommand(t, card, 55, 0)
		if sendCommand(t, card, 41, 1<<30) == 0x00 {
			return
		}
	}
	t.Fatal("card never left idle")
}

func TestVirtualCard_InitSequence(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	require.NoError(t, card.SetSpeed(parspi.SpeedSlow))
	require.NoError(t, card.SetSelect(true))

	assert.Equal(t, byte(0x01), sendCommand(t, card, 0, 0))
	assert.Equal(t, byte(0x01), sendCommand(t, card, 8, 0x1AA))
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xAA}, readBytes(t, card, 4))

	polls := 0
	for {
		assert.Equal(t, byte(0x01), sendCommand(t, card, 55, 0))
		polls++
		if sendCommand(t, card, 41, 1<<30) == 0x00 {
			break
		}
		require.Less(t, polls, 10)
	}
	assert.Equal(t, DefaultCardConfig().InitPolls+1, polls)
	assert.True(t, card.Initialized())
	assert.Equal(t, parspi.SpeedSlow, card.InitSpeed())

	assert.Equal(t, byte(0x00), sendCommand(t, card, 58, 0))
	ocr := binary.BigEndian.Uint32(readBytes(t, card, 4))
	assert.Equal(t, uint32(0xC0FF8000), ocr)
}

func TestVirtualCard_CRCChecked(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	require.NoError(t, card.SetSelect(true))
	require.Equal(t, byte(0x01), sendCommand(t, card, 0, 0))

	for _, b := range []byte{0x48, 0x00, 0x00, 0x01, 0xAA, 0x00} {
		_, err := card.Exchange(b)
		require.NoError(t, err)
	}
	r, err := card.Exchange(0xFF)
	require.NoError(t, err)
	assert.Equal(t, byte(r1CRCError|r1Idle), r)
}

func TestVirtualCard_IgnoresTrafficWhenDeselected(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	frame := []byte{0x40, 0, 0, 0, 0, 0x95, 0xFF, 0xFF}
	for _, b := range frame {
		r, err := card.Exchange(b)
		require.NoError(t, err)
		assert.Equal(t, byte(0xFF), r)
	}
	assert.False(t, card.Initialized())
	assert.Equal(t, len(frame), card.Exchanges())
}

func TestVirtualCard_CommandsBeforeInitAreIllegal(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	require.NoError(t, card.SetSelect(true))
	require.Equal(t, byte(0x01), sendCommand(t, card, 0, 0))
	assert.Equal(t, byte(r1Idle|r1IllegalCmd), sendCommand(t, card, 17, 0))
	assert.Equal(t, byte(r1Idle|r1IllegalCmd), sendCommand(t, card, 41, 0), "ACMD41 needs CMD55 first")
}

func TestVirtualCard_ReadBlock(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	card.SetBlock(42, want)
	initCard(t, card)

	require.Equal(t, byte(0x00), sendCommand(t, card, 17, 42))
	assert.Equal(t, want, readPacket(t, card, BlockSize))
}

func TestVirtualCard_ReadMultipleUntilStop(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	for lba := uint32(10); lba < 13; lba++ {
		card.SetBlock(lba, []byte{byte(lba), byte(lba), byte(lba)})
	}
	initCard(t, card)

	require.Equal(t, byte(0x00), sendCommand(t, card, 18, 10))
	for lba := uint32(10); lba < 13; lba++ {
		data := readPacket(t, card, BlockSize)
		assert.Equal(t, []byte{byte(lba), byte(lba), byte(lba)}, data[:3])
	}
	assert.Equal(t, byte(0x00), sendCommand(t, card, 12, 0))
}

func TestVirtualCard_WriteBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		corrupt  bool
		response byte
	}{
		{name: "accepted", response: dataAccepted},
		{name: "bad crc", corrupt: true, response: dataCRCError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			card := NewVirtualCard(DefaultCardConfig())
			initCard(t, card)

			data := make([]byte, BlockSize)
			for i := range data {
				data[i] = byte(255 - i)
			}
			sum := crc.CRC16(data)
			if tt.corrupt {
				sum ^= 0xFFFF
			}

			require.Equal(t, byte(0x00), sendCommand(t, card, 24, 5))
			packet := append([]byte{0xFF, tokenData}, data...)
			packet = binary.BigEndian.AppendUint16(packet, sum)
			for _, b := range packet {
				_, err := card.Exchange(b)
				require.NoError(t, err)
			}
			resp := readBytes(t, card, 1)[0]
			assert.Equal(t, tt.response, resp&0x1F)

			if tt.corrupt {
				assert.Equal(t, 1, card.WriteErrors())
				assert.Equal(t, make([]byte, BlockSize), card.Block(5))
				return
			}
			busy := 0
			for readBytes(t, card, 1)[0] == 0x00 {
				busy++
			}
			assert.Equal(t, DefaultCardConfig().BusyBytes, busy)
			assert.Equal(t, data, card.Block(5))
		})
	}
}

func TestVirtualCard_StandardCapacityAddressing(t *testing.T) {
	t.Parallel()

	cfg := DefaultCardConfig()
	cfg.HighCapacity = false
	cfg.Blocks = 4096
	card := NewVirtualCard(cfg)
	card.SetBlock(3, []byte{0xAB})
	initCard(t, card)

	assert.Equal(t, byte(0x00), sendCommand(t, card, 58, 0))
	assert.Equal(t, uint32(0x80FF8000), binary.BigEndian.Uint32(readBytes(t, card, 4)))

	assert.Equal(t, byte(r1AddressError), sendCommand(t, card, 17, 3))
	require.Equal(t, byte(0x00), sendCommand(t, card, 17, 3*BlockSize))
	assert.Equal(t, byte(0xAB), readPacket(t, card, BlockSize)[0])
	assert.Equal(t, byte(r1ParameterErr), sendCommand(t, card, 16, 1024))
}

func TestVirtualCard_CSDCapacity(t *testing.T) {
	t.Parallel()

	t.Run("high capacity", func(t *testing.T) {
		t.Parallel()
		card := NewVirtualCard(DefaultCardConfig())
		initCard(t, card)
		require.Equal(t, byte(0x00), sendCommand(t, card, 9, 0))
		csd := readPacket(t, card, 16)
		assert.Equal(t, byte(0x40), csd[0]&0xC0)
		size := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		assert.Equal(t, DefaultCardConfig().Blocks, (size+1)*1024)
	})

	t.Run("standard capacity", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultCardConfig()
		cfg.HighCapacity = false
		cfg.Blocks = 8192
		card := NewVirtualCard(cfg)
		initCard(t, card)
		require.Equal(t, byte(0x00), sendCommand(t, card, 9, 0))
		csd := readPacket(t, card, 16)
		assert.Equal(t, byte(0x00), csd[0]&0xC0)
		size := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8])>>6
		mult := uint32(csd[9]&0x03)<<1 | uint32(csd[10])>>7
		assert.Equal(t, uint32(8192), (size+1)<<(mult+2))
	})
}

func TestVirtualCard_PowerCycleKeepsStorage(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard(DefaultCardConfig())
	card.SetBlock(1, []byte{0x55})
	initCard(t, card)
	card.PowerCycle()

	assert.False(t, card.Initialized())
	assert.Equal(t, byte(0x55), card.Block(1)[0])
	initCard(t, card)
	assert.True(t, card.Initialized())
}
