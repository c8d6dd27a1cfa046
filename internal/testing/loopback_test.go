package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-parspi"
)

func TestLoopback_EchoesAfterDepth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		depth int
	}{
		{name: "immediate", depth: 0},
		{name: "one", depth: 1},
		{name: "block", depth: 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := NewLoopback(tt.depth)
			for i := range tt.depth {
				r, err := l.Exchange(byte(i))
				require.NoError(t, err)
				assert.Equal(t, byte(0xFF), r)
			}
			for i := range tt.depth {
				r, err := l.Exchange(0xFF)
				require.NoError(t, err)
				assert.Equal(t, byte(i), r)
			}
			r, err := l.Exchange(0x42)
			require.NoError(t, err)
			if tt.depth == 0 {
				assert.Equal(t, byte(0x42), r)
			} else {
				assert.Equal(t, byte(0xFF), r)
			}
			assert.Equal(t, tt.depth, l.Pending())
		})
	}
}

func TestLoopback_TracksSelectAndSpeed(t *testing.T) {
	t.Parallel()

	l := NewLoopback(1)
	require.NoError(t, l.SetSelect(true))
	require.NoError(t, l.SetSpeed(parspi.SpeedFast))
	assert.True(t, l.Selected())
	assert.Equal(t, 1, l.Selects())
	assert.Equal(t, parspi.SpeedFast, l.Speed())
}
