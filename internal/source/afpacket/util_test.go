package afpacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeSize(t *testing.T) {
	tests := []struct {
		name          string
		bufferMB      int
		snapLen       int
		wantFrame     int
		wantBlock     int
		wantNumBlocks int
	}{
		{"ethernet mtu", 8, 1500, 1552, 3178496, 2},
		{"full snaplen", 8, 65535, 65600, 4198400, 1},
		{"small budget", 1, 1500, 1552, 794624, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, block, n, err := recomputeSize(tt.bufferMB, tt.snapLen, 4096)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrame, frame)
			assert.Equal(t, tt.wantBlock, block)
			assert.Equal(t, tt.wantNumBlocks, n)

			assert.Zero(t, frame%16)
			assert.Zero(t, block%4096)
			assert.Zero(t, block%frame)
		})
	}
}

func TestRecomputeSizeRejectsBadInput(t *testing.T) {
	_, _, _, err := recomputeSize(0, 1500, 4096)
	assert.Error(t, err)
	_, _, _, err = recomputeSize(8, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = recomputeSize(8, 1500, 1000)
	assert.Error(t, err)
}

func TestLCM(t *testing.T) {
	assert.Equal(t, 397312, lcm(4096, 1552))
	assert.Equal(t, 0, lcm(0, 5))
	assert.Equal(t, 16, gcd(4096, 1552))
}
