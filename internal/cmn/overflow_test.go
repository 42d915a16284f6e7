package cmn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverflowLessThanNormalCase(t *testing.T) {
	require.True(t, OverflowLessThan(100, 200))
	require.False(t, OverflowLessThan(200, 100))
}

func TestOverflowLessThanAcrossWrap(t *testing.T) {
	nearMax := uint32(math.MaxUint32 - 5)
	justWrapped := uint32(5)
	require.True(t, OverflowLessThan(nearMax, justWrapped))
	require.False(t, OverflowLessThan(justWrapped, nearMax))
}
