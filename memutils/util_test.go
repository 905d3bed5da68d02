package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "one"))
	require.NoError(t, memutils.CheckPow2(4096, "page"))
	require.NoError(t, memutils.CheckPow2(uint32(1<<31), "top bit"))

	err := memutils.CheckPow2(0, "zero")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	err = memutils.CheckPow2(12, "twelve")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "twelve is 12")
}

func TestAlignment(t *testing.T) {
	testCases := []struct {
		value     int
		alignment uint
		up        int
		down      int
	}{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{4097, 4096, 8192, 4096},
		{65535, 4096, 65536, 61440},
	}

	for _, testCase := range testCases {
		require.Equal(t, testCase.up, memutils.AlignUp(testCase.value, testCase.alignment))
		require.Equal(t, testCase.down, memutils.AlignDown(testCase.value, testCase.alignment))
		require.Equal(t, testCase.up == testCase.value, memutils.IsAligned(testCase.value, testCase.alignment))
	}
}

func TestLog2(t *testing.T) {
	require.Equal(t, 0, memutils.Log2(1))
	require.Equal(t, 12, memutils.Log2(4096))
	require.Equal(t, 16, memutils.Log2(65536))
	require.True(t, memutils.IsPow2(65536))
	require.False(t, memutils.IsPow2(0))
	require.False(t, memutils.IsPow2(65535))
}
