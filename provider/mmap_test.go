//go:build linux || darwin

package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/provider"
)

func TestMmapCommitAndRelease(t *testing.T) {
	mm, err := provider.NewMmap(64 * 4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, mm.Release())
	}()

	pageSize := mm.PageSize()
	offset, err := mm.Map(0, pageSize)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	data := mm.Bytes()
	data[0] = 42
	data[pageSize-1] = 43
	require.Equal(t, byte(42), data[0])

	top, err := mm.Map(provider.AnyOffset, pageSize)
	require.NoError(t, err)
	require.Equal(t, mm.MaxLength()-pageSize, top)
	data[top] = 1

	require.NoError(t, mm.Unmap(top, pageSize))
	require.NoError(t, mm.Unmap(0, pageSize))
	require.Equal(t, 0, mm.Committed())
}
