package memutils_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/memutils"
)

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	require.Equal(t, memutils.DetailedStatistics{
		CellSizeMin:      math.MaxInt,
		FreeRangeSizeMin: math.MaxInt,
	}, stats)

	stats.AddRegion(4096)
	stats.AddCell(16)
	stats.AddCell(48)
	stats.AddFreeRange(1000)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddRegion(8192)
	other.AddCell(8192)
	other.AddFreeRange(12)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RegionCount: 2,
			CellCount:   3,
			RegionBytes: 12288,
			CellBytes:   8256,
		},
		FreeRangeCount:   2,
		FreeBytes:        1012,
		CellSizeMin:      16,
		CellSizeMax:      8192,
		FreeRangeSizeMin: 12,
		FreeRangeSizeMax: 1000,
	}, stats)
}

func TestDetailedStatisticsPrintJSON(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.AddRegion(4096)
	stats.AddFreeRange(4096)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJSON(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"Regions": 1,
		"RegionBytes": 4096,
		"Cells": 0,
		"CellBytes": 0,
		"FreeRanges": 1,
		"FreeBytes": 4096,
		"FreeRangeSizes": {"Min": 4096, "Max": 4096}
	}`, string(writer.Bytes()))
}
