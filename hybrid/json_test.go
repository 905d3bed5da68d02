package hybrid_test

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/hybrid"
)

type statsSection struct {
	Regions     int
	RegionBytes int
	Cells       int
	CellBytes   int
	FreeRanges  int
	FreeBytes   int
}

type statsDocument struct {
	General struct {
		Flags         string
		PageSize      int
		ChunkSize     int
		MinLength     int
		MaxLength     int
		SlabThreshold int
		PageThreshold int
	}
	Total       statsSection
	DL          statsSection
	Slab        statsSection
	Paged       statsSection
	DetailedMap []struct {
		Offset int
		Size   int
		Owner  string
		Type   string
	}
}

func populatedHeap(t *testing.T) *hybrid.Heap {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	require.Equal(t, hybrid.SubAllocatorSlab, heap.Owner(heap.Alloc(8)))
	require.Equal(t, hybrid.SubAllocatorDL, heap.Owner(heap.Alloc(1000)))
	require.Equal(t, hybrid.SubAllocatorPaged, heap.Owner(heap.Alloc(1<<16)))
	return heap
}

func TestCalculateStatistics(t *testing.T) {
	heap := populatedHeap(t)

	var stats hybrid.Statistics
	heap.CalculateStatistics(&stats)

	require.Equal(t, 1, stats.DL.RegionCount)
	require.Equal(t, 4096-hybrid.HeaderSize, stats.DL.RegionBytes)
	require.Equal(t, 1, stats.DL.CellCount)
	require.Equal(t, 1004, stats.DL.CellBytes)
	require.Equal(t, 1, stats.DL.FreeRangeCount)
	require.Equal(t, 2304, stats.DL.FreeBytes)

	// one partly used slab of 8 byte cells and three free slabs
	require.Equal(t, 4096, stats.Slab.RegionBytes)
	require.Equal(t, 1, stats.Slab.CellCount)
	require.Equal(t, 8, stats.Slab.CellBytes)
	require.Equal(t, 125+3, stats.Slab.FreeRangeCount)
	require.Equal(t, 8, stats.Slab.FreeRangeSizeMin)
	require.Equal(t, 1024, stats.Slab.FreeRangeSizeMax)

	require.Equal(t, 65536, stats.Paged.RegionBytes)
	require.Equal(t, 65536, stats.Paged.CellBytes)
	require.Zero(t, stats.Paged.FreeRangeCount)

	require.Equal(t, 3, stats.Total.RegionCount)
	require.Equal(t, 3, stats.Total.CellCount)
	require.Equal(t, 8, stats.Total.CellSizeMin)
	require.Equal(t, 65536, stats.Total.CellSizeMax)

	count, bytes := heap.AllocSize()
	require.Equal(t, stats.Total.CellCount, count)
	require.Equal(t, stats.Total.CellBytes, bytes)
}

func TestBuildStatsString(t *testing.T) {
	heap := populatedHeap(t)

	var doc statsDocument
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(false)), &doc))
	require.Equal(t, "None", doc.General.Flags)
	require.Equal(t, 4096, doc.General.PageSize)
	require.Equal(t, 4096+4096+65536, doc.General.ChunkSize)
	require.Equal(t, testMaxLength, doc.General.MaxLength)
	require.Equal(t, 57, doc.General.SlabThreshold)
	require.Equal(t, 65536, doc.General.PageThreshold)
	require.Equal(t, 3, doc.Total.Cells)
	require.Equal(t, 1004, doc.DL.CellBytes)
	require.Equal(t, 128, doc.Slab.FreeRanges)
	require.Equal(t, 65536, doc.Paged.RegionBytes)
	require.Empty(t, doc.DetailedMap)

	doc = statsDocument{}
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(true)), &doc))
	require.Len(t, doc.DetailedMap, 2+126+3+1)

	cells := 0
	for _, entry := range doc.DetailedMap {
		if entry.Type == "Cell" {
			cells++
		}
	}
	require.Equal(t, 3, cells)
	require.Equal(t, "Paged", doc.DetailedMap[len(doc.DetailedMap)-1].Owner)
}

func TestPrintDetailedMapDebugTags(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{Flags: hybrid.CreateDebug})
	require.NoError(t, heap.MarkStart())
	p := heap.Alloc(500)

	writer := jwriter.NewWriter()
	heap.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(writer.Bytes(), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, float64(p), entries[0]["Offset"])
	require.Equal(t, float64(500), entries[0]["Size"])
	require.Equal(t, float64(1), entries[0]["Level"])
	require.Equal(t, float64(1), entries[0]["Seq"])
	require.Equal(t, "Free", entries[1]["Type"])
}
