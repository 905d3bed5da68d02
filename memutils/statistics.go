package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics accumulates cell and region totals for one or more sub-allocators
type Statistics struct {
	RegionCount int
	CellCount   int
	RegionBytes int
	CellBytes   int
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.CellCount = 0
	s.RegionBytes = 0
	s.CellBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.CellCount += other.CellCount
	s.RegionBytes += other.RegionBytes
	s.CellBytes += other.CellBytes
}

// AddRegion records a committed region of the given size
func (s *Statistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size
}

type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	FreeBytes        int
	CellSizeMin      int
	CellSizeMax      int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.FreeBytes = 0
	s.CellSizeMin = math.MaxInt
	s.CellSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeBytes += size

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddCell(size int) {
	s.CellCount++
	s.CellBytes += size

	if size < s.CellSizeMin {
		s.CellSizeMin = size
	}

	if size > s.CellSizeMax {
		s.CellSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.FreeBytes += other.FreeBytes

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.CellSizeMin < s.CellSizeMin {
		s.CellSizeMin = other.CellSizeMin
	}

	if other.CellSizeMax > s.CellSizeMax {
		s.CellSizeMax = other.CellSizeMax
	}
}

// PrintJSON writes the statistics as fields of an open json object. Minimums that were never
// updated are reported as zero.
func (s *DetailedStatistics) PrintJSON(json jwriter.ObjectState) {
	json.Name("Regions").Int(s.RegionCount)
	json.Name("RegionBytes").Int(s.RegionBytes)
	json.Name("Cells").Int(s.CellCount)
	json.Name("CellBytes").Int(s.CellBytes)
	json.Name("FreeRanges").Int(s.FreeRangeCount)
	json.Name("FreeBytes").Int(s.FreeBytes)

	if s.CellCount > 0 {
		sizes := json.Name("CellSizes").Object()
		sizes.Name("Min").Int(s.CellSizeMin)
		sizes.Name("Max").Int(s.CellSizeMax)
		sizes.End()
	}

	if s.FreeRangeCount > 0 {
		sizes := json.Name("FreeRangeSizes").Object()
		sizes.Name("Min").Int(s.FreeRangeSizeMin)
		sizes.Name("Max").Int(s.FreeRangeSizeMax)
		sizes.End()
	}
}
