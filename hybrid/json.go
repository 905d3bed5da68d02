package hybrid

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hybridheap/memutils"
)

// Statistics breaks the heap's cells and free ranges down by sub-allocator
type Statistics struct {
	Total memutils.DetailedStatistics
	DL    memutils.DetailedStatistics
	Slab  memutils.DetailedStatistics
	Paged memutils.DetailedStatistics
}

func (s *Statistics) clear() {
	s.Total.Clear()
	s.DL.Clear()
	s.Slab.Clear()
	s.Paged.Clear()
}

func (s *Statistics) forOwner(owner SubAllocator) *memutils.DetailedStatistics {
	switch owner {
	case SubAllocatorSlab:
		return &s.Slab
	case SubAllocatorPaged:
		return &s.Paged
	}
	return &s.DL
}

// CalculateStatistics walks the heap and fills stats. Regions are the committed ranges each sub-allocator
// works in: the DL region, each slab page and each paged cell.
func (h *Heap) CalculateStatistics(stats *Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats.clear()
	stats.DL.AddRegion(int(h.dlLimit - dlBase))
	h.mappings.Iter(func(offset Ptr, m mapping) bool {
		switch m.kind {
		case regionSlabPage:
			stats.Slab.AddRegion(m.size)
		case regionPaged:
			stats.Paged.AddRegion(m.size)
		}
		return false
	})

	_ = h.walk(func(info CellInfo) error {
		owned := stats.forOwner(info.Owner)
		if info.Free {
			owned.AddFreeRange(info.Len)
		} else {
			owned.AddCell(info.Len)
		}
		return nil
	})

	stats.Total.AddDetailedStatistics(&stats.DL)
	stats.Total.AddDetailedStatistics(&stats.Slab)
	stats.Total.AddDetailedStatistics(&stats.Paged)
}

// PrintDetailedMap writes every cell and free range of the heap as a json array
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.printDetailedMap(writer)
}

func (h *Heap) printDetailedMap(writer *jwriter.Writer) {
	arrayState := writer.Array()
	defer arrayState.End()

	_ = h.walk(func(info CellInfo) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(info.Ptr))
		obj.Name("Size").Int(info.Len)
		obj.Name("Owner").String(info.Owner.String())
		if info.Free {
			obj.Name("Type").String("Free")
			return nil
		}

		obj.Name("Type").String("Cell")
		if h.debug != nil {
			obj.Name("Level").Int(int(info.Level))
			obj.Name("Seq").Int(int(info.Seq))
		}
		return nil
	})
}

// BuildStatsString returns a json document describing the heap's configuration and statistics. If
// detailed is true, it also lists every cell and free range.
func (h *Heap) BuildStatsString(detailed bool) string {
	var stats Statistics
	h.CalculateStatistics(&stats)

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("Flags").String(h.flags.String())
	general.Name("PageSize").Int(h.pageSize)
	general.Name("ChunkSize").Int(h.chunkSize)
	general.Name("MinLength").Int(h.minLength)
	general.Name("MaxLength").Int(h.maxLength)
	general.Name("SlabThreshold").Int(h.slabThreshold)
	general.Name("PageThreshold").Int(1 << h.pageThreshold)
	general.End()

	for _, section := range []struct {
		name  string
		stats *memutils.DetailedStatistics
	}{
		{"Total", &stats.Total},
		{"DL", &stats.DL},
		{"Slab", &stats.Slab},
		{"Paged", &stats.Paged},
	} {
		sectionObj := obj.Name(section.name).Object()
		section.stats.PrintJSON(sectionObj)
		sectionObj.End()
	}

	if detailed {
		h.printDetailedMap(obj.Name("DetailedMap"))
	}

	obj.End()
	return string(writer.Bytes())
}
