package hybrid

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// CellInfo describes one cell or free range found while walking the heap
type CellInfo struct {
	// Ptr is the pointer handed to the caller for allocated cells, or the start of a free range
	Ptr Ptr
	// Len is the usable length of an allocated cell, or the size of a free range
	Len int
	// Owner is the sub-allocator the cell or range belongs to
	Owner SubAllocator
	// Free is true for free ranges
	Free bool
	// Level is the mark nesting level an allocated cell was tagged with. Always 0 without CreateDebug.
	Level uint32
	// Seq is the allocation sequence number of an allocated cell. Always 0 without CreateDebug.
	Seq uint32
}

// Walk calls visit for every allocated cell and free range in the heap: the DL region in address order,
// then slab pages, then paged cells. Walking stops early if visit returns an error, and that error is
// returned. visit must not call back into the heap.
func (h *Heap) Walk(visit func(info CellInfo) error) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.walk(visit)
}

// Validate checks every structure of the heap and returns the first inconsistency found
func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.validate()
}

func (h *Heap) allocatedInfo(cell Ptr, length int, owner SubAllocator) CellInfo {
	info := CellInfo{Ptr: cell, Len: length, Owner: owner}
	if h.debug != nil {
		info.Level, info.Seq = h.cellTag(cell)
		info.Ptr = cell + debugHeaderSize
		info.Len -= h.cellOverhead()
	}
	return info
}

func (h *Heap) walk(visit func(info CellInfo) error) error {
	if err := h.walkDL(visit); err != nil {
		return err
	}
	if err := h.walkSlabs(visit); err != nil {
		return err
	}
	return h.walkPaged(visit)
}

func (h *Heap) walkDL(visit func(info CellInfo) error) error {
	for q := dlBase; q < h.dl.top; {
		size := h.sizeOf(q)
		if size < minChunkSize {
			return errors.Wrapf(ErrCorruptHeap, "chunk %#x has a bad size %d", uint32(q), size)
		}

		var info CellInfo
		if h.isCinuse(q) {
			info = h.allocatedInfo(chunk2mem(q), int(size)-chunkOverhead, SubAllocatorDL)
		} else {
			info = CellInfo{Ptr: q, Len: int(size), Owner: SubAllocatorDL, Free: true}
		}
		if err := visit(info); err != nil {
			return err
		}
		q += Ptr(size)
	}

	return visit(CellInfo{Ptr: h.dl.top, Len: int(h.dl.topSize), Owner: SubAllocatorDL, Free: true})
}

func (h *Heap) sortedMappings(kind regionKind) []Ptr {
	var offsets []Ptr
	h.mappings.Iter(func(offset Ptr, m mapping) bool {
		if m.kind == kind {
			offsets = append(offsets, offset)
		}
		return false
	})
	slices.Sort(offsets)
	return offsets
}

func (h *Heap) walkSlabs(visit func(info CellInfo) error) error {
	for _, page := range h.sortedMappings(regionSlabPage) {
		if page == h.sparePage {
			err := visit(CellInfo{Ptr: page, Len: slabPageSize, Owner: SubAllocatorSlab, Free: true})
			if err != nil {
				return err
			}
			continue
		}

		pagemap := slabHeaderPagemap(h.word(page))
		for i := uint32(0); i < slabsPerPage; i++ {
			s := page + Ptr(i)<<slabShift

			var err error
			if pagemap&(1<<i) != 0 {
				err = visit(CellInfo{Ptr: s, Len: slabSize, Owner: SubAllocatorSlab, Free: true})
			} else {
				err = h.walkSlab(s, visit)
			}
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (h *Heap) walkSlab(s Ptr, visit func(info CellInfo) error) error {
	hdr := h.word(s)
	cellSize := slabHeaderCellSize(hdr)
	if cellSize == 0 {
		return errors.Wrapf(ErrCorruptHeap, "slab %#x has no cell size", uint32(s))
	}
	capacity := slabCapacity(cellSize)

	var free [slabPayload / 4]bool
	handedOut := slabHeaderUsed(hdr)
	for offset := slabHeaderFree(hdr) << 2; offset != 0; offset = (h.word(s+Ptr(offset)) & slabFreeMask) << 2 {
		index := (offset - slabHeaderSize) / cellSize
		if offset < slabHeaderSize || index >= capacity || free[index] {
			return errors.Wrapf(ErrCorruptHeap, "free list of slab %#x is broken at offset %d", uint32(s), offset)
		}
		free[index] = true
		handedOut++
	}

	for index := uint32(0); index < capacity; index++ {
		cell := s + slabHeaderSize + Ptr(index*cellSize)

		info := CellInfo{Ptr: cell, Len: int(cellSize), Owner: SubAllocatorSlab, Free: true}
		if index < handedOut && !free[index] {
			info = h.allocatedInfo(cell, int(cellSize), SubAllocatorSlab)
		}
		if err := visit(info); err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) walkPaged(visit func(info CellInfo) error) error {
	for _, cell := range h.sortedMappings(regionPaged) {
		m, _ := h.mappings.Get(cell)
		if err := visit(h.allocatedInfo(cell, m.size, SubAllocatorPaged)); err != nil {
			return err
		}
	}
	return nil
}

// validate runs every structural check and reconciles the walk with the heap's counters
func (h *Heap) validate() error {
	if h.word(offMagic) != headerMagic {
		return errors.Wrapf(ErrCorruptHeap, "header magic is %#x", h.word(offMagic))
	}
	if err := h.checkMallocState(); err != nil {
		return err
	}
	if err := h.checkSlabState(); err != nil {
		return err
	}
	if err := h.checkPagedState(); err != nil {
		return err
	}

	cells, bytes := 0, 0
	err := h.walk(func(info CellInfo) error {
		if info.Free {
			return nil
		}

		cells++
		bytes += info.Len
		if h.debug != nil {
			return h.debug.checkGuard(h, info.Ptr-debugHeaderSize, info.Len)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cells != h.cellCount || bytes != h.totalAllocSize {
		return errors.Wrapf(ErrCorruptHeap, "walk found %d cells of %d bytes, expected %d cells of %d bytes", cells, bytes, h.cellCount, h.totalAllocSize)
	}
	return nil
}
