package hybrid

import (
	"math/bits"

	"github.com/vkngwrapper/hybridheap/provider"
	"golang.org/x/exp/slog"
)

// Slabs are 1KiB blocks of equal-sized cells, four to a 4KiB page. The first word of a slab packs its
// state:
//
//	bits 0-7    word offset of the first free cell, 0 if the free list is empty
//	bits 8-11   pagemap: which slabs of the page are free (first slab of a page only)
//	bits 12-19  number of cells in use
//	bits 20-25  cell size / 4
//	bit 31      floating: the slab is full and lives on the full list
//
// The next three words hold tree links: the slot that points at the slab and its two children.
const (
	slabShift         = 10
	slabSize          = 1 << slabShift
	slabPageShift     = 12
	slabPageSize      = 1 << slabPageShift
	slabsPerPage      = slabPageSize / slabSize
	slabHeaderSize    = 16
	slabPayload       = slabSize - slabHeaderSize
	slabClassCount    = 14
	maxSlabCellSize   = slabClassCount * 4
	fullPagemap       = 1<<slabsPerPage - 1
	defaultSlabConfig = 1<<slabClassCount - 1

	slabFreeMask     uint32 = 0xFF
	slabPagemapShift        = 8
	slabPagemapMask  uint32 = 0xF << slabPagemapShift
	slabUsedShift           = 12
	slabUsedMask     uint32 = 0xFF << slabUsedShift
	slabSizeShift           = 20
	slabSizeMask     uint32 = 0x3F << slabSizeShift
	slabFloating     uint32 = 1 << 31

	slabParent Ptr = 4
	slabChild1 Ptr = 8
	slabChild2 Ptr = 12
)

func slabFor(cell Ptr) Ptr  { return cell &^ (slabSize - 1) }
func slabPageFor(s Ptr) Ptr { return s &^ (slabPageSize - 1) }
func slabIndexInPage(s Ptr) uint32 {
	return uint32(s-slabPageFor(s)) >> slabShift
}

func slabHeaderFree(hdr uint32) uint32     { return hdr & slabFreeMask }
func slabHeaderPagemap(hdr uint32) uint32  { return (hdr & slabPagemapMask) >> slabPagemapShift }
func slabHeaderUsed(hdr uint32) uint32     { return (hdr & slabUsedMask) >> slabUsedShift }
func slabHeaderCellSize(hdr uint32) uint32 { return ((hdr & slabSizeMask) >> slabSizeShift) << 2 }

func slabCapacity(cellSize uint32) uint32 {
	return slabPayload / cellSize
}

func slabClass(cellSize uint32) uint32 {
	return cellSize/4 - 1
}

func slabRootSlot(class uint32) Ptr {
	return offSlabRoots + Ptr(class*4)
}

func lowBit(pagemap uint32) uint32 {
	return uint32(bits.TrailingZeros32(pagemap))
}

func (h *Heap) slabsSupported() bool {
	return h.flags&CreateDLOnly == 0 && h.pageSize == slabPageSize
}

func (h *Heap) checkSlabInit() {
	if !h.slabInitialized && h.slabsSupported() && h.chunkSize >= h.slabInitThreshold {
		h.initSlabs(h.slabConfig)
	}
}

// initSlabs enables the size classes in config and recomputes the slab threshold
func (h *Heap) initSlabs(config uint32) {
	h.slabConfig = config & defaultSlabConfig
	h.slabThreshold = 0

	for i := range h.sizeMap {
		h.sizeMap[i] = 0xFF
		for class := max(i, 1) - 1; class < slabClassCount; class++ {
			if h.slabConfig&(1<<class) != 0 {
				h.sizeMap[i] = uint8(class)
				break
			}
		}
	}

	for class := slabClassCount - 1; class >= 0; class-- {
		if h.slabConfig&(1<<class) != 0 {
			h.slabThreshold = (class+1)*4 + 1
			break
		}
	}

	h.slabInitialized = true
	h.logger.Debug("Heap::initSlabs", slog.Int("config", int(h.slabConfig)), slog.Int("threshold", h.slabThreshold))
}

// slabAlloc returns a cell from the lowest-addressed partial slab of the request's size class
func (h *Heap) slabAlloc(size int) Ptr {
	class := uint32(h.sizeMap[(size+3)>>2])
	if class >= slabClassCount {
		return Null
	}

	s := h.slabTreeFirst(slabRootSlot(class))
	if s == Null {
		s = h.allocNewSlab(class)
		if s == Null {
			return Null
		}
	}

	hdr := h.word(s)
	cellSize := slabHeaderCellSize(hdr)
	used := slabHeaderUsed(hdr)

	var cell Ptr
	if free := slabHeaderFree(hdr); free != 0 {
		cell = s + Ptr(free<<2)
		hdr = hdr&^slabFreeMask | h.word(cell)&slabFreeMask
	} else {
		cell = s + slabHeaderSize + Ptr(used*cellSize)
	}

	used++
	hdr = hdr&^slabUsedMask | used<<slabUsedShift
	if used == slabCapacity(cellSize) {
		h.slabTreeRemove(s)
		h.pushFullSlab(s)
		hdr |= slabFloating
	}
	h.setWord(s, hdr)

	return cell
}

// slabCheckInuse faults unless cell is a handed-out cell of an in-use slab. Without the debug overlay it
// only catches a cell freed twice in a row and cells past the end of a slab with no free cells.
func (h *Heap) slabCheckInuse(cell Ptr) {
	s := slabFor(cell)
	page := slabPageFor(s)

	m, ok := h.mappings.Get(page)
	if !ok || m.kind != regionSlabPage || page == h.sparePage {
		h.faultf(ErrBadCellAddress, "%#x is not in a slab page", uint32(cell))
	}
	if slabHeaderPagemap(h.word(page))&(1<<slabIndexInPage(s)) != 0 {
		h.faultf(ErrBadFreeCell, "slab cell %#x is in a free slab", uint32(cell))
	}

	hdr := h.word(s)
	cellSize := slabHeaderCellSize(hdr)
	offset := uint32(cell - s)
	if cellSize == 0 || offset < slabHeaderSize || (offset-slabHeaderSize)%cellSize != 0 {
		h.faultf(ErrBadCellAddress, "%#x is not on a cell boundary of its slab", uint32(cell))
	}

	used := slabHeaderUsed(hdr)
	index := (offset - slabHeaderSize) / cellSize
	if used == 0 || index >= slabCapacity(cellSize) {
		h.faultf(ErrBadFreeCell, "slab cell %#x", uint32(cell))
	}

	head := slabHeaderFree(hdr)
	if head != 0 && s+Ptr(head<<2) == cell {
		h.faultf(ErrBadFreeCell, "slab cell %#x is on its slab's free list", uint32(cell))
	}
	// with an empty free list the handed-out cells are exactly the first used ones
	if head == 0 && index >= used {
		h.faultf(ErrBadFreeCell, "slab cell %#x was never allocated", uint32(cell))
	}
	if h.debug != nil && head != 0 {
		h.slabCheckFreeList(s, cell, index)
	}
}

// slabCheckFreeList walks a slab's free list, faulting if cell is on it or lies beyond every cell the slab
// has handed out
func (h *Heap) slabCheckFreeList(s, cell Ptr, index uint32) {
	hdr := h.word(s)
	cellSize := slabHeaderCellSize(hdr)

	handedOut := slabHeaderUsed(hdr)
	for free := slabHeaderFree(hdr); free != 0; free = h.word(s+Ptr(free<<2)) & slabFreeMask {
		if s+Ptr(free<<2) == cell {
			h.faultf(ErrBadFreeCell, "slab cell %#x is on its slab's free list", uint32(cell))
		}
		handedOut++
		if handedOut > slabCapacity(cellSize) {
			h.faultf(ErrCorruptHeap, "free list of slab %#x does not terminate", uint32(s))
		}
	}
	if index >= handedOut {
		h.faultf(ErrBadFreeCell, "slab cell %#x was never allocated", uint32(cell))
	}
}

func (h *Heap) slabCellLen(cell Ptr) int {
	return int(slabHeaderCellSize(h.word(slabFor(cell))))
}

func (h *Heap) slabFree(cell Ptr) {
	s := slabFor(cell)
	hdr := h.word(s)
	used := slabHeaderUsed(hdr)
	cellSize := slabHeaderCellSize(hdr)

	if hdr&slabFloating != 0 {
		h.unlinkFullSlab(s)
		hdr &^= slabFloating
		if used > 1 {
			h.slabTreeInsert(s, slabRootSlot(slabClass(cellSize)))
		}
	} else if used == 1 {
		h.slabTreeRemove(s)
	}

	if used == 1 {
		h.setWord(s, hdr&slabPagemapMask)
		h.freeSlab(s)
		return
	}

	h.setWord(cell, hdr&slabFreeMask)
	hdr = hdr&^(slabFreeMask|slabUsedMask) | uint32(cell-s)>>2 | (used-1)<<slabUsedShift
	h.setWord(s, hdr)
}

// allocNewSlab takes the lowest free slab of a partially used page, or a fresh page if there is none
func (h *Heap) allocNewSlab(class uint32) Ptr {
	s := h.slabTreeFirst(offPartialPage)
	if s == Null {
		return h.allocNewPage(class)
	}

	page := slabPageFor(s)
	pagemap := slabHeaderPagemap(h.word(page))
	h.slabTreeRemove(s)

	pagemap &^= 1 << slabIndexInPage(s)
	h.setWord(page, h.word(page)&^slabPagemapMask|pagemap<<slabPagemapShift)
	if pagemap != 0 {
		h.slabTreeInsert(page+Ptr(lowBit(pagemap))<<slabShift, offPartialPage)
	}

	h.initSlab(s, class)
	return s
}

func (h *Heap) allocNewPage(class uint32) Ptr {
	page := h.sparePage
	if page != Null {
		h.sparePage = Null
	} else {
		var ok bool
		page, ok = h.mapRegion(provider.AnyOffset, slabPageSize)
		if !ok {
			return Null
		}
		h.mappings.Put(page, mapping{size: slabPageSize, kind: regionSlabPage})
	}

	for i := Ptr(1); i < slabsPerPage; i++ {
		h.setWord(page+i<<slabShift, 0)
	}
	h.setWord(page, (fullPagemap&^1)<<slabPagemapShift)
	h.slabTreeInsert(page+slabSize, offPartialPage)

	h.initSlab(page, class)
	return page
}

func (h *Heap) initSlab(s Ptr, class uint32) {
	hdr := ((class + 1) << slabSizeShift)
	if slabIndexInPage(s) == 0 {
		hdr |= h.word(s) & slabPagemapMask
	}
	h.setWord(s, hdr)
	h.slabTreeInsert(s, slabRootSlot(class))
}

// freeSlab returns an empty slab to its page, releasing the page once all of its slabs are free
func (h *Heap) freeSlab(s Ptr) {
	page := slabPageFor(s)
	pagemap := slabHeaderPagemap(h.word(page))
	newPagemap := pagemap | 1<<slabIndexInPage(s)

	if newPagemap == fullPagemap {
		if pagemap != 0 {
			h.slabTreeRemove(page + Ptr(lowBit(pagemap))<<slabShift)
		}
		h.freeSlabPage(page)
		return
	}

	h.setWord(page, h.word(page)&^slabPagemapMask|newPagemap<<slabPagemapShift)
	if pagemap == 0 {
		h.slabTreeInsert(page+Ptr(lowBit(newPagemap))<<slabShift, offPartialPage)
	} else if lowBit(newPagemap) < lowBit(pagemap) {
		h.slabTreeRemove(page + Ptr(lowBit(pagemap))<<slabShift)
		h.slabTreeInsert(page+Ptr(lowBit(newPagemap))<<slabShift, offPartialPage)
	}
}

// freeSlabPage keeps one empty page cached and decommits the rest
func (h *Heap) freeSlabPage(page Ptr) {
	h.setWord(page, fullPagemap<<slabPagemapShift)

	if h.sparePage == Null {
		h.sparePage = page
		return
	}

	if h.unmapRegion(page, slabPageSize) {
		h.mappings.Delete(page)
	}
}
