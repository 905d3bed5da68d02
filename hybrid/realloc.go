package hybrid

import (
	"github.com/vkngwrapper/hybridheap/memutils"
)

// ReAllocMode restricts how ReAlloc may satisfy a request
type ReAllocMode int32

const (
	// ReAllocNeverMove forbids moving the cell. If it cannot be resized in place ReAlloc returns Null
	// and the original cell is untouched.
	ReAllocNeverMove ReAllocMode = 1 << iota
	// ReAllocAllowMoveOnShrink lets a shrinking request move the cell to a smaller one, such as from a
	// paged cell to a DL cell, when that would release memory
	ReAllocAllowMoveOnShrink
)

// ReAlloc changes the size of a cell, preserving its contents up to the smaller of the old and new usable
// lengths. It returns the resized cell, which may differ from p, or Null if the request could not be
// satisfied, in which case p is still valid.
//
// Shrinking to at least three quarters of the current usable length leaves the cell alone. Growing asks
// for at least a quarter more than the current usable length, in place or by moving, so a cell grown in
// small steps is not copied every time. Only when that is out of reach does it settle for size.
//
// ReAlloc(Null, size) is Alloc(size). ReAlloc(p, 0) frees p and returns Null.
func (h *Heap) ReAlloc(p Ptr, size int, mode ReAllocMode) Ptr {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if p == Null {
		return h.alloc(size)
	}
	if size == 0 {
		h.free(p)
		return Null
	}
	if size < 0 || size > h.maxLength {
		return Null
	}

	cell := h.cellPtr(p)
	owner := h.checkCell(cell)
	overhead := h.cellOverhead()
	oldLen := h.cellLen(cell, owner) - overhead

	if size <= oldLen {
		return h.shrink(p, cell, owner, oldLen, size, mode)
	}

	target := min(max(size, oldLen+oldLen/4), h.maxLength)
	if h.resizeInPlace(cell, owner, oldLen, target) {
		memutils.DebugValidate(memutils.ValidateFunc(h.validate))
		return p
	}

	var moved Ptr
	if mode&ReAllocNeverMove == 0 {
		moved = h.alloc(target)
	}
	if moved != Null {
		return h.move(p, moved, oldLen)
	}

	// the grown target is out of reach, so settle for exactly what was asked
	if target != size && h.resizeInPlace(cell, owner, oldLen, size) {
		memutils.DebugValidate(memutils.ValidateFunc(h.validate))
		return p
	}
	if mode&ReAllocNeverMove != 0 {
		return Null
	}

	moved = h.alloc(size)
	if moved == Null {
		return Null
	}
	return h.move(p, moved, oldLen)
}

func (h *Heap) shrink(p, cell Ptr, owner SubAllocator, oldLen, size int, mode ReAllocMode) Ptr {
	if size >= oldLen-oldLen/4 {
		return p
	}

	if mode&ReAllocAllowMoveOnShrink != 0 && mode&ReAllocNeverMove == 0 && h.shrinkMoves(cell, owner, size) {
		if moved := h.alloc(size); moved != Null {
			return h.move(p, moved, size)
		}
	}

	h.resizeInPlace(cell, owner, oldLen, size)
	memutils.DebugValidate(memutils.ValidateFunc(h.validate))
	return p
}

// shrinkMoves reports whether a fresh request for size bytes would land in a different sub-allocator or a
// smaller slab class than the cell it replaces
func (h *Heap) shrinkMoves(cell Ptr, owner SubAllocator, size int) bool {
	size += h.cellOverhead()
	if h.route(size) != owner {
		return true
	}
	return owner == SubAllocatorSlab && h.slabShrinks(cell, size)
}

// slabShrinks reports whether a request for size bytes would be served from a smaller slab class than
// the one holding cell
func (h *Heap) slabShrinks(cell Ptr, size int) bool {
	class := h.sizeMap[(size+3)>>2]
	return class < slabClassCount && (uint32(class)+1)*4 < uint32(h.slabCellLen(cell))
}

// resizeInPlace tries to change a cell's usable length to size without moving it and keeps the counters
// and the debug overlay in step
func (h *Heap) resizeInPlace(cell Ptr, owner SubAllocator, oldLen, size int) bool {
	overhead := h.cellOverhead()

	var ok bool
	switch owner {
	case SubAllocatorDL:
		ok = h.tryReallocChunk(mem2chunk(cell), request2size(uint32(size+overhead)))
	case SubAllocatorPaged:
		ok = h.pagedResize(cell, size+overhead)
	case SubAllocatorSlab:
		ok = size+overhead <= h.slabCellLen(cell)
	}
	if !ok {
		return false
	}

	newLen := h.cellLen(cell, owner) - overhead
	h.totalAllocSize += newLen - oldLen
	if h.debug != nil {
		h.debug.retagCell(h, cell, oldLen, newLen)
	}
	return true
}

// move copies the first length bytes of p into moved and frees p
func (h *Heap) move(p, moved Ptr, length int) Ptr {
	copy(h.mem[moved:int(moved)+length], h.mem[p:int(p)+length])
	h.free(p)
	return moved
}
