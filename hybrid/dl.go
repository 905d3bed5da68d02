package hybrid

import (
	"github.com/vkngwrapper/hybridheap/memutils"
	"golang.org/x/exp/slog"
)

// dlState is the DL allocator's malloc state. The bin heads themselves live in the arena header.
type dlState struct {
	smallMap  uint32
	treeMap   uint32
	dvSize    uint32
	topSize   uint32
	dv        Ptr
	top       Ptr
	trimCheck uint32
}

// dlMalloc returns the payload of a chunk able to hold bytes, growing the DL region if needed
func (h *Heap) dlMalloc(bytes uint32) Ptr {
	var nb uint32

	if bytes <= maxSmallRequest {
		nb = request2size(bytes)
		idx := smallIndex(nb)
		smallBits := h.dl.smallMap >> idx

		if smallBits&0x3 != 0 {
			// remainderless fit in this bin or the next
			idx += ^smallBits & 1
			b := smallbinAt(idx)
			p := h.fd(b)
			h.unlinkFirstSmallChunk(b, p, idx)
			h.setInuseAndPinuse(p, smallIndex2Size(idx))
			return chunk2mem(p)
		}

		if nb > h.dl.dvSize {
			if smallBits != 0 {
				left := (smallBits << idx) & leftBits(idx2bit(idx))
				i := bit2idx(leastBit(left))
				b := smallbinAt(i)
				p := h.fd(b)
				h.unlinkFirstSmallChunk(b, p, i)
				rsize := smallIndex2Size(i) - nb
				if rsize < minChunkSize {
					h.setInuseAndPinuse(p, smallIndex2Size(i))
				} else {
					h.setSizeAndPinuseOfInuseChunk(p, nb)
					r := p + Ptr(nb)
					h.setSizeAndPinuseOfFreeChunk(r, rsize)
					h.replaceDv(r, rsize)
				}
				return chunk2mem(p)
			}

			if h.dl.treeMap != 0 {
				if mem := h.tmallocSmall(nb); mem != Null {
					return mem
				}
			}
		}
	} else {
		nb = padRequest(bytes)
		if h.dl.treeMap != 0 {
			if mem := h.tmallocLarge(nb); mem != Null {
				return mem
			}
		}
	}

	if nb <= h.dl.dvSize {
		rsize := h.dl.dvSize - nb
		p := h.dl.dv
		if rsize >= minChunkSize {
			r := p + Ptr(nb)
			h.dl.dv = r
			h.dl.dvSize = rsize
			h.setSizeAndPinuseOfFreeChunk(r, rsize)
			h.setSizeAndPinuseOfInuseChunk(p, nb)
		} else {
			dvs := h.dl.dvSize
			h.dl.dvSize = 0
			h.dl.dv = Null
			h.setInuseAndPinuse(p, dvs)
		}
		return chunk2mem(p)
	}

	if nb < h.dl.topSize {
		return h.splitTop(nb)
	}

	return h.sysAlloc(nb)
}

func (h *Heap) splitTop(nb uint32) Ptr {
	h.dl.topSize -= nb
	p := h.dl.top
	r := p + Ptr(nb)
	h.dl.top = r
	h.setHead(r, h.dl.topSize|pinuseBit)
	h.setSizeAndPinuseOfInuseChunk(p, nb)
	return chunk2mem(p)
}

// tmallocSmall allocates a small request from the best-fitting tree chunk
func (h *Heap) tmallocSmall(nb uint32) Ptr {
	i := bit2idx(leastBit(h.dl.treeMap))
	t := h.ptrAt(treebinAt(i))
	v := t
	rsize := h.sizeOf(t) - nb

	for t = h.leftmostChild(t); t != Null; t = h.leftmostChild(t) {
		trem := h.sizeOf(t) - nb
		if trem < rsize {
			rsize = trem
			v = t
		}
	}

	if h.okAddress(v) {
		r := v + Ptr(nb)
		if okNext(v, r) {
			h.unlinkLargeChunk(v)
			if rsize < minChunkSize {
				h.setInuseAndPinuse(v, rsize+nb)
			} else {
				h.setSizeAndPinuseOfInuseChunk(v, nb)
				h.setSizeAndPinuseOfFreeChunk(r, rsize)
				h.replaceDv(r, rsize)
			}
			return chunk2mem(v)
		}
	}

	h.faultf(ErrCorruptHeap, "tree chunk %#x is out of range", uint32(v))
	return Null
}

// tmallocLarge allocates a large request from the smallest tree chunk that fits, preferring the
// designated victim when it is a closer fit
func (h *Heap) tmallocLarge(nb uint32) Ptr {
	var v Ptr
	rsize := -nb
	idx := computeTreeIndex(nb)

	t := h.ptrAt(treebinAt(idx))
	if t != Null {
		// traverse the tree for this bin looking for a node of size nb
		sizeBits := nb << leftshiftForTreeIndex(idx)
		var rst Ptr
		for {
			trem := h.sizeOf(t) - nb
			if trem < rsize {
				v = t
				rsize = trem
				if rsize == 0 {
					break
				}
			}
			rt := h.child(t, 1)
			t = h.child(t, (sizeBits>>31)&1)
			if rt != Null && rt != t {
				rst = rt
			}
			if t == Null {
				// the deepest untaken right subtree
				t = rst
				break
			}
			sizeBits <<= 1
		}
	}

	if t == Null && v == Null {
		// use the root of the next nonempty tree bin
		left := leftBits(idx2bit(idx)) & h.dl.treeMap
		if left != 0 {
			t = h.ptrAt(treebinAt(bit2idx(leastBit(left))))
		}
	}

	for t != Null {
		// find the smallest chunk of this tree or subtree
		trem := h.sizeOf(t) - nb
		if trem < rsize {
			rsize = trem
			v = t
		}
		t = h.leftmostChild(t)
	}

	if v == Null || rsize >= h.dl.dvSize-nb {
		return Null
	}

	if h.okAddress(v) {
		r := v + Ptr(nb)
		if okNext(v, r) {
			h.unlinkLargeChunk(v)
			if rsize < minChunkSize {
				h.setInuseAndPinuse(v, rsize+nb)
			} else {
				h.setSizeAndPinuseOfInuseChunk(v, nb)
				h.setSizeAndPinuseOfFreeChunk(r, rsize)
				h.insertChunk(r, rsize)
			}
			return chunk2mem(v)
		}
	}

	h.faultf(ErrCorruptHeap, "tree chunk %#x is out of range", uint32(v))
	return Null
}

// dlCheckInuse faults unless mem is the payload of an allocated DL chunk
func (h *Heap) dlCheckInuse(mem Ptr) {
	p := mem2chunk(mem)
	if mem&chunkAlignMask != 0 || !h.okAddress(p) || p >= h.dl.top {
		h.faultf(ErrBadCellAddress, "%#x is not a DL cell", uint32(mem))
	}
	if !h.isCinuse(p) {
		h.faultf(ErrBadFreeCell, "DL cell %#x", uint32(mem))
	}

	size := h.sizeOf(p)
	next := p + Ptr(size)
	if size < minChunkSize || !okNext(p, next) || next > h.dl.top || !h.isPinuse(next) {
		h.faultf(ErrCorruptHeap, "DL cell %#x has a bad size %d", uint32(mem), size)
	}
}

func (h *Heap) dlCellLen(mem Ptr) int {
	return int(h.sizeOf(mem2chunk(mem))) - chunkOverhead
}

func (h *Heap) dlFree(mem Ptr) {
	p := mem2chunk(mem)
	if h.disposeChunk(p, h.sizeOf(p)) && h.dl.topSize > h.dl.trimCheck {
		h.sysTrim(0)
	}
}

// disposeChunk coalesces a chunk with its free neighbours and bins the result. It reports whether the
// chunk was merged into the wilderness.
func (h *Heap) disposeChunk(p Ptr, psize uint32) bool {
	next := p + Ptr(psize)

	if !h.isPinuse(p) {
		prevSize := h.prevFoot(p)
		prev := p - Ptr(prevSize)
		if !h.okAddress(prev) {
			h.faultf(ErrCorruptHeap, "chunk %#x has a bad previous size %d", uint32(p), prevSize)
		}
		psize += prevSize
		p = prev
		if p != h.dl.dv {
			h.unlinkChunk(p, prevSize)
		} else if h.head(next)&inuseBits == inuseBits {
			h.dl.dvSize = psize
			h.setFreeWithPinuse(p, psize, next)
			return false
		}
	}

	if next >= h.dlLimit {
		h.faultf(ErrCorruptHeap, "chunk %#x runs past the DL region", uint32(p))
	}

	if !h.isCinuse(next) {
		switch next {
		case h.dl.top:
			h.dl.topSize += psize
			h.dl.top = p
			h.setHead(p, h.dl.topSize|pinuseBit)
			if p == h.dl.dv {
				h.dl.dv = Null
				h.dl.dvSize = 0
			}
			return true
		case h.dl.dv:
			h.dl.dvSize += psize
			h.dl.dv = p
			h.setSizeAndPinuseOfFreeChunk(p, h.dl.dvSize)
			return false
		default:
			nsize := h.sizeOf(next)
			psize += nsize
			h.unlinkChunk(next, nsize)
			h.setSizeAndPinuseOfFreeChunk(p, psize)
			if p == h.dl.dv {
				h.dl.dvSize = psize
				return false
			}
		}
	} else {
		h.setFreeWithPinuse(p, psize, next)
	}

	h.insertChunk(p, psize)
	return false
}

// tryReallocChunk resizes a chunk in place to nb bytes. It returns false if the chunk cannot be resized
// without moving it.
func (h *Heap) tryReallocChunk(p Ptr, nb uint32) bool {
	oldSize := h.sizeOf(p)
	next := p + Ptr(oldSize)

	if oldSize >= nb {
		rsize := oldSize - nb
		if rsize >= minChunkSize {
			r := p + Ptr(nb)
			h.setInuse(p, nb)
			h.setInuse(r, rsize)
			h.disposeChunk(r, rsize)
		}
		return true
	}

	switch {
	case next == h.dl.top:
		if oldSize+h.dl.topSize <= nb && !h.growTop(int(nb-oldSize-h.dl.topSize)+chunkAlign) {
			return false
		}
		newTopSize := oldSize + h.dl.topSize - nb
		newTop := p + Ptr(nb)
		h.setInuse(p, nb)
		h.setHead(newTop, newTopSize|pinuseBit)
		h.dl.top = newTop
		h.dl.topSize = newTopSize
		return true

	case next == h.dl.dv:
		dvs := h.dl.dvSize
		if oldSize+dvs < nb {
			return false
		}
		dsize := oldSize + dvs - nb
		if dsize >= minChunkSize {
			r := p + Ptr(nb)
			n := r + Ptr(dsize)
			h.setInuse(p, nb)
			h.setSizeAndPinuseOfFreeChunk(r, dsize)
			h.clearPinuse(n)
			h.dl.dvSize = dsize
			h.dl.dv = r
		} else {
			h.setInuse(p, oldSize+dvs)
			h.dl.dvSize = 0
			h.dl.dv = Null
		}
		return true

	case !h.isCinuse(next):
		nextSize := h.sizeOf(next)
		if oldSize+nextSize < nb {
			return false
		}
		rsize := oldSize + nextSize - nb
		h.unlinkChunk(next, nextSize)
		if rsize < minChunkSize {
			h.setInuse(p, oldSize+nextSize)
		} else {
			r := p + Ptr(nb)
			h.setInuse(p, nb)
			h.setInuse(r, rsize)
			h.disposeChunk(r, rsize)
		}
		return true
	}

	return false
}

func (h *Heap) initTop(p Ptr, psize uint32) {
	h.dl.top = p
	h.dl.topSize = psize
	h.setHead(p, psize|pinuseBit)
	fence := p + Ptr(psize)
	h.setPrevFoot(fence, 0)
	h.setHead(fence, topFootSize)
}

// sysAlloc grows the wilderness enough to split nb bytes from it
func (h *Heap) sysAlloc(nb uint32) Ptr {
	if !h.growTop(int(nb) - int(h.dl.topSize) + topFootSize) {
		return Null
	}
	return h.splitTop(nb)
}

// growTop extends the DL region by at least need bytes, preferring a multiple of the grow-by size
func (h *Heap) growTop(need int) bool {
	if need <= 0 {
		return true
	}

	size := memutils.AlignUp(need, uint(h.growBy))
	if h.extendDL(size) {
		return true
	}

	pageAligned := memutils.AlignUp(need, uint(h.pageSize))
	return pageAligned != size && h.extendDL(pageAligned)
}

func (h *Heap) extendDL(size int) bool {
	offset, ok := h.mapRegion(int(h.dlLimit), size)
	if !ok {
		return false
	}
	if offset != h.dlLimit {
		h.faultf(ErrCorruptHeap, "provider committed %#x when asked for %#x", uint32(offset), uint32(h.dlLimit))
	}

	h.dlLimit += Ptr(size)
	h.initTop(h.dl.top, h.dl.topSize+uint32(size))
	h.logger.Debug("Heap::extendDL", slog.Int("size", size), slog.Int("topSize", int(h.dl.topSize)))
	return true
}

// sysTrim releases whole pages from the end of the wilderness, keeping at least pad bytes in it and
// never shrinking the DL region below the heap's minimum length. It returns the number of bytes released.
func (h *Heap) sysTrim(pad uint32) int {
	if h.fixed {
		return 0
	}

	pad += topFootSize
	if h.dl.topSize <= pad {
		return 0
	}

	extra := memutils.AlignDown(int(h.dl.topSize-pad), uint(h.pageSize))
	if int(h.dlLimit)-extra < h.minLength {
		extra = memutils.AlignDown(int(h.dlLimit)-h.minLength, uint(h.pageSize))
	}
	if extra <= 0 {
		return 0
	}

	newLimit := h.dlLimit - Ptr(extra)
	if !h.unmapRegion(newLimit, extra) {
		return 0
	}

	h.dlLimit = newLimit
	h.initTop(h.dl.top, h.dl.topSize-uint32(extra))
	h.logger.Debug("Heap::sysTrim", slog.Int("released", extra), slog.Int("topSize", int(h.dl.topSize)))
	return extra
}
