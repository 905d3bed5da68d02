package hybrid

import "math/bits"

// DL chunk layout. Every chunk starts with the footer of its predecessor (valid only while the predecessor
// is free) followed by a head word holding the chunk size and the in-use bits. Free chunks keep their
// list links in what would be the payload of an allocated chunk, and tree chunks add child, parent and
// bin index words after that.
const (
	fieldPrevFoot Ptr = 0
	fieldHead     Ptr = 4
	fieldFd       Ptr = 8
	fieldBk       Ptr = 12
	fieldChild0   Ptr = 16
	fieldChild1   Ptr = 20
	fieldParent   Ptr = 24
	fieldIndex    Ptr = 28
)

const (
	chunkAlign     = 8
	chunkAlignMask = chunkAlign - 1
	chunkOverhead  = 4
	chunkMemOffset = 8
	minChunkSize   = 16
	minRequest     = minChunkSize - chunkOverhead - 1

	pinuseBit = 1
	cinuseBit = 2
	flag4Bit  = 4
	inuseBits = pinuseBit | cinuseBit
	flagBits  = inuseBits | flag4Bit

	nSmallBins      = 32
	nTreeBins       = 32
	smallbinShift   = 3
	treebinShift    = 8
	minLargeSize    = 1 << treebinShift
	maxSmallSize    = minLargeSize - 1
	maxSmallRequest = maxSmallSize - chunkAlignMask - chunkOverhead

	// topFootSize bytes past the wilderness chunk hold a fencepost head so the last chunk always has a
	// successor
	topFootSize = minChunkSize
)

func chunk2mem(p Ptr) Ptr { return p + chunkMemOffset }
func mem2chunk(m Ptr) Ptr { return m - chunkMemOffset }

func padRequest(req uint32) uint32 {
	return (req + chunkOverhead + chunkAlignMask) &^ chunkAlignMask
}

func request2size(req uint32) uint32 {
	if req < minRequest {
		return minChunkSize
	}
	return padRequest(req)
}

func (h *Heap) head(p Ptr) uint32            { return h.word(p + fieldHead) }
func (h *Heap) setHead(p Ptr, v uint32)      { h.setWord(p+fieldHead, v) }
func (h *Heap) prevFoot(p Ptr) uint32        { return h.word(p + fieldPrevFoot) }
func (h *Heap) setPrevFoot(p Ptr, v uint32)  { h.setWord(p+fieldPrevFoot, v) }
func (h *Heap) fd(p Ptr) Ptr                 { return h.ptrAt(p + fieldFd) }
func (h *Heap) setFd(p, v Ptr)               { h.setPtr(p+fieldFd, v) }
func (h *Heap) bk(p Ptr) Ptr                 { return h.ptrAt(p + fieldBk) }
func (h *Heap) setBk(p, v Ptr)               { h.setPtr(p+fieldBk, v) }
func (h *Heap) child(p Ptr, i uint32) Ptr    { return h.ptrAt(childSlot(p, i)) }
func (h *Heap) parent(p Ptr) Ptr             { return h.ptrAt(p + fieldParent) }
func (h *Heap) setParent(p, v Ptr)           { h.setPtr(p+fieldParent, v) }
func (h *Heap) treeIndex(p Ptr) uint32       { return h.word(p + fieldIndex) }
func (h *Heap) setTreeIndex(p Ptr, i uint32) { h.setWord(p+fieldIndex, i) }

func childSlot(p Ptr, i uint32) Ptr {
	return p + fieldChild0 + Ptr(i*4)
}

func (h *Heap) leftmostChild(p Ptr) Ptr {
	if c := h.child(p, 0); c != Null {
		return c
	}
	return h.child(p, 1)
}

func (h *Heap) sizeOf(p Ptr) uint32 { return h.head(p) &^ flagBits }
func (h *Heap) isCinuse(p Ptr) bool { return h.head(p)&cinuseBit != 0 }
func (h *Heap) isPinuse(p Ptr) bool { return h.head(p)&pinuseBit != 0 }

func (h *Heap) clearPinuse(p Ptr) {
	h.setHead(p, h.head(p)&^pinuseBit)
}

func (h *Heap) setFoot(p Ptr, s uint32) {
	h.setPrevFoot(p+Ptr(s), s)
}

func (h *Heap) setSizeAndPinuseOfFreeChunk(p Ptr, s uint32) {
	h.setHead(p, s|pinuseBit)
	h.setFoot(p, s)
}

func (h *Heap) setFreeWithPinuse(p Ptr, s uint32, n Ptr) {
	h.clearPinuse(n)
	h.setSizeAndPinuseOfFreeChunk(p, s)
}

func (h *Heap) setInuse(p Ptr, s uint32) {
	h.setHead(p, (h.head(p)&pinuseBit)|s|cinuseBit)
	next := p + Ptr(s)
	h.setHead(next, h.head(next)|pinuseBit)
}

func (h *Heap) setInuseAndPinuse(p Ptr, s uint32) {
	h.setHead(p, s|pinuseBit|cinuseBit)
	next := p + Ptr(s)
	h.setHead(next, h.head(next)|pinuseBit)
}

func (h *Heap) setSizeAndPinuseOfInuseChunk(p Ptr, s uint32) {
	h.setHead(p, s|pinuseBit|cinuseBit)
}

func (h *Heap) okAddress(p Ptr) bool {
	return p >= dlBase && p < h.dlLimit
}

func okNext(p, n Ptr) bool {
	return p < n
}

// Bin indexing

func isSmall(s uint32) bool           { return s>>smallbinShift < nSmallBins }
func smallIndex(s uint32) uint32      { return s >> smallbinShift }
func smallIndex2Size(i uint32) uint32 { return i << smallbinShift }
func smallbinAt(i uint32) Ptr         { return offSmallBins + Ptr(i<<3) }
func treebinAt(i uint32) Ptr          { return offTreeBins + Ptr(i<<2) }

func idx2bit(i uint32) uint32  { return 1 << i }
func leastBit(x uint32) uint32 { return x & -x }
func leftBits(x uint32) uint32 { return (x << 1) | -(x << 1) }
func bit2idx(x uint32) uint32  { return uint32(bits.TrailingZeros32(x)) }

func computeTreeIndex(s uint32) uint32 {
	x := s >> treebinShift
	if x == 0 {
		return 0
	}
	if x > 0xFFFF {
		return nTreeBins - 1
	}
	k := uint32(31 - bits.LeadingZeros32(x))
	return (k << 1) + ((s >> (k + treebinShift - 1)) & 1)
}

func leftshiftForTreeIndex(i uint32) uint32 {
	if i == nTreeBins-1 {
		return 0
	}
	return 31 - ((i >> 1) + treebinShift - 2)
}

func minsizeForTreeIndex(i uint32) uint32 {
	return (1 << ((i >> 1) + treebinShift)) | ((i & 1) << ((i >> 1) + treebinShift - 1))
}

func (h *Heap) markSmallmap(i uint32)          { h.dl.smallMap |= idx2bit(i) }
func (h *Heap) clearSmallmap(i uint32)         { h.dl.smallMap &^= idx2bit(i) }
func (h *Heap) smallmapIsMarked(i uint32) bool { return h.dl.smallMap&idx2bit(i) != 0 }
func (h *Heap) markTreemap(i uint32)           { h.dl.treeMap |= idx2bit(i) }
func (h *Heap) clearTreemap(i uint32)          { h.dl.treeMap &^= idx2bit(i) }
func (h *Heap) treemapIsMarked(i uint32) bool  { return h.dl.treeMap&idx2bit(i) != 0 }
