package hybrid

import (
	"github.com/cockroachdb/errors"
)

// checkMallocState walks the DL region chunk by chunk and cross-checks it against the bins
func (h *Heap) checkMallocState() error {
	maxChunks := int(h.dlLimit-dlBase)/minChunkSize + 1

	for i := uint32(0); i < nSmallBins; i++ {
		err := h.checkSmallbin(i, maxChunks)
		if err != nil {
			return err
		}
	}

	for i := uint32(0); i < nTreeBins; i++ {
		t := h.ptrAt(treebinAt(i))
		empty := !h.treemapIsMarked(i)
		if t == Null && !empty {
			return errors.Wrapf(ErrCorruptHeap, "tree bin %d is marked but empty", i)
		}
		if t != Null && empty {
			return errors.Wrapf(ErrCorruptHeap, "tree bin %d holds %#x but is not marked", i, uint32(t))
		}
		if !empty {
			if h.parent(t) != treebinAt(i) {
				return errors.Wrapf(ErrCorruptHeap, "root %#x of tree bin %d does not point back at its bin", uint32(t), i)
			}
			count := 0
			err := h.checkTree(t, &count, maxChunks)
			if err != nil {
				return err
			}
		}
	}

	if h.dl.dvSize != 0 {
		err := h.checkFreeChunk(h.dl.dv)
		if err != nil {
			return err
		}
		if h.sizeOf(h.dl.dv) != h.dl.dvSize {
			return errors.Wrapf(ErrCorruptHeap, "designated victim %#x has size %d, expected %d", uint32(h.dl.dv), h.sizeOf(h.dl.dv), h.dl.dvSize)
		}
		if h.binFind(h.dl.dv) {
			return errors.Wrapf(ErrCorruptHeap, "designated victim %#x is also binned", uint32(h.dl.dv))
		}
	}

	if h.dl.topSize == 0 || h.sizeOf(h.dl.top) != h.dl.topSize {
		return errors.Wrapf(ErrCorruptHeap, "wilderness %#x has size %d, expected %d", uint32(h.dl.top), h.sizeOf(h.dl.top), h.dl.topSize)
	}
	if h.dl.top+Ptr(h.dl.topSize)+topFootSize != h.dlLimit {
		return errors.Wrapf(ErrCorruptHeap, "wilderness %#x of size %d does not end at the DL limit %#x", uint32(h.dl.top), h.dl.topSize, uint32(h.dlLimit))
	}
	if h.head(h.dl.top+Ptr(h.dl.topSize)) != topFootSize {
		return errors.Wrapf(ErrCorruptHeap, "fencepost after the wilderness was overwritten")
	}

	return h.traverseAndCheck()
}

func (h *Heap) checkSmallbin(i uint32, maxChunks int) error {
	if !h.smallmapIsMarked(i) {
		return nil
	}

	b := smallbinAt(i)
	p := h.bk(b)
	if p == b {
		return errors.Wrapf(ErrCorruptHeap, "small bin %d is marked but empty", i)
	}

	for count := 0; p != b; count++ {
		if count > maxChunks {
			return errors.Wrapf(ErrCorruptHeap, "small bin %d does not terminate", i)
		}
		err := h.checkFreeChunk(p)
		if err != nil {
			return err
		}
		size := h.sizeOf(p)
		if smallIndex(size) != i {
			return errors.Wrapf(ErrCorruptHeap, "chunk %#x of size %d is in small bin %d", uint32(p), size, i)
		}
		if h.fd(h.bk(p)) != p {
			return errors.Wrapf(ErrCorruptHeap, "chunk %#x in small bin %d has a broken back link", uint32(p), i)
		}
		p = h.bk(p)
	}

	return nil
}

func (h *Heap) checkTree(t Ptr, count *int, maxChunks int) error {
	tindex := h.treeIndex(t)
	tsize := h.sizeOf(t)
	idx := computeTreeIndex(tsize)

	if tindex != idx {
		return errors.Wrapf(ErrCorruptHeap, "tree chunk %#x of size %d has index %d, expected %d", uint32(t), tsize, tindex, idx)
	}
	if tsize < minLargeSize || tsize < minsizeForTreeIndex(idx) || (idx != nTreeBins-1 && tsize >= minsizeForTreeIndex(idx+1)) {
		return errors.Wrapf(ErrCorruptHeap, "tree chunk %#x of size %d does not belong in tree bin %d", uint32(t), tsize, idx)
	}

	var head Ptr
	u := t
	for {
		*count++
		if *count > maxChunks {
			return errors.Wrapf(ErrCorruptHeap, "tree bin %d does not terminate", idx)
		}

		err := h.checkFreeChunk(u)
		if err != nil {
			return err
		}
		if h.treeIndex(u) != tindex || h.sizeOf(u) != tsize {
			return errors.Wrapf(ErrCorruptHeap, "chunk %#x is chained to tree chunk %#x but differs from it", uint32(u), uint32(t))
		}
		if h.bk(h.fd(u)) != u || h.fd(h.bk(u)) != u {
			return errors.Wrapf(ErrCorruptHeap, "tree chunk %#x has broken chain links", uint32(u))
		}

		if h.parent(u) == Null {
			if h.child(u, 0) != Null || h.child(u, 1) != Null {
				return errors.Wrapf(ErrCorruptHeap, "chained chunk %#x has children", uint32(u))
			}
		} else {
			if head != Null {
				return errors.Wrapf(ErrCorruptHeap, "tree chunks %#x and %#x are both tree nodes", uint32(head), uint32(u))
			}
			head = u

			p := h.parent(u)
			if p == u {
				return errors.Wrapf(ErrCorruptHeap, "tree chunk %#x is its own parent", uint32(u))
			}
			if h.ptrAt(p) != u && (!h.okAddress(p) || (h.child(p, 0) != u && h.child(p, 1) != u)) {
				return errors.Wrapf(ErrCorruptHeap, "parent %#x of tree chunk %#x does not point back at it", uint32(p), uint32(u))
			}

			c0 := h.child(u, 0)
			c1 := h.child(u, 1)
			for _, c := range []Ptr{c0, c1} {
				if c == Null {
					continue
				}
				if c == u || h.parent(c) != u {
					return errors.Wrapf(ErrCorruptHeap, "child %#x of tree chunk %#x has a bad parent link", uint32(c), uint32(u))
				}
				err = h.checkTree(c, count, maxChunks)
				if err != nil {
					return err
				}
			}
			if c0 != Null && c1 != Null && h.sizeOf(c0) >= h.sizeOf(c1) {
				return errors.Wrapf(ErrCorruptHeap, "children of tree chunk %#x are out of order", uint32(u))
			}
		}

		u = h.fd(u)
		if u == t {
			break
		}
	}

	if head == Null {
		return errors.Wrapf(ErrCorruptHeap, "tree chunk %#x has no tree node in its chain", uint32(t))
	}
	return nil
}

func (h *Heap) checkFreeChunk(p Ptr) error {
	if !h.okAddress(p) || p&chunkAlignMask != 0 {
		return errors.Wrapf(ErrCorruptHeap, "free chunk %#x is outside the DL region", uint32(p))
	}
	if h.isCinuse(p) {
		return errors.Wrapf(ErrCorruptHeap, "binned chunk %#x is marked in use", uint32(p))
	}
	if p == h.dl.top {
		return errors.Wrapf(ErrCorruptHeap, "the wilderness %#x is binned", uint32(p))
	}

	size := h.sizeOf(p)
	next := p + Ptr(size)
	if size < minChunkSize || size&chunkAlignMask != 0 || next > h.dl.top {
		return errors.Wrapf(ErrCorruptHeap, "free chunk %#x has a bad size %d", uint32(p), size)
	}
	if h.prevFoot(next) != size {
		return errors.Wrapf(ErrCorruptHeap, "free chunk %#x has a footer of %d, expected %d", uint32(p), h.prevFoot(next), size)
	}
	if !h.isPinuse(p) {
		return errors.Wrapf(ErrCorruptHeap, "free chunk %#x follows another free chunk", uint32(p))
	}
	if h.isPinuse(next) || (next != h.dl.top && !h.isCinuse(next)) {
		return errors.Wrapf(ErrCorruptHeap, "free chunk %#x is followed by a free chunk or a stale in-use bit", uint32(p))
	}
	return nil
}

// binFind reports whether a free chunk is reachable from its bin
func (h *Heap) binFind(x Ptr) bool {
	size := h.sizeOf(x)

	if isSmall(size) {
		i := smallIndex(size)
		b := smallbinAt(i)
		if !h.smallmapIsMarked(i) {
			return false
		}
		p := b
		for {
			if p == x {
				return true
			}
			p = h.fd(p)
			if p == b {
				return false
			}
		}
	}

	i := computeTreeIndex(size)
	if !h.treemapIsMarked(i) {
		return false
	}

	t := h.ptrAt(treebinAt(i))
	sizeBits := size << leftshiftForTreeIndex(i)
	for t != Null && h.sizeOf(t) != size {
		t = h.child(t, (sizeBits>>31)&1)
		sizeBits <<= 1
	}
	if t == Null {
		return false
	}

	u := t
	for {
		if u == x {
			return true
		}
		u = h.fd(u)
		if u == t {
			return false
		}
	}
}

// traverseAndCheck walks the chunks in address order up to the wilderness
func (h *Heap) traverseAndCheck() error {
	if !h.isPinuse(dlBase) {
		return errors.Wrapf(ErrCorruptHeap, "the first chunk claims a free predecessor")
	}

	for q := dlBase; q != h.dl.top; {
		if !h.okAddress(q) || q > h.dl.top {
			return errors.Wrapf(ErrCorruptHeap, "chunk walk left the DL region at %#x", uint32(q))
		}

		size := h.sizeOf(q)
		if size < minChunkSize || size&chunkAlignMask != 0 {
			return errors.Wrapf(ErrCorruptHeap, "chunk %#x has a bad size %d", uint32(q), size)
		}

		next := q + Ptr(size)
		if h.isCinuse(q) {
			if !h.isPinuse(next) {
				return errors.Wrapf(ErrCorruptHeap, "chunk %#x is in use but its successor says otherwise", uint32(q))
			}
		} else {
			err := h.checkFreeChunk(q)
			if err != nil {
				return err
			}
			if q != h.dl.dv && !h.binFind(q) {
				return errors.Wrapf(ErrCorruptHeap, "free chunk %#x is not in any bin", uint32(q))
			}
		}
		q = next
	}

	return nil
}
