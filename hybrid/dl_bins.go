package hybrid

// Small bins are circular doubly linked lists whose heads are pseudo-chunks inside the arena header.
// Tree bins are bitwise digital trees keyed on chunk size, with equal-sized chunks chained off a single
// tree node.

func (h *Heap) insertSmallChunk(p Ptr, s uint32) {
	i := smallIndex(s)
	b := smallbinAt(i)
	f := b
	if !h.smallmapIsMarked(i) {
		h.markSmallmap(i)
	} else if bf := h.fd(b); h.okAddress(bf) {
		f = bf
	} else {
		h.faultf(ErrCorruptHeap, "small bin %d has a bad forward link %#x", i, uint32(bf))
	}
	h.setFd(b, p)
	h.setBk(f, p)
	h.setFd(p, f)
	h.setBk(p, b)
}

func (h *Heap) unlinkSmallChunk(p Ptr, s uint32) {
	f := h.fd(p)
	b := h.bk(p)
	i := smallIndex(s)
	bin := smallbinAt(i)

	if f == b {
		h.clearSmallmap(i)
		return
	}
	if (f == bin || h.okAddress(f)) && (b == bin || h.okAddress(b)) {
		h.setBk(f, b)
		h.setFd(b, f)
		return
	}
	h.faultf(ErrCorruptHeap, "small chunk %#x has bad links %#x/%#x", uint32(p), uint32(f), uint32(b))
}

func (h *Heap) unlinkFirstSmallChunk(b, p Ptr, i uint32) {
	f := h.fd(p)
	if b == f {
		h.clearSmallmap(i)
		return
	}
	if h.okAddress(f) {
		h.setFd(b, f)
		h.setBk(f, b)
		return
	}
	h.faultf(ErrCorruptHeap, "small chunk %#x has a bad forward link %#x", uint32(p), uint32(f))
}

// replaceDv makes p the designated victim, binning the previous one
func (h *Heap) replaceDv(p Ptr, s uint32) {
	if dvs := h.dl.dvSize; dvs != 0 {
		h.insertSmallChunk(h.dl.dv, dvs)
	}
	h.dl.dvSize = s
	h.dl.dv = p
}

func (h *Heap) insertLargeChunk(x Ptr, s uint32) {
	i := computeTreeIndex(s)
	slot := treebinAt(i)
	h.setTreeIndex(x, i)
	h.setPtr(childSlot(x, 0), Null)
	h.setPtr(childSlot(x, 1), Null)

	if !h.treemapIsMarked(i) {
		h.markTreemap(i)
		h.setPtr(slot, x)
		h.setParent(x, slot)
		h.setFd(x, x)
		h.setBk(x, x)
		return
	}

	t := h.ptrAt(slot)
	k := s << leftshiftForTreeIndex(i)
	for {
		if h.sizeOf(t) != s {
			c := childSlot(t, (k>>31)&1)
			k <<= 1
			if next := h.ptrAt(c); next != Null {
				t = next
				continue
			}
			if !h.okAddress(t) {
				break
			}
			h.setPtr(c, x)
			h.setParent(x, t)
			h.setFd(x, x)
			h.setBk(x, x)
			return
		}

		f := h.fd(t)
		if !h.okAddress(t) || !h.okAddress(f) {
			break
		}
		h.setBk(f, x)
		h.setFd(t, x)
		h.setFd(x, f)
		h.setBk(x, t)
		h.setParent(x, Null)
		return
	}

	h.faultf(ErrCorruptHeap, "tree bin %d is corrupt inserting %#x", i, uint32(x))
}

func (h *Heap) unlinkLargeChunk(x Ptr) {
	xp := h.parent(x)
	var r Ptr

	if h.bk(x) != x {
		f := h.fd(x)
		r = h.bk(x)
		if !h.okAddress(f) {
			h.faultf(ErrCorruptHeap, "tree chunk %#x has a bad forward link %#x", uint32(x), uint32(f))
		}
		h.setBk(f, r)
		h.setFd(r, f)
	} else {
		rp := childSlot(x, 1)
		r = h.ptrAt(rp)
		if r == Null {
			rp = childSlot(x, 0)
			r = h.ptrAt(rp)
		}
		if r != Null {
			for {
				cp := childSlot(r, 1)
				if h.ptrAt(cp) == Null {
					cp = childSlot(r, 0)
					if h.ptrAt(cp) == Null {
						break
					}
				}
				rp = cp
				r = h.ptrAt(cp)
			}
			h.setPtr(rp, Null)
		}
	}

	if xp == Null {
		return
	}

	i := h.treeIndex(x)
	slot := treebinAt(i)
	if x == h.ptrAt(slot) {
		h.setPtr(slot, r)
		if r == Null {
			h.clearTreemap(i)
		}
	} else if h.okAddress(xp) {
		if h.child(xp, 0) == x {
			h.setPtr(childSlot(xp, 0), r)
		} else {
			h.setPtr(childSlot(xp, 1), r)
		}
	} else {
		h.faultf(ErrCorruptHeap, "tree chunk %#x has a bad parent %#x", uint32(x), uint32(xp))
	}

	if r == Null {
		return
	}
	if !h.okAddress(r) {
		h.faultf(ErrCorruptHeap, "tree chunk %#x has a bad replacement %#x", uint32(x), uint32(r))
	}
	h.setParent(r, xp)
	if c0 := h.child(x, 0); c0 != Null {
		h.setPtr(childSlot(r, 0), c0)
		h.setParent(c0, r)
	}
	if c1 := h.child(x, 1); c1 != Null {
		h.setPtr(childSlot(r, 1), c1)
		h.setParent(c1, r)
	}
}

func (h *Heap) insertChunk(p Ptr, s uint32) {
	if isSmall(s) {
		h.insertSmallChunk(p, s)
	} else {
		h.insertLargeChunk(p, s)
	}
}

func (h *Heap) unlinkChunk(p Ptr, s uint32) {
	if isSmall(s) {
		h.unlinkSmallChunk(p, s)
	} else {
		h.unlinkLargeChunk(p)
	}
}
