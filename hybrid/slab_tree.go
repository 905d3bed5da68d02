package hybrid

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Partial slabs of each size class, and the lowest free slab of each partially used page, are kept in
// address-ordered binary trees rooted in the arena header. A node records the slot that points at it
// so it can be unlinked without a search.

func (h *Heap) slabTreeInsert(s Ptr, rootSlot Ptr) {
	slot := rootSlot
	for n := h.ptrAt(slot); n != Null; n = h.ptrAt(slot) {
		if s < n {
			slot = n + slabChild1
		} else {
			slot = n + slabChild2
		}
	}

	h.setPtr(slot, s)
	h.setPtr(s+slabParent, slot)
	h.setPtr(s+slabChild1, Null)
	h.setPtr(s+slabChild2, Null)
}

func (h *Heap) slabTreeRemove(s Ptr) {
	slot := h.ptrAt(s + slabParent)
	left := h.ptrAt(s + slabChild1)
	right := h.ptrAt(s + slabChild2)

	var replacement Ptr
	switch {
	case right == Null:
		replacement = left
	case left == Null:
		replacement = right
	default:
		// Two children: the successor is the leftmost node of the right subtree
		replacement = right
		for next := h.ptrAt(replacement + slabChild1); next != Null; next = h.ptrAt(replacement + slabChild1) {
			replacement = next
		}

		if replacement != right {
			successorSlot := h.ptrAt(replacement + slabParent)
			successorRight := h.ptrAt(replacement + slabChild2)
			h.setPtr(successorSlot, successorRight)
			if successorRight != Null {
				h.setPtr(successorRight+slabParent, successorSlot)
			}

			h.setPtr(replacement+slabChild2, right)
			h.setPtr(right+slabParent, replacement+slabChild2)
		}

		h.setPtr(replacement+slabChild1, left)
		h.setPtr(left+slabParent, replacement+slabChild1)
	}

	h.setPtr(slot, replacement)
	if replacement != Null {
		h.setPtr(replacement+slabParent, slot)
	}
}

// slabTreeFirst returns the lowest-addressed node of a tree, or Null if it is empty
func (h *Heap) slabTreeFirst(rootSlot Ptr) Ptr {
	n := h.ptrAt(rootSlot)
	if n == Null {
		return Null
	}
	for left := h.ptrAt(n + slabChild1); left != Null; left = h.ptrAt(n + slabChild1) {
		n = left
	}
	return n
}

func (h *Heap) slabTreeIter(rootSlot Ptr, iter func(s Ptr) error) error {
	var walk func(n Ptr) error
	walk = func(n Ptr) error {
		if n == Null {
			return nil
		}
		if err := walk(h.ptrAt(n + slabChild1)); err != nil {
			return err
		}
		if err := iter(n); err != nil {
			return err
		}
		return walk(h.ptrAt(n + slabChild2))
	}
	return walk(h.ptrAt(rootSlot))
}

func (h *Heap) pushFullSlab(s Ptr) {
	head := h.ptrAt(offFullSlabs)
	h.setPtr(s+slabChild1, head)
	if head != Null {
		h.setPtr(head+slabParent, s+slabChild1)
	}
	h.setPtr(offFullSlabs, s)
	h.setPtr(s+slabParent, offFullSlabs)
}

func (h *Heap) unlinkFullSlab(s Ptr) {
	slot := h.ptrAt(s + slabParent)
	next := h.ptrAt(s + slabChild1)
	h.setPtr(slot, next)
	if next != Null {
		h.setPtr(next+slabParent, slot)
	}
}

func (h *Heap) checkSlabNode(s Ptr, slot Ptr, seen *swiss.Map[Ptr, bool]) error {
	m, ok := h.mappings.Get(slabPageFor(s))
	if !ok || m.kind != regionSlabPage {
		return errors.Wrapf(ErrCorruptHeap, "slab %#x is outside any slab page", uint32(s))
	}
	if s&(slabSize-1) != 0 {
		return errors.Wrapf(ErrCorruptHeap, "slab %#x is misaligned", uint32(s))
	}
	if h.ptrAt(s+slabParent) != slot {
		return errors.Wrapf(ErrCorruptHeap, "slab %#x has parent slot %#x, expected %#x", uint32(s), uint32(h.ptrAt(s+slabParent)), uint32(slot))
	}
	if seen.Has(s) {
		return errors.Wrapf(ErrCorruptHeap, "slab %#x is linked twice", uint32(s))
	}
	seen.Put(s, true)
	return nil
}

func (h *Heap) checkSlabTree(rootSlot Ptr, seen *swiss.Map[Ptr, bool], check func(s Ptr) error) error {
	var walk func(n, slot, low, high Ptr) error
	walk = func(n, slot, low, high Ptr) error {
		if n == Null {
			return nil
		}
		if n < low || n > high {
			return errors.Wrapf(ErrCorruptHeap, "slab %#x is out of order", uint32(n))
		}
		if err := h.checkSlabNode(n, slot, seen); err != nil {
			return err
		}
		if err := check(n); err != nil {
			return err
		}
		if err := walk(h.ptrAt(n+slabChild1), n+slabChild1, low, n-1); err != nil {
			return err
		}
		return walk(h.ptrAt(n+slabChild2), n+slabChild2, n+1, high)
	}
	return walk(h.ptrAt(rootSlot), rootSlot, 0, ^Ptr(0))
}

func (h *Heap) checkSlabCells(s Ptr) (used uint32, err error) {
	hdr := h.word(s)
	cellSize := slabHeaderCellSize(hdr)
	if cellSize == 0 || cellSize > maxSlabCellSize {
		return 0, errors.Wrapf(ErrCorruptHeap, "slab %#x has cell size %d", uint32(s), cellSize)
	}

	used = slabHeaderUsed(hdr)
	capacity := slabCapacity(cellSize)
	handedOut := used
	for free := slabHeaderFree(hdr); free != 0; free = h.word(s+Ptr(free<<2)) & slabFreeMask {
		offset := free << 2
		if offset < slabHeaderSize || (offset-slabHeaderSize)%cellSize != 0 {
			return 0, errors.Wrapf(ErrCorruptHeap, "slab %#x has a free cell at offset %d", uint32(s), offset)
		}
		handedOut++
		if handedOut > capacity {
			return 0, errors.Wrapf(ErrCorruptHeap, "free list of slab %#x is too long", uint32(s))
		}
	}
	if used == 0 || used > capacity {
		return 0, errors.Wrapf(ErrCorruptHeap, "slab %#x has %d cells in use", uint32(s), used)
	}

	return used, nil
}

// checkSlabState verifies that every in-use slab is on exactly one tree or the full list, and that
// every partially used page is represented in the partial page tree by its lowest free slab
func (h *Heap) checkSlabState() error {
	if !h.slabInitialized {
		return nil
	}

	seen := swiss.NewMap[Ptr, bool](42)
	for class := uint32(0); class < slabClassCount; class++ {
		err := h.checkSlabTree(slabRootSlot(class), seen, func(s Ptr) error {
			hdr := h.word(s)
			if hdr&slabFloating != 0 {
				return errors.Wrapf(ErrCorruptHeap, "partial slab %#x is marked full", uint32(s))
			}
			if slabClass(slabHeaderCellSize(hdr)) != class {
				return errors.Wrapf(ErrCorruptHeap, "slab %#x is in the tree for class %d", uint32(s), class)
			}
			used, err := h.checkSlabCells(s)
			if err != nil {
				return err
			}
			if used == slabCapacity(slabHeaderCellSize(hdr)) {
				return errors.Wrapf(ErrCorruptHeap, "full slab %#x is in a partial tree", uint32(s))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	slot := offFullSlabs
	for s := h.ptrAt(slot); s != Null; s = h.ptrAt(slot) {
		if err := h.checkSlabNode(s, slot, seen); err != nil {
			return err
		}
		hdr := h.word(s)
		if hdr&slabFloating == 0 {
			return errors.Wrapf(ErrCorruptHeap, "full slab %#x is not marked full", uint32(s))
		}
		used, err := h.checkSlabCells(s)
		if err != nil {
			return err
		}
		if used != slabCapacity(slabHeaderCellSize(hdr)) {
			return errors.Wrapf(ErrCorruptHeap, "slab %#x on the full list has free cells", uint32(s))
		}
		slot = s + slabChild1
	}

	freeSlabs := swiss.NewMap[Ptr, bool](42)
	err := h.checkSlabTree(offPartialPage, freeSlabs, func(s Ptr) error {
		pagemap := slabHeaderPagemap(h.word(slabPageFor(s)))
		if pagemap == 0 || pagemap == fullPagemap || slabPageFor(s)+Ptr(lowBit(pagemap))<<slabShift != s {
			return errors.Wrapf(ErrCorruptHeap, "slab %#x does not represent its page", uint32(s))
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.mappings.Iter(func(page Ptr, m mapping) bool {
		if m.kind != regionSlabPage || page == h.sparePage {
			return false
		}

		pagemap := slabHeaderPagemap(h.word(page))
		if pagemap != 0 && pagemap != fullPagemap && !freeSlabs.Has(page+Ptr(lowBit(pagemap))<<slabShift) {
			err = errors.Wrapf(ErrCorruptHeap, "partially used page %#x is not in the partial page tree", uint32(page))
			return true
		}
		for i := uint32(0); i < slabsPerPage; i++ {
			s := page + Ptr(i)<<slabShift
			if pagemap&(1<<i) == 0 && !seen.Has(s) {
				err = errors.Wrapf(ErrCorruptHeap, "in-use slab %#x is not linked", uint32(s))
				return true
			}
		}
		return false
	})
	return err
}
