package hybrid

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hybridheap/memutils"
	"github.com/vkngwrapper/hybridheap/memutils/pagemap"
	"github.com/vkngwrapper/hybridheap/provider"
	"golang.org/x/exp/slog"
)

// pages returns a view over the paged bitmap wherever it currently lives
func (h *Heap) pages() pagemap.Map {
	return pagemap.Map(h.mem[h.bitmap : int(h.bitmap)+h.bitmapSize])
}

func (h *Heap) pagePos(cell Ptr) int {
	return int(cell) >> (h.pageShift - 1)
}

func (h *Heap) pageCount(size int) int {
	return memutils.AlignUp(size, uint(h.pageSize)) >> h.pageShift
}

// pagedAlloc maps a run of whole pages anywhere in the reservation and records its length in the bitmap
func (h *Heap) pagedAlloc(size int) Ptr {
	count := h.pageCount(size)
	if count > pagemap.MaxPages {
		return Null
	}

	cell, ok := h.mapRegion(provider.AnyOffset, count<<h.pageShift)
	if !ok {
		return Null
	}

	pos := h.pagePos(cell)
	if !h.pages().Fits(pos, count) && !h.growBitmap() {
		h.unmapRegion(cell, count<<h.pageShift)
		return Null
	}

	if err := h.pages().Encode(pos, count); err != nil {
		h.fault(errors.Wrapf(ErrCorruptHeap, "encoding paged cell %#x: %v", uint32(cell), err))
	}
	h.mappings.Put(cell, mapping{size: count << h.pageShift, kind: regionPaged})

	return cell
}

// growBitmap moves the bitmap out of the arena header into pages of its own, sized to cover the whole
// reservation. It only ever happens once per heap lifetime.
func (h *Heap) growBitmap() bool {
	if h.bitmap != offBitmap {
		return false
	}

	size := max((h.maxLength>>h.pageShift)/4, h.bitmapSize+1)
	size = memutils.AlignUp(size, uint(h.pageSize))
	offset, ok := h.mapRegion(provider.AnyOffset, size)
	if !ok {
		return false
	}

	old := h.pages()
	if err := old.Relocate(pagemap.Map(h.mem[offset : int(offset)+size])); err != nil {
		h.fault(errors.Wrapf(ErrCorruptHeap, "relocating the paged bitmap: %v", err))
	}

	h.mappings.Put(offset, mapping{size: size, kind: regionBitmap})
	h.bitmap = offset
	h.bitmapSize = size
	old.Zero()

	h.logger.Debug("Heap::growBitmap", slog.Int("offset", int(offset)), slog.Int("size", size))
	return true
}

// pagedCheckInuse faults unless cell is the start of an allocated paged cell
func (h *Heap) pagedCheckInuse(cell Ptr) {
	m, ok := h.mappings.Get(cell)
	if !ok {
		h.faultf(ErrBadFreeCell, "%#x is not an allocated paged cell", uint32(cell))
	}
	if m.kind != regionPaged {
		h.faultf(ErrBadCellAddress, "%#x is a %s region", uint32(cell), m.kind)
	}

	pages := h.pages().Decode(h.pagePos(cell))
	if pages<<h.pageShift != m.size {
		h.faultf(ErrCorruptHeap, "paged cell %#x decodes to %d pages but maps %d bytes", uint32(cell), pages, m.size)
	}
}

func (h *Heap) pagedCellLen(cell Ptr) int {
	m, _ := h.mappings.Get(cell)
	return m.size
}

func (h *Heap) pagedFree(cell Ptr) {
	m, _ := h.mappings.Get(cell)
	h.pages().Clear(h.pagePos(cell))
	h.mappings.Delete(cell)

	if !h.unmapRegion(cell, m.size) {
		h.faultf(ErrCorruptHeap, "provider refused to release paged cell %#x", uint32(cell))
	}
}

// pagedResize truncates a paged cell or extends it into the pages that follow it. It returns false if
// the cell cannot reach size bytes without moving.
func (h *Heap) pagedResize(cell Ptr, size int) bool {
	m, _ := h.mappings.Get(cell)
	newSize := h.pageCount(size) << h.pageShift
	if newSize == m.size {
		return true
	}
	if newSize == 0 || newSize>>h.pageShift > pagemap.MaxPages {
		return false
	}

	if newSize < m.size {
		if !h.unmapRegion(cell+Ptr(newSize), m.size-newSize) {
			return false
		}
	} else {
		if int(cell)+newSize > h.maxLength {
			return false
		}
		if !h.pages().Fits(h.pagePos(cell), newSize>>h.pageShift) && !h.growBitmap() {
			return false
		}
		if _, ok := h.mapRegion(int(cell)+m.size, newSize-m.size); !ok {
			return false
		}
	}

	pos := h.pagePos(cell)
	h.pages().Clear(pos)
	if err := h.pages().Encode(pos, newSize>>h.pageShift); err != nil {
		h.fault(errors.Wrapf(ErrCorruptHeap, "re-encoding paged cell %#x: %v", uint32(cell), err))
	}
	h.mappings.Put(cell, mapping{size: newSize, kind: regionPaged})

	return true
}

// checkPagedState reconciles the bitmap with the registered mappings and the committed size
func (h *Heap) checkPagedState() error {
	committed := int(h.dlLimit)
	paged := 0

	var err error
	h.mappings.Iter(func(offset Ptr, m mapping) bool {
		committed += m.size
		if m.kind != regionPaged {
			return false
		}

		paged++
		if pages := h.pages().Decode(h.pagePos(offset)); pages<<h.pageShift != m.size {
			err = errors.Wrapf(ErrCorruptHeap, "paged cell %#x maps %d bytes but the bitmap records %d pages", uint32(offset), m.size, pages)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	runs := 0
	err = h.pages().Walk(func(page, pages int) error {
		runs++
		m, ok := h.mappings.Get(Ptr(page << h.pageShift))
		if !ok || m.kind != regionPaged {
			return errors.Wrapf(ErrCorruptHeap, "bitmap records a %d page cell at page %d that is not mapped", pages, page)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if runs != paged {
		return errors.Wrapf(ErrCorruptHeap, "bitmap records %d paged cells but %d are mapped", runs, paged)
	}

	if committed != h.chunkSize {
		return errors.Wrapf(ErrCorruptHeap, "%d bytes are accounted for but the chunk size is %d", committed, h.chunkSize)
	}
	return nil
}
