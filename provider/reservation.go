package provider

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/hybridheap/memutils"
)

// reservation tracks which pages of a reservation are committed. Providers embed it and supply the
// platform calls that actually change page protection.
type reservation struct {
	data      []byte
	pageSize  int
	pageShift int
	used      []uint64
	committed int

	commit   func(offset, size int) error
	decommit func(offset, size int) error
}

func (r *reservation) init(data []byte, pageSize int) {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	r.data = data
	r.pageSize = pageSize
	r.pageShift = bits.TrailingZeros(uint(pageSize))
	r.used = make([]uint64, (r.pages()+63)/64)
	r.committed = 0
}

func (r *reservation) pages() int {
	return len(r.data) >> r.pageShift
}

func (r *reservation) isUsed(page int) bool {
	return r.used[page>>6]&(1<<(page&63)) != 0
}

func (r *reservation) markRange(first, count int, used bool) {
	for page := first; page < first+count; page++ {
		if used {
			r.used[page>>6] |= 1 << (page & 63)
		} else {
			r.used[page>>6] &^= 1 << (page & 63)
		}
	}
}

func (r *reservation) PageSize() int  { return r.pageSize }
func (r *reservation) MaxLength() int { return len(r.data) }
func (r *reservation) Committed() int { return r.committed }
func (r *reservation) Bytes() []byte  { return r.data }

func (r *reservation) checkRange(offset, size int) error {
	if size <= 0 || offset < 0 || offset+size > len(r.data) {
		return errors.Wrapf(ErrOutOfRange, "offset %d size %d, reservation is %d bytes", offset, size, len(r.data))
	}
	if !memutils.IsAligned(offset, uint(r.pageSize)) || !memutils.IsAligned(size, uint(r.pageSize)) {
		return errors.Wrapf(ErrUnaligned, "offset %d size %d, page size is %d", offset, size, r.pageSize)
	}
	return nil
}

// findFree returns the highest page index that starts a run of count uncommitted pages, or -1
func (r *reservation) findFree(count int) int {
	run := 0
	for page := r.pages() - 1; page >= 0; page-- {
		word := r.used[page>>6]
		if page&63 == 63 && word == ^uint64(0) {
			run = 0
			page -= 63
			continue
		}

		if r.isUsed(page) {
			run = 0
			continue
		}

		run++
		if run == count {
			return page
		}
	}

	return -1
}

func (r *reservation) Map(hint, size int) (int, error) {
	offset := hint
	if hint == AnyOffset {
		if size <= 0 || size&(r.pageSize-1) != 0 {
			return 0, errors.Wrapf(ErrUnaligned, "size %d, page size is %d", size, r.pageSize)
		}
		page := r.findFree(size >> r.pageShift)
		if page < 0 {
			return 0, errors.Wrapf(ErrNoSpace, "%d bytes", size)
		}
		offset = page << r.pageShift
	}

	err := r.checkRange(offset, size)
	if err != nil {
		return 0, err
	}

	first := offset >> r.pageShift
	count := size >> r.pageShift
	for page := first; page < first+count; page++ {
		if r.isUsed(page) {
			return 0, errors.Wrapf(ErrCommitted, "page at offset %d", page<<r.pageShift)
		}
	}

	if r.commit != nil {
		err = r.commit(offset, size)
		if err != nil {
			return 0, err
		}
	}

	r.markRange(first, count, true)
	r.committed += size
	return offset, nil
}

func (r *reservation) Unmap(offset, size int) error {
	err := r.checkRange(offset, size)
	if err != nil {
		return err
	}

	first := offset >> r.pageShift
	count := size >> r.pageShift
	for page := first; page < first+count; page++ {
		if !r.isUsed(page) {
			return errors.Wrapf(ErrNotCommitted, "page at offset %d", page<<r.pageShift)
		}
	}

	if r.decommit != nil {
		err = r.decommit(offset, size)
		if err != nil {
			return err
		}
	}

	r.markRange(first, count, false)
	r.committed -= size
	return nil
}
