//go:build linux || darwin

package provider

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/hybridheap/memutils"
	"golang.org/x/sys/unix"
)

// Mmap is a Provider backed by an anonymous virtual memory reservation. Uncommitted pages are mapped
// PROT_NONE, so touching them faults. Decommitted pages are returned to the operating system.
type Mmap struct {
	reservation
}

var _ Provider = &Mmap{}

// NewMmap reserves maxLength bytes of address space, rounded up to the system page size
func NewMmap(maxLength int) (*Mmap, error) {
	pageSize := unix.Getpagesize()
	if maxLength <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "maxLength %d", maxLength)
	}
	maxLength = memutils.AlignUp(maxLength, uint(pageSize))

	data, err := unix.Mmap(-1, 0, maxLength, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %d bytes", maxLength)
	}

	m := &Mmap{}
	m.init(data, pageSize)
	m.commit = func(offset, size int) error {
		return errors.Wrap(unix.Mprotect(m.data[offset:offset+size], unix.PROT_READ|unix.PROT_WRITE), "committing pages")
	}
	m.decommit = func(offset, size int) error {
		region := m.data[offset : offset+size]
		err := unix.Madvise(region, unix.MADV_DONTNEED)
		if err != nil {
			return errors.Wrap(err, "releasing pages")
		}
		return errors.Wrap(unix.Mprotect(region, unix.PROT_NONE), "decommitting pages")
	}
	return m, nil
}

// Release unmaps the whole reservation. The provider must not be used afterwards.
func (m *Mmap) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.committed = 0
	return errors.Wrap(err, "releasing reservation")
}
