package provider

import (
	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/hybridheap/memutils"
)

const (
	// DefaultPageSize is used by NewMemory when no page size is provided
	DefaultPageSize = 4096

	decommitFill byte = 0xDD
)

// Memory is a Provider backed by an ordinary Go byte slice. Committing is bookkeeping only, and
// decommitted pages are overwritten with a fill pattern so stale reads are easy to spot. Freshly
// committed pages are not zeroed.
type Memory struct {
	reservation
}

var _ Provider = &Memory{}

// NewMemory reserves maxLength bytes. pageSize may be 0 to select DefaultPageSize.
func NewMemory(maxLength, pageSize int) (*Memory, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	err := memutils.CheckPow2(pageSize, "pageSize")
	if err != nil {
		return nil, err
	}
	if maxLength <= 0 || maxLength%pageSize != 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "maxLength %d must be a positive multiple of the page size %d", maxLength, pageSize)
	}

	m := &Memory{}
	m.init(dirtmake.Bytes(maxLength, maxLength), pageSize)
	m.decommit = func(offset, size int) error {
		memutils.Fill(m.data, offset, size, decommitFill)
		return nil
	}
	return m, nil
}
