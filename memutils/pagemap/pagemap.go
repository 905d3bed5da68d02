// Package pagemap implements the run-length page bitmap used to record page-granularity cells.
//
// Every page of an arena owns two bits of the map, so a cell starting at page n is encoded at bit 2n.
// The run length of the cell is written there as a prefix code read least significant bit first:
//
//	01                  1 page (2 bits)
//	11 b                2-3 pages, b = pages-2 (4 bits, one unused)
//	10 0 nnnn           4-15 pages (8 bits, one unused)
//	10 1 n{19}          16 or more pages (22 bits)
//
// A zero in the first two bits means no cell starts at that page. Because a run of n pages owns 2n bits,
// a code never spills into the bits of the following page run.
package pagemap

import (
	cerrors "github.com/cockroachdb/errors"
)

const (
	// BitsPerPage is the number of bits every page owns in the map
	BitsPerPage = 2

	// MaxPages is the largest run a single code can describe
	MaxPages = 1<<19 - 1

	codeOnePage   = 0x1
	codeTwoPages  = 0x3
	codeLongPages = 0x2
)

var ErrRunTooLong = cerrors.New("page run is too long to encode")
var ErrOutOfRange = cerrors.New("page run does not fit in the bitmap")
var ErrOccupied = cerrors.New("bitmap position already holds a code")

// Map is a view over bitmap storage. It does not own the bytes and can be reconstructed over the same
// storage at any time.
type Map []byte

// Bits returns the number of bits the map can hold
func (m Map) Bits() int {
	return len(m) * 8
}

// Pages returns the number of pages the map covers
func (m Map) Pages() int {
	return m.Bits() / BitsPerPage
}

func (m Map) bit(pos int) uint32 {
	return uint32(m[pos>>3]>>(pos&7)) & 1
}

func (m Map) setBit(pos int, value uint32) {
	if value != 0 {
		m[pos>>3] |= 1 << (pos & 7)
	} else {
		m[pos>>3] &^= 1 << (pos & 7)
	}
}

// Read returns count bits starting at pos, least significant first
func (m Map) Read(pos, count int) uint32 {
	var value uint32
	for i := 0; i < count; i++ {
		value |= m.bit(pos+i) << i
	}
	return value
}

// Write stores the low count bits of value starting at pos
func (m Map) Write(pos, count int, value uint32) {
	for i := 0; i < count; i++ {
		m.setBit(pos+i, (value>>i)&1)
	}
}

// CodeLength returns the number of bits used to encode a run of pages
func CodeLength(pages int) int {
	switch {
	case pages <= 1:
		return 2
	case pages < 4:
		return 4
	case pages < 16:
		return 8
	default:
		return 22
	}
}

// Fits reports whether a run of pages starting at pos can be encoded in the map
func (m Map) Fits(pos, pages int) bool {
	return pos >= 0 && pos+pages*BitsPerPage <= m.Bits()
}

// Encode writes the run length of a cell of the given page count at bit pos
func (m Map) Encode(pos, pages int) error {
	if pages < 1 || pages > MaxPages {
		return cerrors.Wrapf(ErrRunTooLong, "%d pages", pages)
	}
	if !m.Fits(pos, pages) {
		return cerrors.Wrapf(ErrOutOfRange, "%d pages at bit %d, bitmap holds %d bits", pages, pos, m.Bits())
	}
	if m.Read(pos, 2) != 0 {
		return cerrors.Wrapf(ErrOccupied, "bit %d", pos)
	}

	switch {
	case pages == 1:
		m.Write(pos, 2, codeOnePage)
	case pages < 4:
		m.Write(pos, 2, codeTwoPages)
		m.Write(pos+2, 2, uint32(pages-2))
	case pages < 16:
		m.Write(pos, 3, codeLongPages)
		m.Write(pos+3, 5, uint32(pages))
	default:
		m.Write(pos, 2, codeLongPages)
		m.Write(pos+2, 1, 1)
		m.Write(pos+3, 19, uint32(pages))
	}

	return nil
}

// Decode returns the page count encoded at bit pos, or 0 if no cell starts there
func (m Map) Decode(pos int) int {
	if pos < 0 || pos+2 > m.Bits() {
		return 0
	}

	switch m.Read(pos, 2) {
	case codeOnePage:
		return 1
	case codeTwoPages:
		if pos+4 > m.Bits() {
			return 0
		}
		return 2 + int(m.Read(pos+2, 1))
	case codeLongPages:
		if pos+3 > m.Bits() {
			return 0
		}
		if m.Read(pos+2, 1) == 0 {
			if pos+8 > m.Bits() {
				return 0
			}
			return int(m.Read(pos+3, 4))
		}
		if pos+22 > m.Bits() {
			return 0
		}
		return int(m.Read(pos+3, 19))
	}

	return 0
}

// Clear removes the code at bit pos and returns the page count it described
func (m Map) Clear(pos int) int {
	pages := m.Decode(pos)
	if pages == 0 {
		return 0
	}

	m.Write(pos, CodeLength(pages), 0)
	return pages
}

// Walk calls visit for every run in the map in ascending page order. Iteration stops early if visit
// returns an error, and that error is returned.
func (m Map) Walk(visit func(page, pages int) error) error {
	for page := 0; page < m.Pages(); {
		pages := m.Decode(page * BitsPerPage)
		if pages == 0 {
			page++
			continue
		}

		err := visit(page, pages)
		if err != nil {
			return err
		}
		page += pages
	}

	return nil
}

// Relocate copies the contents of m into dst, which must be at least as large, and zeroes the remainder
// of dst.
func (m Map) Relocate(dst Map) error {
	if len(dst) < len(m) {
		return cerrors.Wrapf(ErrOutOfRange, "cannot relocate %d bytes into %d bytes", len(m), len(dst))
	}

	copy(dst, m)
	rest := dst[len(m):]
	for i := range rest {
		rest[i] = 0
	}
	return nil
}

// Zero clears every bit in the map
func (m Map) Zero() {
	for i := range m {
		m[i] = 0
	}
}
