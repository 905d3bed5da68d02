// Package provider supplies the address space a heap grows into. A provider reserves MaxLength bytes up
// front and commits or decommits page-aligned ranges of the reservation on request. Offsets are always
// relative to the start of the reservation.
package provider

//go:generate mockgen -source ./provider.go -destination ./mocks/provider.go -package mocks

// AnyOffset may be passed as the hint to Map to let the provider choose where the range is committed
const AnyOffset = -1

// Provider commits and decommits page-aligned ranges of a fixed reservation
type Provider interface {
	// PageSize returns the commit granularity in bytes. It is always a power of two.
	PageSize() int
	// MaxLength returns the size of the reservation in bytes
	MaxLength() int
	// Committed returns the number of bytes currently committed
	Committed() int
	// Bytes returns the whole reservation. Only committed ranges may be read or written.
	Bytes() []byte
	// Map commits size bytes. If hint is AnyOffset the provider picks a free range, searching down from
	// the end of the reservation; otherwise the range must start exactly at hint. It returns the offset
	// of the committed range.
	Map(hint, size int) (int, error)
	// Unmap decommits a range previously committed by Map
	Unmap(offset, size int) error
}
