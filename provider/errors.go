package provider

import "github.com/pkg/errors"

// ErrUnaligned is returned when an offset or size is not a multiple of the page size
var ErrUnaligned = errors.New("range is not page aligned")

// ErrOutOfRange is returned when a range does not lie inside the reservation
var ErrOutOfRange = errors.New("range is outside the reservation")

// ErrNoSpace is returned when no free range of the requested size is available
var ErrNoSpace = errors.New("no free range of the requested size")

// ErrCommitted is returned when Map is asked to commit a range that is already committed
var ErrCommitted = errors.New("range is already committed")

// ErrNotCommitted is returned when Unmap is asked to decommit a range that is not committed
var ErrNotCommitted = errors.New("range is not committed")

// ErrFixedLength is returned by providers whose memory cannot be committed or decommitted
var ErrFixedLength = errors.New("provider has a fixed length")

// ErrUnsupported is returned on platforms without virtual memory reservation
var ErrUnsupported = errors.New("virtual memory reservation is unsupported on this platform")
