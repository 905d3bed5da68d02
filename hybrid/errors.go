package hybrid

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Faults. A heap that detects one of these panics with an assertion failure wrapping the fault, since
// a corrupted heap cannot be trusted to keep running. Recover the panic value and test it with
// errors.Is to tell the faults apart.
var (
	// ErrBadCellAddress means a pointer passed to the heap does not address a cell of any sub-allocator
	ErrBadCellAddress = errors.New("pointer does not address a heap cell")
	// ErrBadFreeCell means a cell was freed or resized while it was not allocated
	ErrBadFreeCell = errors.New("cell is not allocated")
	// ErrCorruptHeap means a structural invariant of the heap no longer holds
	ErrCorruptHeap = errors.New("heap structure is corrupt")
	// ErrGuardOverwritten means bytes past the end of a cell were written while the debug overlay was active
	ErrGuardOverwritten = errors.New("cell guard bytes were overwritten")
)

// Errors returned by the debug interface
var (
	ErrDebugDisabled   = errors.New("the heap was not created with CreateDebug")
	ErrUnknownDebugOp  = errors.New("unknown debug operation")
	ErrInvalidArgument = errors.New("invalid debug argument")
	ErrMarkNotStarted  = errors.New("MarkEnd called without a matching MarkStart")
	ErrSlabsDisabled   = errors.New("the slab allocator is disabled for this heap")
)

func (h *Heap) fault(err error) {
	h.logger.Error("heap fault", slog.Any("error", err))
	panic(errors.WithAssertionFailure(err))
}

func (h *Heap) faultf(code error, format string, args ...any) {
	h.fault(errors.Wrapf(code, format, args...))
}

// FaultError returns the fault carried by a recovered panic value, or nil if the value is not a heap fault
func FaultError(recovered any) error {
	err, ok := recovered.(error)
	if !ok || !errors.IsAssertionFailure(err) {
		return nil
	}
	return err
}
