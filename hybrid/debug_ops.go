package hybrid

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// DebugOp selects the operation performed by DebugFunction
type DebugOp int

const (
	// DebugCount returns the number of allocated cells
	DebugCount DebugOp = iota
	// DebugMarkStart opens a leak-checking level
	DebugMarkStart
	// DebugMarkEnd closes a leak-checking level and returns the number of leaked cells. If a1 is an int
	// other than -1, a leak count different from a1 is reported as an error.
	DebugMarkEnd
	// DebugCheck validates the heap, faulting on any inconsistency
	DebugCheck
	// DebugSetFail installs a failure policy: a1 is a FailType and a2 the rate
	DebugSetFail
	// DebugSetBurstFail installs a burst failure policy: a1 is a FailType and a2 a [2]int of rate and burst
	DebugSetBurstFail
	// DebugFailures returns the number of simulated failures
	DebugFailures
	// DebugGetBase returns the offset of the first DL chunk
	DebugGetBase
	// DebugWalk walks the heap: a1 is a func(CellInfo) error visitor, or nil to just count. It returns the
	// number of entries visited.
	DebugWalk
	// DebugGetSlabConfig returns the bitmask of enabled slab size classes
	DebugGetSlabConfig
	// DebugSetSlabConfig replaces the bitmask of enabled slab size classes with a1
	DebugSetSlabConfig
	// DebugGetPageThreshold returns the page threshold exponent
	DebugGetPageThreshold
	// DebugSetPageThreshold replaces the page threshold exponent with a1
	DebugSetPageThreshold
)

var debugOpMapping = map[DebugOp]string{
	DebugCount:            "Count",
	DebugMarkStart:        "MarkStart",
	DebugMarkEnd:          "MarkEnd",
	DebugCheck:            "Check",
	DebugSetFail:          "SetFail",
	DebugSetBurstFail:     "SetBurstFail",
	DebugFailures:         "Failures",
	DebugGetBase:          "GetBase",
	DebugWalk:             "Walk",
	DebugGetSlabConfig:    "GetSlabConfig",
	DebugSetSlabConfig:    "SetSlabConfig",
	DebugGetPageThreshold: "GetPageThreshold",
	DebugSetPageThreshold: "SetPageThreshold",
}

func (o DebugOp) String() string {
	name, ok := debugOpMapping[o]
	if !ok {
		return "Unknown"
	}
	return name
}

// ErrLeakedCells is returned by DebugFunction(DebugMarkEnd, ...) when the leak count does not match
var ErrLeakedCells = errors.New("unexpected number of cells leaked")

func intArg(op DebugOp, arg any) (int, error) {
	switch value := arg.(type) {
	case int:
		return value, nil
	case uint32:
		return int(value), nil
	case FailType:
		return int(value), nil
	case nil:
		return 0, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "%s does not accept %T", op, arg)
}

// DebugFunction is a single entry point to the heap's introspection and testing operations. The meaning
// of a1 and a2 depends on op. Operations that need the debug overlay return ErrDebugDisabled on heaps
// created without CreateDebug.
func (h *Heap) DebugFunction(op DebugOp, a1, a2 any) (int, error) {
	switch op {
	case DebugCount:
		cells, _ := h.AllocSize()
		return cells, nil

	case DebugMarkStart:
		return 0, h.MarkStart()

	case DebugMarkEnd:
		expected := -1
		if a1 != nil {
			var err error
			expected, err = intArg(op, a1)
			if err != nil {
				return 0, err
			}
		}
		leaked, err := h.MarkEnd()
		if err != nil {
			return 0, err
		}
		if expected >= 0 && leaked != expected {
			return leaked, errors.Wrapf(ErrLeakedCells, "%d cells leaked, expected %d", leaked, expected)
		}
		return leaked, nil

	case DebugCheck:
		h.Check()
		return 0, nil

	case DebugSetFail:
		failType, err := intArg(op, a1)
		if err != nil {
			return 0, err
		}
		rate, err := intArg(op, a2)
		if err != nil {
			return 0, err
		}
		return 0, h.SetFail(FailType(failType), rate)

	case DebugSetBurstFail:
		failType, err := intArg(op, a1)
		if err != nil {
			return 0, err
		}
		args, ok := a2.([2]int)
		if !ok {
			return 0, errors.Wrapf(ErrInvalidArgument, "%s expects [2]int{rate, burst}, got %T", op, a2)
		}
		return 0, h.SetBurstFail(FailType(failType), args[0], args[1])

	case DebugFailures:
		if h.debug == nil {
			return 0, ErrDebugDisabled
		}
		return h.Failures(), nil

	case DebugGetBase:
		return int(dlBase), nil

	case DebugWalk:
		var visit func(CellInfo) error
		if a1 != nil {
			var ok bool
			visit, ok = a1.(func(CellInfo) error)
			if !ok {
				return 0, errors.Wrapf(ErrInvalidArgument, "%s expects func(CellInfo) error, got %T", op, a1)
			}
		}
		count := 0
		err := h.Walk(func(info CellInfo) error {
			count++
			if visit != nil {
				return visit(info)
			}
			return nil
		})
		return count, err

	case DebugGetSlabConfig:
		h.mutex.RLock()
		defer h.mutex.RUnlock()
		return int(h.slabConfig), nil

	case DebugSetSlabConfig:
		config, err := intArg(op, a1)
		if err != nil {
			return 0, err
		}
		return 0, h.setSlabConfig(uint32(config))

	case DebugGetPageThreshold:
		h.mutex.RLock()
		defer h.mutex.RUnlock()
		return h.pageThreshold, nil

	case DebugSetPageThreshold:
		threshold, err := intArg(op, a1)
		if err != nil {
			return 0, err
		}
		return 0, h.setPageThreshold(threshold)
	}

	return 0, errors.Wrapf(ErrUnknownDebugOp, "%d", int(op))
}

func (h *Heap) setSlabConfig(config uint32) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if config&^defaultSlabConfig != 0 {
		return errors.Wrapf(ErrInvalidArgument, "slab config %#x", config)
	}
	if !h.slabsSupported() {
		return ErrSlabsDisabled
	}

	h.slabConfig = config
	if h.slabInitialized {
		h.initSlabs(config)
	}
	return nil
}

func (h *Heap) setPageThreshold(threshold int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if threshold < h.pageShift || threshold > 31 {
		return errors.Wrapf(ErrInvalidArgument, "page threshold 2^%d must be between 2^%d and 2^31", threshold, h.pageShift)
	}

	h.pageThreshold = threshold
	h.logger.Debug("Heap::setPageThreshold", slog.Int("threshold", threshold))
	return nil
}
