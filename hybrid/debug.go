package hybrid

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hybridheap/memutils"
	"golang.org/x/exp/slog"
)

// debugHeaderSize is the size of the hidden header the debug overlay places before every cell:
// the mark nesting level followed by the allocation sequence number
const debugHeaderSize = 8

const (
	allocFill byte = 0xCD
	freeFill  byte = 0xDE
)

// FailType selects a simulated allocation failure policy
type FailType int

const (
	// FailNone turns simulated failure off
	FailNone FailType = iota
	// FailRandom fails each allocation with probability 1/rate
	FailRandom
	// FailDeterministic fails every rate-th allocation
	FailDeterministic
	// FailNext fails the rate-th allocation from now, once
	FailNext
	// FailBurstRandom is FailRandom, but each triggered failure fails burst allocations in a row
	FailBurstRandom
	// FailBurstDeterministic is FailDeterministic, but each triggered failure fails burst allocations in a row
	FailBurstDeterministic
	// FailBurstNext is FailNext, but fails burst allocations in a row
	FailBurstNext
	// FailReset turns simulated failure off and clears the failure count
	FailReset
)

var failTypeMapping = map[FailType]string{
	FailNone:               "None",
	FailRandom:             "Random",
	FailDeterministic:      "Deterministic",
	FailNext:               "Next",
	FailBurstRandom:        "BurstRandom",
	FailBurstDeterministic: "BurstDeterministic",
	FailBurstNext:          "BurstNext",
	FailReset:              "Reset",
}

func (t FailType) String() string {
	return failTypeMapping[t]
}

func (t FailType) burst() bool {
	return t == FailBurstRandom || t == FailBurstDeterministic || t == FailBurstNext
}

type debugState struct {
	nestingLevel uint32
	allocSeq     uint32

	failType FailType
	rate     int
	burst    int
	counter  int
	failing  int
	failures int

	rand *rand.Rand
}

func (d *debugState) reset() {
	d.nestingLevel = 0
	d.allocSeq = 0
	d.failType = FailNone
	d.rate = 0
	d.burst = 0
	d.counter = 0
	d.failing = 0
	d.failures = 0
}

func (d *debugState) setFail(failType FailType, rate, burst int) {
	if failType == FailReset {
		d.failures = 0
		failType = FailNone
	}

	d.failType = failType
	d.rate = rate
	d.burst = burst
	d.counter = 0
	d.failing = 0
}

// shouldFail advances the failure policy by one allocation and reports whether it must fail
func (d *debugState) shouldFail() bool {
	if d.failing > 0 {
		d.failing--
		d.failures++
		return true
	}

	burst := d.failType.burst()
	var trigger bool
	switch d.failType {
	case FailRandom, FailBurstRandom:
		trigger = d.rand.Intn(d.rate) == 0
	case FailDeterministic, FailBurstDeterministic:
		d.counter++
		if d.counter >= d.rate {
			d.counter = 0
			trigger = true
		}
	case FailNext, FailBurstNext:
		d.counter++
		if d.counter >= d.rate {
			trigger = true
			d.failType = FailNone
		}
	}

	if !trigger {
		return false
	}

	if burst {
		d.failing = d.burst - 1
	}
	d.failures++
	return true
}

// tagCell writes the hidden header and trailing guard of a freshly allocated cell and returns the pointer
// handed to the caller
func (d *debugState) tagCell(h *Heap, cell Ptr, length int) Ptr {
	d.allocSeq++
	h.setWord(cell, d.nestingLevel)
	h.setWord(cell+4, d.allocSeq)

	p := cell + debugHeaderSize
	memutils.Fill(h.mem, int(p), length, allocFill)
	memutils.WriteGuard(h.mem, int(p)+length)
	return p
}

// retagCell moves the guard of a cell resized in place
func (d *debugState) retagCell(h *Heap, cell Ptr, oldLen, newLen int) {
	p := int(cell) + debugHeaderSize
	if newLen > oldLen {
		memutils.Fill(h.mem, p+oldLen, newLen-oldLen, allocFill)
	}
	memutils.WriteGuard(h.mem, p+newLen)
}

func (d *debugState) checkGuard(h *Heap, cell Ptr, length int) error {
	if !memutils.ValidateGuard(h.mem, int(cell)+debugHeaderSize+length) {
		return errors.Wrapf(ErrGuardOverwritten, "cell %#x of %d bytes, allocation %d", uint32(cell)+debugHeaderSize, length, h.word(cell+4))
	}
	return nil
}

// releaseCell verifies the guard of a cell about to be freed and poisons its contents
func (d *debugState) releaseCell(h *Heap, cell Ptr, length int) {
	if err := d.checkGuard(h, cell, length); err != nil {
		h.fault(err)
	}
	memutils.Fill(h.mem, int(cell), debugHeaderSize+length+memutils.GuardSize, freeFill)
}

func (h *Heap) cellTag(cell Ptr) (level uint32, seq uint32) {
	return h.word(cell), h.word(cell + 4)
}

// MarkStart opens a leak-checking level. Cells allocated from now on are tagged with the new level.
func (h *Heap) MarkStart() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.debug == nil {
		return ErrDebugDisabled
	}

	h.debug.nestingLevel++
	return nil
}

// MarkEnd closes the innermost leak-checking level and returns the number of cells allocated at that
// level that are still allocated. Those cells are handed down to the enclosing level so an outer
// MarkEnd reports them too.
func (h *Heap) MarkEnd() (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.debug == nil {
		return 0, ErrDebugDisabled
	}
	if h.debug.nestingLevel == 0 {
		return 0, ErrMarkNotStarted
	}

	level := h.debug.nestingLevel
	leaked := 0
	err := h.walk(func(info CellInfo) error {
		if info.Free || info.Level != level {
			return nil
		}

		leaked++
		h.logger.Error("leaked cell",
			slog.Int("ptr", int(info.Ptr)),
			slog.Int("length", info.Len),
			slog.Int("seq", int(info.Seq)),
			slog.String("owner", info.Owner.String()),
		)
		h.setWord(info.Ptr-debugHeaderSize, level-1)
		return nil
	})
	if err != nil {
		return 0, err
	}

	h.debug.nestingLevel--
	return leaked, nil
}

// SetFail installs a simulated allocation failure policy
func (h *Heap) SetFail(failType FailType, rate int) error {
	return h.SetBurstFail(failType, rate, 1)
}

// SetBurstFail installs a simulated allocation failure policy that fails burst allocations in a row each
// time it triggers
func (h *Heap) SetBurstFail(failType FailType, rate int, burst int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.debug == nil {
		return ErrDebugDisabled
	}
	if failType < FailNone || failType > FailReset {
		return errors.Wrapf(ErrInvalidArgument, "fail type %d", failType)
	}
	if failType != FailNone && failType != FailReset && rate < 1 {
		return errors.Wrapf(ErrInvalidArgument, "fail rate %d", rate)
	}
	if burst < 1 {
		return errors.Wrapf(ErrInvalidArgument, "burst %d", burst)
	}

	h.logger.Debug("Heap::SetFail", slog.String("type", failType.String()), slog.Int("rate", rate), slog.Int("burst", burst))
	h.debug.setFail(failType, rate, burst)
	return nil
}

// Failures returns the number of simulated allocation failures so far
func (h *Heap) Failures() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.debug == nil {
		return 0
	}
	return h.debug.failures
}

// Check validates the whole heap and faults if anything is wrong, including overwritten cell guards
func (h *Heap) Check() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if err := h.validate(); err != nil {
		h.fault(err)
	}
}
