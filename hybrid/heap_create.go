package hybrid

import (
	"io"
	"math/rand"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hybridheap/hybrid/internal/utils"
	"github.com/vkngwrapper/hybridheap/memutils"
	"github.com/vkngwrapper/hybridheap/provider"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSingleThreaded skips all locking. The consumer must guarantee the heap is used from only one
	// goroutine at a time.
	CreateSingleThreaded CreateFlags = 1 << iota
	// CreateDLOnly disables the slab and paged sub-allocators, so every cell comes from the DL allocator
	CreateDLOnly
	// CreateAdjust selects "adjust" growth, where the heap only ever grows and shrinks at the end of its
	// region. Page and slab cells need disconnected ranges, so this implies CreateDLOnly.
	CreateAdjust
	// CreateDebug turns on the debug overlay: hidden cell headers, guard bytes, fill patterns,
	// mark/check leak detection and simulated allocation failure
	CreateDebug
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSingleThreaded: "CreateSingleThreaded",
	CreateDLOnly:         "CreateDLOnly",
	CreateAdjust:         "CreateAdjust",
	CreateDebug:          "CreateDebug",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

const (
	// defaultGrowByPages is the number of pages the DL region grows by when no GrowBy is provided
	defaultGrowByPages = 16
	// defaultPageThreshold is the exponent used when no PageThreshold is provided: cells of 64KiB
	// and up are page cells
	defaultPageThreshold = 16
	// maxArenaLength is the largest arena a Ptr can address
	maxArenaLength = 1 << 31
)

// CreateOptions contains optional settings when creating a heap. Leaving a field at its zero value
// selects the default.
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// MinLength is the number of bytes committed at creation. Trimming never shrinks the heap below
	// it. Defaults to one page.
	MinLength int
	// GrowBy is the granularity the DL region grows by. It is rounded up to the page size and defaults
	// to 16 pages.
	GrowBy int
	// Align is the alignment of every cell. Only 8 is supported.
	Align int
	// PageThreshold is the base-2 exponent of the smallest request served by the paged allocator. It
	// may not be smaller than the page size exponent, and defaults to 16.
	PageThreshold int
	// SlabConfig is a bitmask of enabled slab size classes: bit n enables cells of 4*(n+1) bytes.
	// Defaults to every class from 4 to 56 bytes.
	SlabConfig uint32
	// SlabInitThreshold delays slab allocator setup until the heap's committed size reaches this many
	// bytes. 0 sets up slabs at creation.
	SlabInitThreshold int
	// TrimThreshold is the size the DL wilderness chunk must exceed before a free releases pages back
	// to the provider. Defaults to twice GrowBy.
	TrimThreshold int
	// FailSeed seeds the random simulated-failure policies of the debug overlay
	FailSeed int64
	// Mutex is an optional lock taken around every heap operation in place of the heap's own mutex.
	// It is ignored when CreateSingleThreaded is set.
	Mutex sync.Locker
}

// New creates a growable heap in the reservation supplied by prov. The heap's control words are placed
// at offset 0 of the reservation, which must not have any committed pages.
//
// logger - Receives debug output about growth and trimming and error output before a fault. May be nil.
//
// prov - The reservation the heap grows into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, prov provider.Provider, options CreateOptions) (*Heap, error) {
	h, err := newHeap(logger, prov, options, false)
	if err != nil {
		return nil, err
	}

	if prov.Committed() != 0 {
		return nil, errors.Wrap(memutils.ErrInvalidLength, "the provider already has committed pages")
	}

	initial, err := prov.Map(0, h.minLength)
	if err != nil {
		return nil, errors.Wrapf(err, "committing the initial %d bytes", h.minLength)
	}
	h.chunkSize = h.minLength
	h.initialLength = h.minLength
	h.dlLimit = Ptr(initial + h.minLength)

	h.initialize()
	return h, nil
}

// NewFixed creates a heap inside buffer. A fixed heap never grows or shrinks and only uses the DL
// allocator.
func NewFixed(logger *slog.Logger, buffer []byte, options CreateOptions) (*Heap, error) {
	length := memutils.AlignDown(len(buffer), chunkAlign)
	if length < HeaderSize+minChunkSize+topFootSize || length > maxArenaLength {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "fixed heap buffer is %d bytes", len(buffer))
	}

	options.Flags |= CreateDLOnly
	h, err := newHeap(logger, provider.NewFixed(buffer[:length], 0), options, true)
	if err != nil {
		return nil, err
	}

	h.chunkSize = length
	h.initialLength = length
	h.dlLimit = Ptr(length)

	h.initialize()
	return h, nil
}

func newHeap(logger *slog.Logger, prov provider.Provider, options CreateOptions, fixed bool) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	if options.Align != 0 && options.Align != chunkAlign {
		return nil, errors.Wrapf(memutils.ErrInvalidAlignment, "alignment %d is not supported, cells are always %d-byte aligned", options.Align, chunkAlign)
	}

	pageSize := prov.PageSize()
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}
	pageShift := memutils.Log2(uint(pageSize))

	maxLength := prov.MaxLength()
	if maxLength > maxArenaLength {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "maximum length %d is larger than %d", maxLength, maxArenaLength)
	}

	minLength := options.MinLength
	if minLength < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "minimum length %d is negative", minLength)
	}
	if fixed {
		minLength = maxLength
	} else {
		minLength = memutils.AlignUp(max(minLength, HeaderSize+minChunkSize+topFootSize), uint(pageSize))
	}
	if minLength > maxLength {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "minimum length %d is larger than the maximum length %d", minLength, maxLength)
	}
	if !fixed && maxLength%pageSize != 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "maximum length %d is not a multiple of the page size %d", maxLength, pageSize)
	}

	growBy := options.GrowBy
	if growBy < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "grow-by %d is negative", growBy)
	}
	if growBy == 0 {
		growBy = defaultGrowByPages * pageSize
	}
	growBy = memutils.AlignUp(growBy, uint(pageSize))

	pageThreshold := options.PageThreshold
	if pageThreshold == 0 {
		pageThreshold = max(defaultPageThreshold, pageShift)
	}
	if pageThreshold < pageShift || pageThreshold > 31 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "page threshold 2^%d must be between the page size 2^%d and 2^31", pageThreshold, pageShift)
	}

	slabConfig := options.SlabConfig
	if slabConfig == 0 {
		slabConfig = defaultSlabConfig
	}
	if slabConfig&^defaultSlabConfig != 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidLength, "slab config %#x enables size classes above %d bytes", slabConfig, maxSlabCellSize)
	}

	trimThreshold := options.TrimThreshold
	if trimThreshold <= 0 {
		trimThreshold = 2 * growBy
	}

	flags := options.Flags
	if flags&CreateAdjust != 0 {
		flags |= CreateDLOnly
	}

	h := &Heap{
		logger:   logger,
		provider: prov,
		mem:      prov.Bytes(),
		flags:    flags,
		fixed:    fixed,

		pageSize:          pageSize,
		pageShift:         pageShift,
		minLength:         minLength,
		maxLength:         maxLength,
		growBy:            growBy,
		trimThreshold:     uint32(trimThreshold),
		pageThreshold:     pageThreshold,
		slabConfig:        slabConfig,
		slabInitThreshold: options.SlabInitThreshold,
	}
	h.mutex = utils.OptionalRWMutex{
		External: options.Mutex,
		UseMutex: flags&CreateSingleThreaded == 0,
	}

	if flags&CreateDebug != 0 {
		h.debug = &debugState{
			rand: rand.New(rand.NewSource(options.FailSeed)),
		}
	}

	return h, nil
}

// initialize lays out the header and an empty DL region over the committed range [0, dlLimit)
func (h *Heap) initialize() {
	h.zero(0, HeaderSize)
	h.setWord(offMagic, headerMagic)
	h.setWord(offFlags, uint32(h.flags))

	h.dl = dlState{trimCheck: h.trimThreshold}
	for i := uint32(0); i < nSmallBins; i++ {
		bin := smallbinAt(i)
		h.setFd(bin, bin)
		h.setBk(bin, bin)
	}
	h.setPrevFoot(dlBase, 0)
	h.initTop(dlBase, uint32(h.dlLimit-dlBase)-topFootSize)

	h.mappings = swiss.NewMap[Ptr, mapping](42)
	h.bitmap = offBitmap
	h.bitmapSize = initialBitmapSize

	h.slabInitialized = false
	h.slabThreshold = 0
	h.sparePage = Null

	h.cellCount = 0
	h.totalAllocSize = 0

	if h.debug != nil {
		h.debug.reset()
	}

	h.checkSlabInit()
}
