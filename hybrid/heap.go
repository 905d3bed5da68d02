package hybrid

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hybridheap/hybrid/internal/utils"
	"github.com/vkngwrapper/hybridheap/memutils"
	"github.com/vkngwrapper/hybridheap/provider"
	"golang.org/x/exp/slog"
)

// SubAllocator identifies which of the heap's allocators owns a cell
type SubAllocator int

const (
	SubAllocatorNone SubAllocator = iota
	SubAllocatorDL
	SubAllocatorSlab
	SubAllocatorPaged
)

var subAllocatorMapping = map[SubAllocator]string{
	SubAllocatorNone:  "None",
	SubAllocatorDL:    "DL",
	SubAllocatorSlab:  "Slab",
	SubAllocatorPaged: "Paged",
}

func (s SubAllocator) String() string {
	return subAllocatorMapping[s]
}

type regionKind uint8

const (
	regionPaged regionKind = iota
	regionSlabPage
	regionBitmap
)

var regionKindMapping = map[regionKind]string{
	regionPaged:    "Paged",
	regionSlabPage: "SlabPage",
	regionBitmap:   "Bitmap",
}

func (k regionKind) String() string {
	return regionKindMapping[k]
}

// mapping is a range committed outside the DL region
type mapping struct {
	size int
	kind regionKind
}

// Heap is a hybrid heap. Requests below the slab threshold are served by the slab allocator, requests
// at or above the page threshold by the paged allocator, and everything else by the DL allocator.
// A DL allocation is made whenever the preferred allocator cannot serve a request.
//
// All methods are safe for concurrent use unless the heap was created with CreateSingleThreaded.
type Heap struct {
	logger   *slog.Logger
	mutex    utils.OptionalRWMutex
	provider provider.Provider
	mem      []byte
	flags    CreateFlags
	fixed    bool

	pageSize      int
	pageShift     int
	minLength     int
	maxLength     int
	growBy        int
	trimThreshold uint32

	// chunkSize is the number of committed bytes, including the DL region and all mappings
	chunkSize     int
	initialLength int
	dlLimit       Ptr
	dl            dlState

	mappings *swiss.Map[Ptr, mapping]

	slabConfig        uint32
	slabInitThreshold int
	slabInitialized   bool
	slabThreshold     int
	sizeMap           [maxSlabCellSize/4 + 1]uint8
	sparePage         Ptr

	pageThreshold int
	bitmap        Ptr
	bitmapSize    int

	cellCount      int
	totalAllocSize int

	debug *debugState
}

// Alloc allocates a cell of at least size bytes and returns Null if the heap cannot grow enough
// to serve the request
func (h *Heap) Alloc(size int) Ptr {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.alloc(size)
}

// Free releases a cell. Freeing Null does nothing. Freeing anything that is not an allocated cell of this
// heap is a fault.
func (h *Heap) Free(p Ptr) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.free(p)
}

// AllocLen returns the number of usable bytes in an allocated cell
func (h *Heap) AllocLen(p Ptr) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	cell := h.cellPtr(p)
	return h.cellLen(cell, h.checkCell(cell)) - h.cellOverhead()
}

// Bytes returns the usable bytes of an allocated cell. The slice is only valid until the cell is freed
// or reallocated.
func (h *Heap) Bytes(p Ptr) []byte {
	length := h.AllocLen(p)
	return h.mem[p : int(p)+length : int(p)+length]
}

// AllocSize returns the number of allocated cells and the sum of their usable lengths
func (h *Heap) AllocSize() (cells int, bytes int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.cellCount, h.totalAllocSize
}

// Available returns the number of free bytes the heap can hand out without growing, and the size of the
// largest single free DL block
func (h *Heap) Available() (free int, biggest int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.available()
}

// Compress releases as much committed memory as possible back to the provider and returns the number of
// bytes released
func (h *Heap) Compress() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.logger.Debug("Heap::Compress")

	released := h.sysTrim(0)
	if h.sparePage != Null {
		if h.unmapRegion(h.sparePage, slabPageSize) {
			h.mappings.Delete(h.sparePage)
			released += slabPageSize
			h.sparePage = Null
		}
	}

	memutils.DebugValidate(memutils.ValidateFunc(h.validate))
	return released
}

// Reset frees every cell, decommits everything committed since creation and reinitializes the heap
func (h *Heap) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.logger.Debug("Heap::Reset", slog.Int("cells", h.cellCount))

	var regions []Ptr
	h.mappings.Iter(func(offset Ptr, m mapping) bool {
		regions = append(regions, offset)
		return false
	})
	for _, offset := range regions {
		m, _ := h.mappings.Get(offset)
		if !h.unmapRegion(offset, m.size) {
			h.faultf(ErrCorruptHeap, "provider refused to release the %s region at %#x", m.kind, uint32(offset))
		}
	}

	if !h.fixed && int(h.dlLimit) > h.initialLength {
		if !h.unmapRegion(Ptr(h.initialLength), int(h.dlLimit)-h.initialLength) {
			h.faultf(ErrCorruptHeap, "provider refused to release the DL region above %#x", uint32(h.initialLength))
		}
		h.dlLimit = Ptr(h.initialLength)
	}
	if !h.fixed && int(h.dlLimit) < h.initialLength {
		h.recommitInitial()
	}

	h.initialize()
}

// recommitInitial maps the DL region back up to its initial length. It goes straight to the provider
// because the slab and paged state is about to be rebuilt.
func (h *Heap) recommitInitial() {
	size := h.initialLength - int(h.dlLimit)
	offset, err := h.provider.Map(int(h.dlLimit), size)
	if err != nil {
		h.faultf(ErrCorruptHeap, "recommitting %d bytes at %#x: %v", size, uint32(h.dlLimit), err)
	}
	if Ptr(offset) != h.dlLimit {
		h.faultf(ErrCorruptHeap, "provider committed %#x when asked for %#x", uint32(offset), uint32(h.dlLimit))
	}

	h.chunkSize += size
	h.dlLimit = Ptr(h.initialLength)
}

// ChunkSize returns the number of bytes currently committed
func (h *Heap) ChunkSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.chunkSize
}

// MinLength returns the number of bytes the heap never shrinks below
func (h *Heap) MinLength() int { return h.minLength }

// MaxLength returns the number of bytes the heap never grows beyond
func (h *Heap) MaxLength() int { return h.maxLength }

// PageSize returns the provider's page size
func (h *Heap) PageSize() int { return h.pageSize }

// Flags returns the flags the heap was created with, including any implied flags
func (h *Heap) Flags() CreateFlags { return h.flags }

// SubAllocatorFor returns the sub-allocator a request of size bytes is routed to under the heap's current
// configuration
func (h *Heap) SubAllocatorFor(size int) SubAllocator {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.route(size + h.cellOverhead())
}

// Owner returns the sub-allocator that owns an allocated cell
func (h *Heap) Owner(p Ptr) SubAllocator {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.checkCell(h.cellPtr(p))
}

func (h *Heap) route(size int) SubAllocator {
	if size < h.slabThreshold {
		return SubAllocatorSlab
	}
	if h.flags&CreateDLOnly == 0 && size>>h.pageThreshold != 0 {
		return SubAllocatorPaged
	}
	return SubAllocatorDL
}

func (h *Heap) alloc(size int) Ptr {
	if h.debug != nil && h.debug.shouldFail() {
		return Null
	}

	return h.allocUser(size)
}

// allocUser allocates a cell and applies the debug overlay, bypassing simulated failure
func (h *Heap) allocUser(size int) Ptr {
	if size < 0 || size > h.maxLength {
		return Null
	}

	cell := h.allocCell(size + h.cellOverhead())
	if cell == Null {
		return Null
	}

	length := h.cellLen(cell, h.owner(cell)) - h.cellOverhead()
	h.cellCount++
	h.totalAllocSize += length

	p := cell
	if h.debug != nil {
		p = h.debug.tagCell(h, cell, length)
	}

	memutils.DebugValidate(memutils.ValidateFunc(h.validate))
	return p
}

func (h *Heap) allocCell(size int) Ptr {
	switch h.route(size) {
	case SubAllocatorSlab:
		if cell := h.slabAlloc(size); cell != Null {
			return cell
		}
	case SubAllocatorPaged:
		if cell := h.pagedAlloc(size); cell != Null {
			return cell
		}
	}

	return h.dlMalloc(uint32(size))
}

func (h *Heap) free(p Ptr) {
	if p == Null {
		return
	}

	cell := h.cellPtr(p)
	owner := h.checkCell(cell)
	length := h.cellLen(cell, owner) - h.cellOverhead()

	if h.debug != nil {
		h.debug.releaseCell(h, cell, length)
	}

	h.cellCount--
	h.totalAllocSize -= length

	switch owner {
	case SubAllocatorDL:
		h.dlFree(cell)
	case SubAllocatorSlab:
		h.slabFree(cell)
	case SubAllocatorPaged:
		h.pagedFree(cell)
	}

	memutils.DebugValidate(memutils.ValidateFunc(h.validate))
}

// owner classifies a cell pointer by address alone
func (h *Heap) owner(cell Ptr) SubAllocator {
	if cell >= dlBase && cell < h.dlLimit {
		return SubAllocatorDL
	}
	if h.flags&CreateDLOnly != 0 || int(cell) >= h.maxLength {
		return SubAllocatorNone
	}
	if int(cell)&(h.pageSize-1) == 0 {
		return SubAllocatorPaged
	}
	if cell&3 == 0 && h.slabInitialized {
		return SubAllocatorSlab
	}
	return SubAllocatorNone
}

// checkCell classifies a cell pointer and faults unless it addresses an allocated cell
func (h *Heap) checkCell(cell Ptr) SubAllocator {
	owner := h.owner(cell)
	switch owner {
	case SubAllocatorDL:
		h.dlCheckInuse(cell)
	case SubAllocatorSlab:
		h.slabCheckInuse(cell)
	case SubAllocatorPaged:
		h.pagedCheckInuse(cell)
	default:
		h.faultf(ErrBadCellAddress, "%#x", uint32(cell))
	}
	return owner
}

// cellLen returns the full length of a cell, including any debug overhead
func (h *Heap) cellLen(cell Ptr, owner SubAllocator) int {
	switch owner {
	case SubAllocatorDL:
		return h.dlCellLen(cell)
	case SubAllocatorSlab:
		return h.slabCellLen(cell)
	case SubAllocatorPaged:
		return h.pagedCellLen(cell)
	}
	return 0
}

// cellPtr converts a user pointer into the cell that holds it
func (h *Heap) cellPtr(p Ptr) Ptr {
	if h.debug == nil {
		return p
	}
	if p < debugHeaderSize {
		h.faultf(ErrBadCellAddress, "%#x", uint32(p))
	}
	return p - debugHeaderSize
}

func (h *Heap) cellOverhead() int {
	if h.debug == nil {
		return 0
	}
	return debugHeaderSize + memutils.GuardSize
}

// mapRegion commits size bytes at hint, or anywhere if hint is provider.AnyOffset. The heap never commits
// more than its maximum length.
func (h *Heap) mapRegion(hint int, size int) (Ptr, bool) {
	size = memutils.AlignUp(size, uint(h.pageSize))
	if h.fixed || size <= 0 || h.chunkSize+size > h.maxLength {
		return Null, false
	}

	offset, err := h.provider.Map(hint, size)
	if err != nil {
		h.logger.Debug("Heap::mapRegion failed", slog.Int("hint", hint), slog.Int("size", size), slog.Any("error", err))
		return Null, false
	}

	h.chunkSize += size
	h.logger.Debug("Heap::mapRegion", slog.Int("offset", offset), slog.Int("size", size), slog.Int("chunkSize", h.chunkSize))

	h.checkSlabInit()
	return Ptr(offset), true
}

func (h *Heap) unmapRegion(offset Ptr, size int) bool {
	err := h.provider.Unmap(int(offset), size)
	if err != nil {
		h.logger.Debug("Heap::unmapRegion failed", slog.Int("offset", int(offset)), slog.Int("size", size), slog.Any("error", err))
		return false
	}

	h.chunkSize -= size
	h.logger.Debug("Heap::unmapRegion", slog.Int("offset", int(offset)), slog.Int("size", size), slog.Int("chunkSize", h.chunkSize))
	return true
}

func (h *Heap) available() (free int, biggest int) {
	_ = h.walk(func(info CellInfo) error {
		if !info.Free {
			return nil
		}

		usable := info.Len
		if info.Owner == SubAllocatorDL {
			usable -= chunkOverhead
			if usable > biggest {
				biggest = usable
			}
		}
		free += usable
		return nil
	})

	return free, biggest
}
