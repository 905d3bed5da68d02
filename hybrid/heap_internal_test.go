package hybrid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/memutils"
	"github.com/vkngwrapper/hybridheap/provider"
)

func newInternalHeap(t *testing.T, maxLength int, options CreateOptions) *Heap {
	mem, err := provider.NewMemory(maxLength, 0)
	require.NoError(t, err)

	h, err := New(nil, mem, options)
	require.NoError(t, err)
	return h
}

func treeContents(h *Heap, rootSlot Ptr) []Ptr {
	var nodes []Ptr
	_ = h.slabTreeIter(rootSlot, func(s Ptr) error {
		nodes = append(nodes, s)
		return nil
	})
	return nodes
}

func requireTreeLinks(t *testing.T, h *Heap, rootSlot Ptr) {
	t.Helper()

	_ = h.slabTreeIter(rootSlot, func(s Ptr) error {
		require.Equal(t, s, h.ptrAt(h.ptrAt(s+slabParent)), "slab %#x parent slot", s)
		return nil
	})
}

func TestSlabTreeOrdering(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{})
	root := slabRootSlot(slabClassCount - 1)
	require.Equal(t, Null, h.slabTreeFirst(root))

	rng := rand.New(rand.NewSource(7))
	order := rng.Perm(32)
	present := map[Ptr]bool{}
	for _, i := range order {
		s := Ptr(0x40000 + i*slabSize)
		h.slabTreeInsert(s, root)
		present[s] = true
	}
	requireTreeLinks(t, h, root)

	nodes := treeContents(h, root)
	require.Len(t, nodes, 32)
	for i := 1; i < len(nodes); i++ {
		require.Less(t, nodes[i-1], nodes[i])
	}
	require.Equal(t, Ptr(0x40000), h.slabTreeFirst(root))

	// removing in a different random order exercises every shape of unlink, including the root
	for _, i := range rng.Perm(32) {
		s := Ptr(0x40000 + i*slabSize)
		h.slabTreeRemove(s)
		delete(present, s)
		requireTreeLinks(t, h, root)

		nodes = treeContents(h, root)
		require.Len(t, nodes, len(present))
		lowest := Null
		for j, n := range nodes {
			require.True(t, present[n])
			if j > 0 {
				require.Less(t, nodes[j-1], n)
			} else {
				lowest = n
			}
		}
		require.Equal(t, lowest, h.slabTreeFirst(root))
	}

	require.Equal(t, Null, h.ptrAt(root))
}

func TestFullSlabList(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{})

	a, b, c := Ptr(0x40000), Ptr(0x40400), Ptr(0x40800)
	h.pushFullSlab(a)
	h.pushFullSlab(b)
	h.pushFullSlab(c)
	require.Equal(t, c, h.ptrAt(offFullSlabs))

	h.unlinkFullSlab(b)
	require.Equal(t, a, h.ptrAt(c+slabChild1))
	require.Equal(t, c+slabChild1, h.ptrAt(a+slabParent))

	h.unlinkFullSlab(c)
	require.Equal(t, a, h.ptrAt(offFullSlabs))
	require.Equal(t, Ptr(offFullSlabs), h.ptrAt(a+slabParent))

	h.unlinkFullSlab(a)
	require.Equal(t, Null, h.ptrAt(offFullSlabs))
}

func TestInitSlabsSizeMap(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{})
	require.True(t, h.slabInitialized)
	require.Equal(t, 57, h.slabThreshold)
	for size := 1; size <= maxSlabCellSize; size++ {
		class := h.sizeMap[(size+3)>>2]
		require.Equal(t, uint8((size+3)/4-1), class, "size %d", size)
	}

	h.initSlabs(1<<3 | 1<<13)
	require.Equal(t, 57, h.slabThreshold)
	require.Equal(t, uint8(3), h.sizeMap[1])
	require.Equal(t, uint8(3), h.sizeMap[4])
	require.Equal(t, uint8(13), h.sizeMap[5])
	require.Equal(t, uint8(13), h.sizeMap[14])

	h.initSlabs(1 << 3)
	require.Equal(t, 17, h.slabThreshold)
	require.Equal(t, uint8(0xFF), h.sizeMap[5])

	h.initSlabs(0)
	require.Zero(t, h.slabThreshold)
	require.Equal(t, SubAllocatorDL, h.route(8))
}

func TestSlabInitThreshold(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{SlabInitThreshold: 8192})
	require.False(t, h.slabInitialized)
	require.Equal(t, SubAllocatorDL, h.route(16))

	// the first growth past the threshold sets up the slab allocator
	p := h.alloc(5000)
	require.NotEqual(t, Null, p)
	require.True(t, h.slabInitialized)
	require.Equal(t, SubAllocatorSlab, h.route(16))
	h.free(p)
}

func TestDLCoalescing(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{Flags: CreateDLOnly})
	require.Equal(t, uint32(3312), h.dl.topSize)

	a := h.alloc(100)
	b := h.alloc(100)
	c := h.alloc(100)
	require.Equal(t, chunk2mem(dlBase), a)
	require.Equal(t, chunk2mem(dlBase+104), b)
	require.Equal(t, chunk2mem(dlBase+208), c)

	h.free(a)
	require.NotZero(t, h.dl.smallMap)
	h.free(c)
	require.Equal(t, dlBase+208, h.dl.top)

	h.free(b)
	require.Equal(t, dlBase, h.dl.top)
	require.Equal(t, uint32(3312), h.dl.topSize)
	require.Zero(t, h.dl.smallMap)
	require.NoError(t, h.checkMallocState())
}

func TestDLTreeBestFit(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{Flags: CreateDLOnly})

	big := h.alloc(2000)
	require.NotEqual(t, Null, h.alloc(100))
	medium := h.alloc(1000)
	require.NotEqual(t, Null, h.alloc(100))

	h.free(big)
	h.free(medium)
	require.NotZero(t, h.dl.treeMap)

	require.Equal(t, big, h.alloc(1500))
	require.Equal(t, medium, h.alloc(900))
	require.NoError(t, h.checkMallocState())
}

func TestDLTrimOnFree(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{Flags: CreateDLOnly, GrowBy: 4096})

	p := h.alloc(20000)
	require.NotEqual(t, Null, p)
	require.Equal(t, 24576, h.chunkSize)
	require.Equal(t, Ptr(24576), h.dlLimit)

	h.free(p)
	require.Equal(t, 4096, h.chunkSize)
	require.Equal(t, Ptr(4096), h.dlLimit)
	require.NoError(t, h.validate())
}

func TestResetRecommitsInitialLength(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{Flags: CreateDLOnly, MinLength: 1 << 16})

	// lowering the floor lets a trim take the DL region under the length it started with
	h.minLength = 4096
	require.Equal(t, 61440, h.sysTrim(0))
	require.Equal(t, Ptr(4096), h.dlLimit)
	h.minLength = 1 << 16

	h.Reset()
	require.Equal(t, Ptr(1<<16), h.dlLimit)
	require.Equal(t, 1<<16, h.chunkSize)
	require.Equal(t, 1<<16, h.provider.Committed())
	require.Equal(t, uint32(1<<16-dlBase-topFootSize), h.dl.topSize)
	require.NoError(t, h.validate())
}

func TestBitmapGrowth(t *testing.T) {
	h := newInternalHeap(t, 1<<24, CreateOptions{})
	require.Equal(t, offBitmap, h.bitmap)

	p := h.alloc(1 << 16)
	require.Equal(t, Ptr(1<<24-1<<16), p)
	require.Equal(t, Ptr(0xFEF000), h.bitmap)
	require.Equal(t, 4096, h.bitmapSize)
	require.Equal(t, 4096+65536+4096, h.chunkSize)

	m, ok := h.mappings.Get(h.bitmap)
	require.True(t, ok)
	require.Equal(t, regionBitmap, m.kind)

	// the header copy is cleared once the bitmap moves
	for _, b := range h.mem[offBitmap : int(offBitmap)+initialBitmapSize] {
		require.Zero(t, b)
	}

	require.Equal(t, 1<<16, h.pagedCellLen(p))
	h.free(p)
	require.NoError(t, h.validate())
}

func TestDebugFreeFill(t *testing.T) {
	h := newInternalHeap(t, 1<<20, CreateOptions{Flags: CreateDebug})

	keep := h.alloc(20)
	p := h.alloc(20)
	cell := p - debugHeaderSize
	require.Equal(t, SubAllocatorSlab, h.owner(cell))

	level, seq := h.cellTag(cell)
	require.Zero(t, level)
	require.Equal(t, uint32(2), seq)
	require.True(t, memutils.ValidateGuard(h.mem, int(p)+20))

	h.free(p)
	// the first word of a free slab cell links it into the slab's free list
	for _, b := range h.mem[cell+4 : cell+36] {
		require.Equal(t, freeFill, b)
	}

	h.free(keep)
	require.NoError(t, h.validate())
}
