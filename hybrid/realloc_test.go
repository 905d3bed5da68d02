package hybrid_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/hybrid"
)

func fillPattern(heap *hybrid.Heap, p hybrid.Ptr, length int, seed byte) {
	data := heap.Bytes(p)
	for i := 0; i < length; i++ {
		data[i] = seed + byte(i)
	}
}

func requirePattern(t *testing.T, heap *hybrid.Heap, p hybrid.Ptr, length int, seed byte) {
	t.Helper()

	data := heap.Bytes(p)
	for i := 0; i < length; i++ {
		require.Equal(t, seed+byte(i), data[i], "byte %d of %#x", i, p)
	}
}

func TestReAllocDLHysteresis(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	a := heap.Alloc(100)
	require.Equal(t, 100, heap.AllocLen(a))
	fillPattern(heap, a, 100, 7)

	require.Equal(t, a, heap.ReAlloc(a, 80, 0))
	require.Equal(t, a, heap.ReAlloc(a, 75, 0))
	require.Equal(t, 100, heap.AllocLen(a))

	require.Equal(t, a, heap.ReAlloc(a, 74, 0))
	require.Equal(t, 76, heap.AllocLen(a))
	requirePattern(t, heap, a, 74, 7)

	// the cell borders the wilderness, so it grows in place
	require.Equal(t, a, heap.ReAlloc(a, 200, 0))
	require.Equal(t, 204, heap.AllocLen(a))
	requirePattern(t, heap, a, 74, 7)

	_, bytes := heap.AllocSize()
	require.Equal(t, 204, bytes)
	require.NoError(t, heap.Validate())
}

func TestReAllocMoves(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	b := heap.Alloc(1000)
	barrier := heap.Alloc(100)
	require.NotEqual(t, hybrid.Null, barrier)
	oldLen := heap.AllocLen(b)
	require.Equal(t, 1004, oldLen)
	fillPattern(heap, b, oldLen, 3)

	require.Equal(t, hybrid.Null, heap.ReAlloc(b, 5000, hybrid.ReAllocNeverMove))
	require.Equal(t, oldLen, heap.AllocLen(b))

	moved := heap.ReAlloc(b, oldLen+1, 0)
	require.NotEqual(t, hybrid.Null, moved)
	require.NotEqual(t, b, moved)
	require.GreaterOrEqual(t, heap.AllocLen(moved), oldLen+oldLen/4)
	requirePattern(t, heap, moved, oldLen, 3)

	count, _ := heap.AllocSize()
	require.Equal(t, 2, count)
	require.NoError(t, heap.Validate())
}

func TestReAllocGrowthBeatsSmallNeighbour(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{Flags: hybrid.CreateDLOnly})

	a := heap.Alloc(1000)
	b := heap.Alloc(8)
	barrier := heap.Alloc(100)
	require.NotEqual(t, hybrid.Null, barrier)
	oldLen := heap.AllocLen(a)
	fillPattern(heap, a, oldLen, 9)

	// the freed neighbour has room for the request but not for a quarter more
	heap.Free(b)
	grown := heap.ReAlloc(a, oldLen+4, 0)
	require.NotEqual(t, hybrid.Null, grown)
	require.NotEqual(t, a, grown)
	require.GreaterOrEqual(t, heap.AllocLen(grown), oldLen+oldLen/4)
	requirePattern(t, heap, grown, oldLen, 9)
	require.NoError(t, heap.Validate())

	// a cell that may not move still takes the neighbour for the exact size
	c := heap.Alloc(1000)
	d := heap.Alloc(8)
	require.NotEqual(t, hybrid.Null, heap.Alloc(100))
	heap.Free(d)
	require.Equal(t, c, heap.ReAlloc(c, oldLen+4, hybrid.ReAllocNeverMove))
	require.GreaterOrEqual(t, heap.AllocLen(c), oldLen+4)
	require.Less(t, heap.AllocLen(c), oldLen+oldLen/4)
	require.NoError(t, heap.Validate())
}

func TestReAllocSlab(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	s := heap.Alloc(40)
	require.Equal(t, hybrid.SubAllocatorSlab, heap.Owner(s))
	fillPattern(heap, s, 40, 11)

	require.Equal(t, s, heap.ReAlloc(s, 8, 0))
	require.Equal(t, 40, heap.AllocLen(s))

	smaller := heap.ReAlloc(s, 8, hybrid.ReAllocAllowMoveOnShrink)
	require.NotEqual(t, s, smaller)
	require.Equal(t, 8, heap.AllocLen(smaller))
	requirePattern(t, heap, smaller, 8, 11)

	require.Equal(t, hybrid.Null, heap.ReAlloc(smaller, 48, hybrid.ReAllocNeverMove))

	grown := heap.ReAlloc(smaller, 48, 0)
	require.Equal(t, hybrid.SubAllocatorSlab, heap.Owner(grown))
	require.GreaterOrEqual(t, heap.AllocLen(grown), 48)
	requirePattern(t, heap, grown, 8, 11)

	dl := heap.ReAlloc(grown, 500, 0)
	require.Equal(t, hybrid.SubAllocatorDL, heap.Owner(dl))
	requirePattern(t, heap, dl, 8, 11)
	require.NoError(t, heap.Validate())
}

func TestReAllocPaged(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	p := heap.Alloc(1 << 17)
	require.Equal(t, hybrid.SubAllocatorPaged, heap.Owner(p))
	fillPattern(heap, p, 1<<16, 5)
	chunkSize := heap.ChunkSize()

	require.Equal(t, p, heap.ReAlloc(p, 1<<16, 0))
	require.Equal(t, 1<<16, heap.AllocLen(p))
	require.Equal(t, chunkSize-1<<16, heap.ChunkSize())
	require.NoError(t, heap.Validate())

	require.Equal(t, p, heap.ReAlloc(p, 1<<17, 0))
	require.Equal(t, 1<<17, heap.AllocLen(p))
	require.Equal(t, chunkSize, heap.ChunkSize())
	requirePattern(t, heap, p, 1<<16, 5)

	// moving a paged cell that shrinks below the page threshold into the DL region
	dl := heap.ReAlloc(p, 1000, hybrid.ReAllocAllowMoveOnShrink)
	require.Equal(t, hybrid.SubAllocatorDL, heap.Owner(dl))
	requirePattern(t, heap, dl, 1000, 5)
	require.Equal(t, chunkSize-1<<17, heap.ChunkSize())
	require.NoError(t, heap.Validate())
}

func TestReAllocNullAndZero(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	p := heap.ReAlloc(hybrid.Null, 300, 0)
	require.NotEqual(t, hybrid.Null, p)
	require.GreaterOrEqual(t, heap.AllocLen(p), 300)

	require.Equal(t, hybrid.Null, heap.ReAlloc(p, 0, 0))
	count, bytes := heap.AllocSize()
	require.Zero(t, count)
	require.Zero(t, bytes)

	q := heap.Alloc(10)
	require.Equal(t, hybrid.Null, heap.ReAlloc(q, testMaxLength+1, 0))
	require.Equal(t, 12, heap.AllocLen(q))
}

func TestReAllocPreservesData(t *testing.T) {
	heap, _ := newTestHeap(t, 16*testMaxLength, hybrid.CreateOptions{})
	rng := rand.New(rand.NewSource(42))

	var live []hybrid.Ptr
	for i := 0; i < 300; i++ {
		n := 1 + rng.Intn(1<<uint(rng.Intn(18)))
		m := n + rng.Intn(1<<uint(rng.Intn(18)))
		seed := byte(i)

		p := heap.Alloc(n)
		require.NotEqual(t, hybrid.Null, p)
		fillPattern(heap, p, n, seed)

		q := heap.ReAlloc(p, m, 0)
		require.NotEqual(t, hybrid.Null, q, "realloc %d to %d", n, m)
		require.GreaterOrEqual(t, heap.AllocLen(q), m)
		requirePattern(t, heap, q, n, seed)

		live = append(live, q)
		if rng.Intn(2) == 0 {
			index := rng.Intn(len(live))
			heap.Free(live[index])
			live = append(live[:index], live[index+1:]...)
		}
	}

	requireNoOverlap(t, heap, live)
	require.NoError(t, heap.Validate())
}
