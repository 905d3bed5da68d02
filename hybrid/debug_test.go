package hybrid_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hybridheap/hybrid"
)

func newDebugHeap(t *testing.T) *hybrid.Heap {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{Flags: hybrid.CreateDebug, FailSeed: 1})
	return heap
}

func TestGuardOverwriteFaults(t *testing.T) {
	heap, mem := newTestHeap(t, testMaxLength, hybrid.CreateOptions{Flags: hybrid.CreateDebug})

	for _, size := range []int{24, 300, 1 << 16} {
		p := heap.Alloc(size)
		require.NotEqual(t, hybrid.Null, p)
		length := heap.AllocLen(p)
		require.GreaterOrEqual(t, length, size)
		heap.Check()

		mem.Bytes()[int(p)+length]++
		requireFault(t, hybrid.ErrGuardOverwritten, heap.Check)
		requireFault(t, hybrid.ErrGuardOverwritten, func() { heap.Free(p) })
		mem.Bytes()[int(p)+length]--

		heap.Free(p)
		heap.Check()
	}
}

func TestDebugSlabFreeListChecks(t *testing.T) {
	heap := newDebugHeap(t)

	a := heap.Alloc(8)
	b := heap.Alloc(8)
	c := heap.Alloc(8)
	require.Equal(t, hybrid.SubAllocatorSlab, heap.Owner(a))
	require.Equal(t, b+24, c)

	heap.Free(a)
	heap.Free(b)

	// a is behind b on the free list, so only a full walk finds it
	requireFault(t, hybrid.ErrBadFreeCell, func() { heap.Free(a) })
	requireFault(t, hybrid.ErrBadFreeCell, func() { heap.AllocLen(a) })
	requireFault(t, hybrid.ErrBadFreeCell, func() { heap.Free(c + 24) })

	heap.Free(c)
	heap.Check()
}

func TestDebugFillPatterns(t *testing.T) {
	heap := newDebugHeap(t)

	p := heap.Alloc(20)
	for _, b := range heap.Bytes(p) {
		require.Equal(t, byte(0xCD), b)
	}
	require.Equal(t, hybrid.Ptr(testMaxLength-4096+16+8), p)
}

func TestMarkStartEnd(t *testing.T) {
	heap := newDebugHeap(t)

	outside := heap.Alloc(100)
	require.NoError(t, heap.MarkStart())

	a := heap.Alloc(16)
	b := heap.Alloc(1000)
	c := heap.Alloc(1 << 16)
	heap.Free(b)

	require.NoError(t, heap.MarkStart())
	d := heap.Alloc(64)

	leaked, err := heap.MarkEnd()
	require.NoError(t, err)
	require.Equal(t, 1, leaked)

	// d is handed down to the enclosing level
	leaked, err = heap.MarkEnd()
	require.NoError(t, err)
	require.Equal(t, 3, leaked)

	_, err = heap.MarkEnd()
	require.ErrorIs(t, err, hybrid.ErrMarkNotStarted)

	for _, p := range []hybrid.Ptr{outside, a, c, d} {
		heap.Free(p)
	}
	require.NoError(t, heap.Validate())
}

func TestDebugRequiresFlag(t *testing.T) {
	heap, _ := newTestHeap(t, testMaxLength, hybrid.CreateOptions{})

	require.ErrorIs(t, heap.MarkStart(), hybrid.ErrDebugDisabled)
	_, err := heap.MarkEnd()
	require.ErrorIs(t, err, hybrid.ErrDebugDisabled)
	require.ErrorIs(t, heap.SetFail(hybrid.FailRandom, 2), hybrid.ErrDebugDisabled)
	require.Zero(t, heap.Failures())
}

func allocPattern(heap *hybrid.Heap, count int) []bool {
	results := make([]bool, 0, count)
	for i := 0; i < count; i++ {
		p := heap.Alloc(32)
		results = append(results, p != hybrid.Null)
		if p != hybrid.Null {
			heap.Free(p)
		}
	}
	return results
}

func TestSimulatedFailure(t *testing.T) {
	heap := newDebugHeap(t)

	require.NoError(t, heap.SetFail(hybrid.FailDeterministic, 3))
	require.Equal(t, []bool{true, true, false, true, true, false, true}, allocPattern(heap, 7))
	require.Equal(t, 2, heap.Failures())

	require.NoError(t, heap.SetFail(hybrid.FailNext, 2))
	require.Equal(t, []bool{true, false, true, true}, allocPattern(heap, 4))
	require.Equal(t, 3, heap.Failures())

	require.NoError(t, heap.SetBurstFail(hybrid.FailBurstNext, 1, 3))
	require.Equal(t, []bool{false, false, false, true, true}, allocPattern(heap, 5))
	require.Equal(t, 6, heap.Failures())

	require.NoError(t, heap.SetBurstFail(hybrid.FailBurstDeterministic, 2, 2))
	require.Equal(t, []bool{true, false, false, true, false, false}, allocPattern(heap, 6))

	require.NoError(t, heap.SetFail(hybrid.FailRandom, 1))
	require.Equal(t, []bool{false, false}, allocPattern(heap, 2))

	require.NoError(t, heap.SetFail(hybrid.FailReset, 0))
	require.Zero(t, heap.Failures())
	require.Equal(t, []bool{true, true}, allocPattern(heap, 2))

	require.ErrorIs(t, heap.SetFail(hybrid.FailRandom, 0), hybrid.ErrInvalidArgument)
	require.ErrorIs(t, heap.SetBurstFail(hybrid.FailBurstRandom, 1, 0), hybrid.ErrInvalidArgument)

	count, _ := heap.AllocSize()
	require.Zero(t, count)
	require.NoError(t, heap.Validate())
}

func TestDebugFunction(t *testing.T) {
	heap := newDebugHeap(t)

	_, err := heap.DebugFunction(hybrid.DebugMarkStart, nil, nil)
	require.NoError(t, err)

	p := heap.Alloc(100)
	q := heap.Alloc(8)

	count, err := heap.DebugFunction(hybrid.DebugCount, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	visited := 0
	entries, err := heap.DebugFunction(hybrid.DebugWalk, func(info hybrid.CellInfo) error {
		if !info.Free {
			visited++
			require.Equal(t, uint32(1), info.Level)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, visited)
	require.Greater(t, entries, visited)

	leaked, err := heap.DebugFunction(hybrid.DebugMarkEnd, 1, nil)
	require.ErrorIs(t, err, hybrid.ErrLeakedCells)
	require.Equal(t, 2, leaked)

	_, err = heap.DebugFunction(hybrid.DebugCheck, nil, nil)
	require.NoError(t, err)

	base, err := heap.DebugFunction(hybrid.DebugGetBase, nil, nil)
	require.NoError(t, err)
	require.Equal(t, hybrid.HeaderSize, base)

	_, err = heap.DebugFunction(hybrid.DebugSetFail, hybrid.FailDeterministic, 1)
	require.NoError(t, err)
	require.Equal(t, hybrid.Null, heap.Alloc(1))
	failures, err := heap.DebugFunction(hybrid.DebugFailures, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, failures)
	_, err = heap.DebugFunction(hybrid.DebugSetBurstFail, hybrid.FailNone, [2]int{0, 1})
	require.NoError(t, err)

	config, err := heap.DebugFunction(hybrid.DebugGetSlabConfig, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1<<14-1, config)

	// slabs off: 8 byte requests go to the DL allocator
	_, err = heap.DebugFunction(hybrid.DebugSetSlabConfig, 0, nil)
	require.NoError(t, err)
	require.Equal(t, hybrid.SubAllocatorDL, heap.SubAllocatorFor(8))
	require.Equal(t, hybrid.SubAllocatorSlab, heap.Owner(q))

	threshold, err := heap.DebugFunction(hybrid.DebugGetPageThreshold, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 16, threshold)

	_, err = heap.DebugFunction(hybrid.DebugSetPageThreshold, 13, nil)
	require.NoError(t, err)
	require.Equal(t, hybrid.SubAllocatorPaged, heap.SubAllocatorFor(1<<13))

	_, err = heap.DebugFunction(hybrid.DebugSetPageThreshold, 40, nil)
	require.ErrorIs(t, err, hybrid.ErrInvalidArgument)

	_, err = heap.DebugFunction(hybrid.DebugSetFail, "often", 1)
	require.ErrorIs(t, err, hybrid.ErrInvalidArgument)

	_, err = heap.DebugFunction(hybrid.DebugOp(99), nil, nil)
	require.ErrorIs(t, err, hybrid.ErrUnknownDebugOp)

	heap.Free(p)
	heap.Free(q)
	require.NoError(t, heap.Validate())
}
