// Package hybrid implements a hybrid heap: a single arena shared by three allocators that are chosen by
// request size.
//
// Small requests, up to 56 bytes by default, are served from slabs: 1KiB blocks of equal-sized cells,
// carved four at a time out of 4KiB pages. Large requests, 64KiB and up by default, are served as runs of
// whole pages whose lengths are kept in a two-bit-per-page bitmap. Everything else, and anything the
// other two cannot serve, comes from a port of Doug Lea's malloc working over the low end of the arena.
//
// The arena is a provider.Provider reservation. The DL region grows upward from the heap's header while
// slab pages and page cells are committed downward from the end of the reservation, so the two only
// collide when the heap is nearly full. Cells are addressed by Ptr, an offset into the arena, and the
// bytes of a cell are available through Heap.Bytes.
//
// Passing the heap a pointer it did not hand out, freeing a cell twice, or a corrupted heap structure is
// a fault: the heap logs it and panics with an assertion failure wrapping one of ErrBadCellAddress,
// ErrBadFreeCell, ErrCorruptHeap or ErrGuardOverwritten. FaultError recovers the error from the panic.
//
// Heaps created with CreateDebug hide an 8-byte header before every cell and guard bytes after it, fill
// new and freed cells with recognizable patterns, and support leak checking with MarkStart/MarkEnd and
// simulated allocation failure with SetFail.
package hybrid
