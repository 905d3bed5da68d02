package hybrid

import "encoding/binary"

// Ptr is the offset of a cell from the start of the heap's arena. Offsets are used in place of machine
// pointers so the arena can live in any byte slice.
type Ptr uint32

// Null is never a valid cell
const Null Ptr = 0

// Arena header. The heap's own control words occupy the first HeaderSize bytes of the arena, and the DL
// region begins immediately after.
const (
	headerMagic uint32 = 0x48594850

	offMagic       Ptr = 0
	offFlags       Ptr = 4
	offSmallBins   Ptr = 8
	offTreeBins        = offSmallBins + (nSmallBins+1)*2*4
	offSlabRoots       = offTreeBins + nTreeBins*4
	offPartialPage     = offSlabRoots + slabClassCount*4
	offFullSlabs       = offPartialPage + 4
	offBitmap      Ptr = 512

	initialBitmapSize = 256

	// HeaderSize is the number of bytes at the start of the arena reserved for the heap's control words
	HeaderSize = int(offBitmap) + initialBitmapSize

	dlBase = Ptr(HeaderSize)
)

func (h *Heap) word(p Ptr) uint32 {
	return binary.LittleEndian.Uint32(h.mem[p:])
}

func (h *Heap) setWord(p Ptr, value uint32) {
	binary.LittleEndian.PutUint32(h.mem[p:], value)
}

func (h *Heap) ptrAt(p Ptr) Ptr {
	return Ptr(h.word(p))
}

func (h *Heap) setPtr(p Ptr, value Ptr) {
	h.setWord(p, uint32(value))
}

func (h *Heap) zero(p Ptr, size int) {
	clear(h.mem[p : int(p)+size])
}
