// Package arena implements the bump-allocated, semispace-identified
// arenas of spec section 4.1: each arena is a growable chain of
// fixed-capacity blocks, and at any time exactly one of its two
// semispaces is being allocated into while the other, from a previous
// cycle, is what a collector scans and reclaims.
//
// Individual blocks are never freed block-by-block; a whole semispace
// is reclaimed implicitly the next time it becomes the allocation
// space again (arenaSwapAndReset in the original C allocator). This
// mirrors mHeap_SysAlloc's append-only block growth in the teacher
// (cloudfly-readgo/runtime/malloc.go) and the Next/End bump-pointer
// pair of yaninyzwitty-hyperpb-go/internal/arena.
package arena

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/kframework/llvm-backend/runtime/xmem"
)

// ErrRequestTooLarge is returned by Alloc when a single request would
// not fit within one block, even an empty one (spec section 7).
var ErrRequestTooLarge = errors.New("arena: requested size exceeds block capacity")

// linkSize is the bytes reserved per block for the intrusive link to
// the next block, mirroring sizeof(block_link) in arena.h. This
// implementation keeps the chain in Go-managed slices rather than an
// in-band pointer, but still reserves the same capacity so that the
// request-too-large ceiling matches the original.
const linkSize = unsafe.Sizeof(uintptr(0))

type block struct {
	bytes []byte
}

func newBlock(size uintptr) *block {
	return &block{bytes: make([]byte, size)}
}

type semispace struct {
	id     byte
	blocks []*block
	blkIdx int
	offset uintptr
}

func (sp *semispace) locate(addr xmem.Addr) (idx int, offset uintptr, ok bool) {
	pu := uintptr(addr)
	for i, b := range sp.blocks {
		if len(b.bytes) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&b.bytes[0]))
		if pu >= base && pu < base+uintptr(len(b.bytes)) {
			return i, pu - base, true
		}
	}
	return 0, 0, false
}

// Arena is a bump allocator over two semispaces, each a chain of
// fixed-size blocks. The canonical semispace id is the arena's own id;
// the other semispace's id is its bitwise complement (spec section 2).
type Arena struct {
	id        byte
	blockSize uintptr
	spaces    [2]*semispace
	allocIdx  int
}

// New creates an arena with the given id (0..127) and per-block
// capacity. The arena registers itself so arena.SemispaceOf can answer
// queries about addresses it owns.
func New(id byte, blockSize uintptr) *Arena {
	if id > 127 {
		panic("arena: id must be in [0, 127]")
	}
	if blockSize <= linkSize {
		panic("arena: blockSize must exceed the block link reservation")
	}
	a := &Arena{
		id:        id,
		blockSize: blockSize,
		spaces: [2]*semispace{
			{id: id},
			{id: ^id},
		},
	}
	register(a)
	return a
}

// ID returns the arena's own (canonical) id.
func (a *Arena) ID() byte { return a.id }

// BlockSize returns the per-block capacity, including the reserved
// link bytes.
func (a *Arena) BlockSize() uintptr { return a.blockSize }

// Capacity returns the largest single request Alloc can satisfy.
func (a *Arena) Capacity() uintptr { return a.blockSize - linkSize }

// AllocationSemispaceID returns the id of the semispace currently
// being allocated into.
func (a *Arena) AllocationSemispaceID() byte { return a.spaces[a.allocIdx].id }

// CollectionSemispaceID returns the id of the semispace a collection
// cycle scans and reclaims.
func (a *Arena) CollectionSemispaceID() byte { return a.spaces[1-a.allocIdx].id }

// Alloc returns the address of n freshly bump-allocated bytes in the
// current allocation semispace.
func (a *Arena) Alloc(n uintptr) (xmem.Addr, error) {
	usable := a.Capacity()
	if n > usable {
		return 0, ErrRequestTooLarge
	}
	sp := a.spaces[a.allocIdx]
	if len(sp.blocks) == 0 {
		sp.blocks = append(sp.blocks, newBlock(a.blockSize))
	}
	if sp.offset+n > usable {
		sp.blkIdx++
		if sp.blkIdx >= len(sp.blocks) {
			sp.blocks = append(sp.blocks, newBlock(a.blockSize))
		}
		sp.offset = 0
	}
	cur := sp.blocks[sp.blkIdx]
	addr := xmem.Of(unsafe.Pointer(&cur.bytes[sp.offset]))
	sp.offset += n
	return addr, nil
}

// ResizeLast grows or shrinks the most recent allocation by delta
// bytes in place. It reports false, changing nothing, if the new end
// would leave the current block. Callers are responsible for verifying
// that the pointer being resized really is the last allocation (spec
// section 7; see alloc.Manager.ResizeLast).
func (a *Arena) ResizeLast(delta int) bool {
	sp := a.spaces[a.allocIdx]
	usable := a.Capacity()
	next := int(sp.offset) + delta
	if next < 0 || uintptr(next) > usable {
		return false
	}
	sp.offset = uintptr(next)
	return true
}

// SwapAndReset exchanges the allocation and collection semispaces and
// rewinds the new allocation pointer to the start of its first block.
// The blocks of the new allocation semispace are retained from the
// cycle before last, not freed.
func (a *Arena) SwapAndReset() {
	a.allocIdx = 1 - a.allocIdx
	sp := a.spaces[a.allocIdx]
	sp.blkIdx = 0
	sp.offset = 0
}

// StartPtr returns the first byte of the current allocation semispace,
// or the zero address if nothing has ever been allocated there.
func (a *Arena) StartPtr() xmem.Addr {
	sp := a.spaces[a.allocIdx]
	if len(sp.blocks) == 0 || len(sp.blocks[0].bytes) == 0 {
		return 0
	}
	return xmem.Of(unsafe.Pointer(&sp.blocks[0].bytes[0]))
}

// End returns the current bump pointer of the allocation semispace:
// the moving frontier a Cheney scan chases.
func (a *Arena) End() xmem.Addr {
	sp := a.spaces[a.allocIdx]
	if len(sp.blocks) == 0 {
		return 0
	}
	cur := sp.blocks[sp.blkIdx]
	return xmem.Of(unsafe.Pointer(&cur.bytes[sp.offset]))
}

// MovePtr advances p by n bytes within the current allocation
// semispace, following block links as needed. The second return value
// is false once the advance reaches the current frontier (End()),
// signaling the scan loop to stop.
func (a *Arena) MovePtr(p xmem.Addr, n uintptr) (xmem.Addr, bool) {
	sp := a.spaces[a.allocIdx]
	usable := a.Capacity()
	idx, off, ok := sp.locate(p)
	if !ok {
		return 0, false
	}
	off += n
	for off >= usable && idx+1 < len(sp.blocks) {
		off -= usable
		idx++
	}
	next := xmem.Of(unsafe.Pointer(&sp.blocks[idx].bytes[off]))
	if idx > sp.blkIdx || (idx == sp.blkIdx && off >= sp.offset) {
		return next, false
	}
	return next, true
}

// SemispaceOf returns the id of whichever of this arena's two
// semispaces contains addr. Behavior is undefined (ok is false) if
// addr was not allocated by this arena (spec section 4.1).
func (a *Arena) SemispaceOf(addr xmem.Addr) (id byte, ok bool) {
	for _, sp := range a.spaces {
		if _, _, found := sp.locate(addr); found {
			return sp.id, true
		}
	}
	return 0, false
}

// Reset discards every block of both semispaces, as part of process
// shutdown (spec section 5, free_all_memory).
func (a *Arena) Reset() {
	for _, sp := range a.spaces {
		sp.blocks = nil
		sp.blkIdx = 0
		sp.offset = 0
	}
	unregister(a)
}

var (
	registryMu sync.Mutex
	registry   []*Arena
)

func register(a *Arena) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, a)
}

func unregister(a *Arena) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, r := range registry {
		if r == a {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// SemispaceOf returns the id of the semispace containing addr across
// every arena created via New. It is the package-level counterpart to
// getArenaSemispaceIDOfObject, telling a from-space address (needs
// migrating) from a to-space one (already migrated this cycle, or
// permanent) without knowing which arena owns it.
func SemispaceOf(addr xmem.Addr) (id byte, ok bool) {
	registryMu.Lock()
	arenas := append([]*Arena(nil), registry...)
	registryMu.Unlock()

	for _, a := range arenas {
		if id, ok := a.SemispaceOf(addr); ok {
			return id, true
		}
	}
	return 0, false
}
