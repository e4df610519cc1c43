// Package alloc is the allocator facade of spec section 4.2: the only
// entry points a mutator ever calls directly, bundling the young, old,
// and no-gc arenas and translating a requested payload size into a
// header-prefixed, 8-byte-rounded block.
//
// This mirrors koreAlloc/koreAllocToken/koreAllocOld/koreAllocNoGC/
// koreResizeLastAlloc from runtime/alloc/alloc.c, in the same spirit as
// the teacher's mallocgc entry point fanning out across size classes
// (cloudfly-readgo/runtime/malloc.go).
package alloc

import (
	"errors"

	"github.com/kframework/llvm-backend/runtime/arena"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// headerWidth is the size in bytes of the header word every block
// starts with (see runtime/header.Header).
const headerWidth = 8

// ErrRequestTooLarge is re-exported from the arena package: a single
// request, header included, does not fit in one block.
var ErrRequestTooLarge = arena.ErrRequestTooLarge

// ErrNotLastAllocation is the precondition ResizeLast enforces: the
// pointer being resized must be exactly the arena's current bump
// pointer minus its old size.
var ErrNotLastAllocation = errors.New("alloc: pointer is not the most recent young allocation")

// FatalError marks a violated invariant that the original allocator
// treats as unrecoverable (exit(255) in alloc.c), rather than a
// request that can be denied and retried.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Manager bundles the three arenas a mutator allocates out of and
// applies the size/threshold policy spec section 4.2 assigns to each
// allocation entry point.
type Manager struct {
	Young *arena.Arena
	Old   *arena.Arena
	NoGC  *arena.Arena

	// MaxInline is the largest token payload (in bytes) allowed to
	// live in the young generation. Longer tokens are allocated
	// directly in the old arena so a minor collection never has to
	// copy a huge buffer (spec section 4.2).
	MaxInline int
}

// NewManager creates a Manager with three freshly registered arenas,
// one per generation, each with the given per-block capacity.
func NewManager(youngBlock, oldBlock, noGCBlock uintptr, maxInline int) *Manager {
	return &Manager{
		Young:     arena.New(0, youngBlock),
		Old:       arena.New(1, oldBlock),
		NoGC:      arena.New(2, noGCBlock),
		MaxInline: maxInline,
	}
}

func round(n uintptr) uintptr { return xmem.Round(n, 8) }

// Alloc allocates a header-prefixed block of the given payload size in
// the young generation. It is the entry point for ordinary terms.
func (m *Manager) Alloc(payload uintptr) (xmem.Addr, error) {
	return m.Young.Alloc(headerWidth + round(payload))
}

// AllocOld is Alloc, but forces old-generation placement: used for
// objects the mutator knows up front will outlive a minor cycle (spec
// section 4.2, e.g. interning table entries).
func (m *Manager) AllocOld(payload uintptr) (xmem.Addr, error) {
	return m.Old.Alloc(headerWidth + round(payload))
}

// AllocNoGC allocates in the permanent, never-collected arena: for
// objects that must never move, such as the static constants the
// mutator seeds at process start.
func (m *Manager) AllocNoGC(payload uintptr) (xmem.Addr, error) {
	return m.NoGC.Alloc(headerWidth + round(payload))
}

// AllocToken allocates a header-prefixed token (string or limb buffer)
// of the given length, routing to the old generation directly once the
// length crosses MaxInline.
func (m *Manager) AllocToken(length int) (xmem.Addr, error) {
	total := headerWidth + round(uintptr(length))
	if length > m.MaxInline {
		return m.Old.Alloc(total)
	}
	return m.Young.Alloc(total)
}

// AllocTokenOld unconditionally allocates a token in the old
// generation, regardless of length.
func (m *Manager) AllocTokenOld(length int) (xmem.Addr, error) {
	return m.Old.Alloc(headerWidth + round(uintptr(length)))
}

// AllocTokenNoGC unconditionally allocates a token in the permanent,
// never-collected arena.
func (m *Manager) AllocTokenNoGC(length int) (xmem.Addr, error) {
	return m.NoGC.Alloc(headerWidth + round(uintptr(length)))
}

// AllocRaw allocates n bytes with no header prefix, for external
// collaborators (GMP/MPFR limb buffers) that own their memory layout
// entirely once koreAlloc has handed them raw space (spec section
// 4.3). AllocRawOld and AllocRawNoGC place the buffer alongside
// descriptors that live in the old or permanent arena respectively, so
// a descriptor and its buffer are always migrated (or never migrated)
// together.
func (m *Manager) AllocRaw(n uintptr) (xmem.Addr, error) {
	return m.Young.Alloc(round(n))
}

func (m *Manager) AllocRawOld(n uintptr) (xmem.Addr, error) {
	return m.Old.Alloc(round(n))
}

func (m *Manager) AllocRawNoGC(n uintptr) (xmem.Addr, error) {
	return m.NoGC.Alloc(round(n))
}

// ResizeLast grows or shrinks the most recent young-generation
// allocation, used to grow a string buffer's token in place as bytes
// are appended to it without copying on every append.
//
// Two distinct failure behaviors are preserved from the original
// allocator (spec section 9's resize_last open question): a caller
// passing a ptr that is not actually the arena's last allocation hits
// a violated precondition and gets a *FatalError, matching the
// original's hard exit(255). A ptr that IS the last allocation but
// whose growth would cross the current block's boundary instead falls
// back to a fresh allocate-and-copy, since that failure reflects
// nothing more than running out of room in one block.
func (m *Manager) ResizeLast(ptr xmem.Addr, oldPayload, newPayload uintptr) (xmem.Addr, error) {
	oldTotal := headerWidth + round(oldPayload)
	newTotal := headerWidth + round(newPayload)

	if ptr.Add(oldTotal) != m.Young.End() {
		return 0, &FatalError{Err: ErrNotLastAllocation}
	}

	delta := int(newTotal) - int(oldTotal)
	if m.Young.ResizeLast(delta) {
		return ptr, nil
	}

	fresh, err := m.Young.Alloc(newTotal)
	if err != nil {
		return 0, err
	}
	xmem.CopyBytes(fresh, ptr, oldTotal)
	return fresh, nil
}
