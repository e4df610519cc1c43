// Package xmem provides the small set of unsafe pointer/address helpers
// the arena and collect packages need to treat raw memory as a chain of
// tagged blocks.
//
// The shapes here (Addr, Cast, Add, Load/Store) mirror
// yaninyzwitty-hyperpb-go's internal/xunsafe package: a generic pointer
// is more dangerous to carry around than a plain address, so values are
// moved to uintptr at the boundary and only cast back to a typed
// pointer immediately before a read or write.
package xmem

import "unsafe"

// Addr is a raw memory address. Unlike unsafe.Pointer it is not
// followed by the garbage collector, which is the point: the arenas in
// this module manage their own lifetime and must not be kept alive (or
// moved) by Go's collector bookkeeping. Every Addr in this module is
// derived from, and only ever dereferenced through, a live Go
// allocation held elsewhere (the block's backing []byte), so it never
// outlives the memory it names.
type Addr uintptr

// Of returns the address of p.
func Of(p unsafe.Pointer) Addr { return Addr(uintptr(p)) }

// Ptr converts a back to an unsafe.Pointer.
func (a Addr) Ptr() unsafe.Pointer { return unsafe.Pointer(uintptr(a)) }

// Add returns a+n.
func (a Addr) Add(n uintptr) Addr { return a + Addr(n) }

// Sub returns a-b.
func (a Addr) Sub(b Addr) uintptr {
	if a < b {
		panic("xmem: negative address difference")
	}
	return uintptr(a - b)
}

// Less reports whether a < b.
func (a Addr) Less(b Addr) bool { return a < b }

// Cast reinterprets the memory at a as a *To.
func Cast[To any](a Addr) *To {
	return (*To)(a.Ptr())
}

// Load reads a value of type T at a.
func Load[T any](a Addr) T {
	return *Cast[T](a)
}

// Store writes v at a.
func Store[T any](a Addr, v T) {
	*Cast[T](a) = v
}

// CopyBytes copies n bytes from src to dst. The two ranges must not
// overlap (migration always copies from a from-space object to a fresh
// to-space allocation, so this invariant always holds in practice).
func CopyBytes(dst, src Addr, n uintptr) {
	copy(unsafe.Slice((*byte)(dst.Ptr()), n), unsafe.Slice((*byte)(src.Ptr()), n))
}

// Round rounds n up to the nearest multiple of mult, which must be a
// power of two.
func Round(n, mult uintptr) uintptr {
	return (n + mult - 1) &^ (mult - 1)
}
