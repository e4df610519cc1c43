// Package strbuf provides the arena-resident descriptor for a mutable
// string buffer: the growable accumulator behind string concatenation,
// which over-allocates capacity so repeated appends do not each
// trigger a fresh token allocation (spec section 4.3, "string buffer
// migration").
package strbuf

import (
	"errors"
	"unsafe"

	"github.com/kframework/llvm-backend/runtime/alloc"
	"github.com/kframework/llvm-backend/runtime/header"
	"github.com/kframework/llvm-backend/runtime/layout"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// Buffer is the in-arena layout of a string buffer descriptor: a
// header, the length actually in use, the capacity of the backing
// token, and the token's address.
type Buffer struct {
	Hdr      header.Header
	Length   int64
	Capacity int64
	Data     xmem.Addr
}

const (
	headerSize  = unsafe.Sizeof(header.Header(0))
	payloadSize = unsafe.Sizeof(Buffer{}) - headerSize

	// growthFactor controls how much spare capacity a grow reserves,
	// so repeated single-byte appends amortize to O(1).
	growthFactor = 2
)

func Read(addr xmem.Addr) Buffer    { return xmem.Load[Buffer](addr) }
func Write(addr xmem.Addr, v Buffer) { xmem.Store[Buffer](addr, v) }

// New allocates an empty buffer with room for at least capacity bytes.
func New(mgr *alloc.Manager, gen header.Generation, tag uint32, capacity int64) (xmem.Addr, error) {
	blockAddr, err := allocDescriptor(mgr, gen, payloadSize)
	if err != nil {
		return 0, err
	}
	v := Buffer{Hdr: header.New(tag, layout.StringBufferID).WithSizeClass(int(headerSize + payloadSize)).WithGeneration(gen)}
	if capacity > 0 {
		data, err := allocData(mgr, gen, capacity)
		if err != nil {
			return 0, err
		}
		v.Data = data
		v.Capacity = capacity
	}
	Write(blockAddr, v)
	return blockAddr, nil
}

// Grow ensures a buffer allocated in the young generation (the only
// generation mutators append into directly) has room for at least n
// more bytes beyond Length, resizing the backing token in place when
// the arena allows it and reallocating, doubling capacity, otherwise.
func Grow(mgr *alloc.Manager, addr xmem.Addr, n int64) error {
	v := Read(addr)
	need := v.Length + n
	if need <= v.Capacity {
		return nil
	}
	newCap := v.Capacity * growthFactor
	if newCap < need {
		newCap = need
	}

	if v.Data == 0 {
		data, err := allocData(mgr, header.Young, newCap)
		if err != nil {
			return err
		}
		v.Data = data
		v.Capacity = newCap
		Write(addr, v)
		return nil
	}

	resized, err := mgr.ResizeLast(v.Data, uintptr(v.Capacity), uintptr(newCap))
	if errors.Is(err, alloc.ErrNotLastAllocation) {
		// The token is not the young arena's last allocation: copy the
		// bytes in use into a fresh token.
		fresh, ferr := allocData(mgr, header.Young, newCap)
		if ferr != nil {
			return ferr
		}
		xmem.CopyBytes(fresh.Add(headerSize), v.Data.Add(headerSize), uintptr(v.Length))
		v.Data = fresh
		v.Capacity = newCap
		Write(addr, v)
		return nil
	}
	if err != nil {
		return err
	}
	// ResizeLast only moves bytes; the token's own header still encodes
	// the old capacity and must be rewritten to match.
	tokenHdr := header.New(0, layout.TokenID).SetLen(int(newCap), mgr.MaxInline).WithGeneration(header.Young)
	xmem.Store[header.Header](resized, tokenHdr)
	v.Data = resized
	v.Capacity = newCap
	Write(addr, v)
	return nil
}

func allocDescriptor(mgr *alloc.Manager, gen header.Generation, payload uintptr) (xmem.Addr, error) {
	switch gen {
	case header.Old:
		return mgr.AllocOld(payload)
	case header.Permanent:
		return mgr.AllocNoGC(payload)
	default:
		return mgr.Alloc(payload)
	}
}

// allocData allocates a buffer's backing token and writes a real token
// header (layout id 0, length set to capacity) into it, so the generic
// migrate() later copies the token's actual byte count instead of
// whatever an uninitialized header happens to decode to. actual tracks
// where the token physically landed, which can differ from gen when a
// young-routed request crosses MaxInline and lands in the old arena.
func allocData(mgr *alloc.Manager, gen header.Generation, capacity int64) (xmem.Addr, error) {
	actual := gen
	if actual == header.Young && int(capacity) > mgr.MaxInline {
		actual = header.Old
	}

	var (
		addr xmem.Addr
		err  error
	)
	switch actual {
	case header.Old:
		addr, err = mgr.AllocTokenOld(int(capacity))
	case header.Permanent:
		addr, err = mgr.AllocTokenNoGC(int(capacity))
	default:
		addr, err = mgr.AllocToken(int(capacity))
	}
	if err != nil {
		return 0, err
	}

	tokenHdr := header.New(0, layout.TokenID).SetLen(int(capacity), mgr.MaxInline).WithGeneration(actual)
	xmem.Store[header.Header](addr, tokenHdr)
	return addr, nil
}
