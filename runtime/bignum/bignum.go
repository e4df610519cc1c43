// Package bignum provides the arena-resident descriptors for
// arbitrary-precision integers and floats: GMP's mpz_t and MPFR's
// mpfr_t, as the runtime sees them once koreAllocInteger/
// koreAllocFloating have handed a descriptor's memory to the
// collaborator library (spec section 4.3, "big integer and float
// migration").
//
// Neither GMP nor MPFR is linked in here; Int and Float only describe
// the layout the collector needs to relocate a descriptor's limb
// buffer during migration. Constructing real values out of them is
// the mutator's job, done through whatever GMP/MPFR binding it uses.
package bignum

import (
	"unsafe"

	"github.com/kframework/llvm-backend/runtime/alloc"
	"github.com/kframework/llvm-backend/runtime/header"
	"github.com/kframework/llvm-backend/runtime/layout"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// LimbSize is the width in bytes of one GMP/MPFR limb (mp_limb_t) on a
// 64-bit host.
const LimbSize = 8

// Int is the in-arena layout of an mpz_hdr: a header followed by GMP's
// alloc/size/limb-pointer triple. Size's sign carries the integer's
// sign, as in GMP itself; its magnitude is always <= Alloc.
type Int struct {
	Hdr   header.Header
	Alloc int32
	Size  int32
	Limbs xmem.Addr
}

// Float is a floating_hdr: MPFR's exponent and precision ahead of the
// same alloc/size/limb-pointer triple. Its limb pointer conventionally
// points one limb past the start of the buffer it owns, since MPFR
// reserves the leading limb for rounding; migrateFloating must adjust
// for that offset when relocating the buffer.
type Float struct {
	Hdr       header.Header
	Exponent  int64
	Precision uint64
	Alloc     int32
	Size      int32
	Limbs     xmem.Addr
}

const (
	headerSize       = unsafe.Sizeof(header.Header(0))
	intPayloadSize   = unsafe.Sizeof(Int{}) - headerSize
	floatPayloadSize = unsafe.Sizeof(Float{}) - headerSize
)

// ReadInt and WriteInt move a descriptor between arena memory and a Go
// value; the collector reads one, relocates its buffer, and writes the
// updated descriptor back in place during migration.
func ReadInt(addr xmem.Addr) Int     { return xmem.Load[Int](addr) }
func WriteInt(addr xmem.Addr, v Int) { xmem.Store[Int](addr, v) }

func ReadFloat(addr xmem.Addr) Float     { return xmem.Load[Float](addr) }
func WriteFloat(addr xmem.Addr, v Float) { xmem.Store[Float](addr, v) }

// LimbBytes returns the byte length of the buffer Limbs owns: the
// magnitude of Size once a value has been assigned, falling back to
// Alloc for a freshly allocated, still-zero descriptor (spec section
// 9's alloc-without-a-value case).
func (v Int) LimbBytes() uintptr {
	return limbBytes(v.Alloc, v.Size)
}

func (v Float) LimbBytes() uintptr {
	return limbBytes(v.Alloc, v.Size)
}

func limbBytes(allocLimbs, size int32) uintptr {
	n := int(size)
	if n < 0 {
		n = -n
	}
	if n == 0 {
		n = int(allocLimbs)
	}
	return uintptr(n) * LimbSize
}

// NewInt allocates a descriptor in the given generation and, if
// limbCount > 0, a contiguous limb buffer sized for it. A zero
// limbCount leaves Limbs at the zero address, matching GMP's
// representation of the literal value zero.
func NewInt(mgr *alloc.Manager, gen header.Generation, tag uint32, limbCount int) (xmem.Addr, error) {
	blockAddr, err := allocDescriptor(mgr, gen, intPayloadSize)
	if err != nil {
		return 0, err
	}
	v := Int{
		Hdr:   header.New(tag, layout.IntID).WithSizeClass(int(headerSize + intPayloadSize)).WithGeneration(gen),
		Alloc: int32(limbCount),
	}
	if limbCount > 0 {
		limbs, err := allocLimbs(mgr, gen, limbCount)
		if err != nil {
			return 0, err
		}
		v.Limbs = limbs
		v.Size = int32(limbCount)
	}
	WriteInt(blockAddr, v)
	return blockAddr, nil
}

// NewFloat is NewInt's counterpart for floats, additionally seeding
// the precision field MPFR needs to interpret the limb buffer.
func NewFloat(mgr *alloc.Manager, gen header.Generation, tag uint32, precision uint64, limbCount int) (xmem.Addr, error) {
	blockAddr, err := allocDescriptor(mgr, gen, floatPayloadSize)
	if err != nil {
		return 0, err
	}
	v := Float{
		Hdr:       header.New(tag, layout.FloatID).WithSizeClass(int(headerSize + floatPayloadSize)).WithGeneration(gen),
		Precision: precision,
		Alloc:     int32(limbCount),
	}
	if limbCount > 0 {
		limbs, err := allocLimbs(mgr, gen, limbCount+1)
		if err != nil {
			return 0, err
		}
		v.Limbs = limbs.Add(LimbSize)
		v.Size = int32(limbCount)
	}
	WriteFloat(blockAddr, v)
	return blockAddr, nil
}

// defaultManager is the allocator a GMP/MPFR binding's alloc/realloc/
// free hooks redirect through once Rehome has been called, mirroring
// setKoreMemoryFunctionsForGMP's global function-pointer install in
// the original allocator: the collaborator library has no concept of
// "which Manager," so exactly one must be current at a time.
var defaultManager *alloc.Manager

// Rehome installs mgr as the allocator GMP/MPFR-style bindings use by
// default, in place of the C heap. A process calls this once, at
// startup, before any big integer or float literal is constructed.
func Rehome(mgr *alloc.Manager) { defaultManager = mgr }

// DefaultManager returns the Manager installed by Rehome, or nil if
// none has been installed yet.
func DefaultManager() *alloc.Manager { return defaultManager }

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

func allocLimbs(mgr *alloc.Manager, gen header.Generation, limbCount int) (xmem.Addr, error) {
	n := uintptr(limbCount) * LimbSize
	switch gen {
	case header.Old:
		return mgr.AllocRawOld(n)
	case header.Permanent:
		return mgr.AllocRawNoGC(n)
	default:
		return mgr.AllocRaw(n)
	}
}
