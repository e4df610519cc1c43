// Package persistent provides the arena-resident node layout shared by
// persistent maps, sets, and lists: interior nodes that different
// versions of a collection can share, which is exactly what makes
// migrating them different from an ordinary tree (spec section 4.4,
// scenario S5 — shared structure must still be shared after a
// collection, not duplicated).
package persistent

import (
	"unsafe"

	"github.com/kframework/llvm-backend/runtime/alloc"
	"github.com/kframework/llvm-backend/runtime/header"
	"github.com/kframework/llvm-backend/runtime/layout"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// Width bounds the branching factor of a node. Real HAMT/RRB nodes
// vary this with a popcount bitmap; fixing it simplifies the stand-in
// without changing what migrate_once has to prove: that a child
// reachable from two parents is relocated exactly once.
const Width = 8

// Node is one interior node: a header, an occupancy bitmap (which
// slots of Children are meaningful), and the fixed-width child array
// itself. Child slots are addresses of other Nodes for interior
// levels, or leaf term pointers at the bottom level; either way the
// collector treats every non-zero slot the same way.
type Node struct {
	Hdr      header.Header
	Bitmap   uint64
	Children [Width]xmem.Addr
}

const (
	headerSize  = unsafe.Sizeof(header.Header(0))
	payloadSize = unsafe.Sizeof(Node{}) - headerSize
)

func Read(addr xmem.Addr) Node     { return xmem.Load[Node](addr) }
func Write(addr xmem.Addr, v Node) { xmem.Store[Node](addr, v) }

// Kind selects which of the three collection layout ids a node is
// tagged with; all three share the exact same physical layout.
type Kind uint16

const (
	Map  Kind = Kind(layout.MapID)
	Set  Kind = Kind(layout.SetID)
	List Kind = Kind(layout.ListID)
)

// New allocates a node with the given children (nil entries are
// absent slots) and sets the occupancy bit for every non-nil one.
func New(mgr *alloc.Manager, gen header.Generation, kind Kind, tag uint32, children [Width]xmem.Addr) (xmem.Addr, error) {
	blockAddr, err := allocNode(mgr, gen, payloadSize)
	if err != nil {
		return 0, err
	}
	v := Node{
		Hdr:      header.New(tag, uint16(kind)).WithSizeClass(int(headerSize + payloadSize)).WithGeneration(gen),
		Children: children,
	}
	for i, c := range children {
		if c != 0 {
			v.Bitmap |= 1 << uint(i)
		}
	}
	Write(blockAddr, v)
	return blockAddr, nil
}

// WithChild returns a copy of v with slot i set to addr (persistent
// update: the caller is expected to write this into a freshly
// allocated node, never mutate a shared one in place).
func (v Node) WithChild(i int, addr xmem.Addr) Node {
	v.Children[i] = addr
	if addr == 0 {
		v.Bitmap &^= 1 << uint(i)
	} else {
		v.Bitmap |= 1 << uint(i)
	}
	return v
}

func allocNode(mgr *alloc.Manager, gen header.Generation, payload uintptr) (xmem.Addr, error) {
	switch gen {
	case header.Old:
		return mgr.AllocOld(payload)
	case header.Permanent:
		return mgr.AllocNoGC(payload)
	default:
		return mgr.Alloc(payload)
	}
}
