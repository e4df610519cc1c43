// Package collect is the generational, two-space copying collector
// driver of spec section 4.4: given a set of roots and a layout
// oracle, it evacuates every reachable object out of each
// generation's current allocation semispace and into the other,
// updating every pointer it finds along the way, then hands the
// vacated semispace back for reuse.
//
// The migration kernel here mirrors migrate/migrate_once/
// migrate_string_buffer/migrate_mpz/migrate_floating and koreCollect
// from runtime/collect/collect.cpp: a Cheney BFS over freshly
// evacuated memory, driven by arena.Arena's bump pointer rather than
// an explicit work queue.
package collect

import (
	"errors"

	"github.com/kframework/llvm-backend/runtime/alloc"
	"github.com/kframework/llvm-backend/runtime/arena"
	"github.com/kframework/llvm-backend/runtime/bignum"
	"github.com/kframework/llvm-backend/runtime/header"
	"github.com/kframework/llvm-backend/runtime/layout"
	"github.com/kframework/llvm-backend/runtime/persistent"
	"github.com/kframework/llvm-backend/runtime/strbuf"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// RootEnumerator supplies additional GC roots beyond the explicit root
// vector: a mutator registers one per container it wants the
// collector to walk without the collector knowing that container's
// shape (spec section 6, "root registry").
type RootEnumerator func(visit func(slot *xmem.Addr))

// Stats reports how many collection cycles have run, split by kind.
type Stats struct {
	Cycles      int
	MinorCycles int
	MajorCycles int
}

// Collector drives the migration kernel over a Manager's arenas.
type Collector struct {
	Mgr    *alloc.Manager
	Layout layout.Oracle

	// MajorEvery is the minor-cycle cadence at which a major
	// (young-and-old) collection runs instead of a minor (young-only)
	// one. The original allocator's default is 50 (spec section 9).
	MajorEvery int

	// Debug forces every cycle to be major, for deterministic tests
	// and debug builds (mirrors GC_DBG in the original allocator).
	Debug bool

	roots       []*xmem.Addr
	enumerators []RootEnumerator

	minorSinceMajor int
	stats           Stats
	duringGC        bool

	// EmptyMap, EmptySet, and EmptyList are the canonical empty
	// persistent collection singletons (spec section 4.5,
	// "Initialization"): every empty map, set, or list literal a
	// running program produces is this same permanent object, seeded
	// once here rather than allocated fresh on every occurrence.
	EmptyMap  xmem.Addr
	EmptySet  xmem.Addr
	EmptyList xmem.Addr
}

// NewCollector creates a Collector with the default major-cycle
// cadence, seeding the permanent arena with the empty map, set, and
// list singletons.
func NewCollector(mgr *alloc.Manager, oracle layout.Oracle) *Collector {
	c := &Collector{Mgr: mgr, Layout: oracle, MajorEvery: 50}
	c.seedEmptyCollections()
	return c
}

// seedEmptyCollections allocates the three empty-collection singletons
// into the no-gc arena. These never move and are never freed, so a
// failure here only means the no-gc arena was built too small to hold
// three childless nodes — the singleton fields are left at the zero
// address, and a mutator asking for an empty collection falls back to
// allocating its own.
func (c *Collector) seedEmptyCollections() {
	var noChildren [persistent.Width]xmem.Addr
	if addr, err := persistent.New(c.Mgr, header.Permanent, persistent.Map, 0, noChildren); err == nil {
		c.EmptyMap = addr
	}
	if addr, err := persistent.New(c.Mgr, header.Permanent, persistent.Set, 0, noChildren); err == nil {
		c.EmptySet = addr
	}
	if addr, err := persistent.New(c.Mgr, header.Permanent, persistent.List, 0, noChildren); err == nil {
		c.EmptyList = addr
	}
}

// RegisterRoot adds slot to the explicit root vector: its contents are
// migrated in place on every cycle, minor or major.
func (c *Collector) RegisterRoot(slot *xmem.Addr) {
	c.roots = append(c.roots, slot)
}

// RegisterGCRootsEnumerator adds a callback the collector invokes on
// every cycle to discover further roots (spec section 6).
func (c *Collector) RegisterGCRootsEnumerator(fn RootEnumerator) {
	c.enumerators = append(c.enumerators, fn)
}

// DuringGC reports whether a collection is currently in progress.
func (c *Collector) DuringGC() bool { return c.duringGC }

// CycleStats returns a snapshot of the collector's cycle counters.
func (c *Collector) CycleStats() Stats { return c.stats }

// FreeAll discards every arena's memory: young, then old, then the
// permanent arena, mirroring the original process-shutdown order. Any
// storage backing a registered root enumerator belongs to the
// mutator, not the collector, and is left untouched.
func (c *Collector) FreeAll() {
	c.Mgr.Young.Reset()
	c.Mgr.Old.Reset()
	c.Mgr.NoGC.Reset()
}

var errReentrantCollect = errors.New("collect: Collect called while a collection is already in progress")

// Collect runs one collection cycle: always a minor (young-only) scan,
// promoted to major (young-and-old) either every MajorEvery cycles or
// always when Debug is set. The old generation is swapped only in a
// major cycle, and only if it has ever been allocated into — an empty
// old generation has nothing to evacuate and swapping it would only
// discard its one and only semispace's contents for no reason (spec
// section 9). Its allocation semispace is scanned on every cycle in
// which it holds objects, so an object promoted during a minor cycle
// has its children migrated too.
func (c *Collector) Collect() (Stats, error) {
	if c.duringGC {
		return c.stats, errReentrantCollect
	}
	c.duringGC = true
	defer func() { c.duringGC = false }()

	major := c.Debug
	c.minorSinceMajor++
	if c.MajorEvery > 0 && c.minorSinceMajor >= c.MajorEvery {
		major = true
	}
	if major {
		c.minorSinceMajor = 0
		c.stats.MajorCycles++
	} else {
		c.stats.MinorCycles++
	}
	c.stats.Cycles++

	collectOld := major && c.Mgr.Old.StartPtr() != 0

	c.Mgr.Young.SwapAndReset()
	if collectOld {
		c.Mgr.Old.SwapAndReset()
	}

	if err := c.evacuateRoots(); err != nil {
		return c.stats, err
	}

	if err := c.scanFrontier(c.Mgr.Young); err != nil {
		return c.stats, err
	}
	if err := c.scanFrontier(c.Mgr.Old); err != nil {
		return c.stats, err
	}
	return c.stats, nil
}

func (c *Collector) evacuateRoots() error {
	for _, r := range c.roots {
		nv, err := c.migrate(*r)
		if err != nil {
			return err
		}
		*r = nv
	}
	for _, enum := range c.enumerators {
		var enumErr error
		enum(func(slot *xmem.Addr) {
			if enumErr != nil {
				return
			}
			nv, err := c.migrate(*slot)
			if err != nil {
				enumErr = err
				return
			}
			*slot = nv
		})
		if enumErr != nil {
			return enumErr
		}
	}
	return nil
}

// scanFrontier is the Cheney loop: starting from the first evacuated
// object in gen's new allocation semispace, it walks forward object by
// object, migrating each one's children, until the scan pointer
// catches up with the bump pointer — at which point every object
// reachable from a root, directly or transitively, has been copied.
func (c *Collector) scanFrontier(gen *arena.Arena) error {
	scan := gen.StartPtr()
	if scan == 0 || scan == gen.End() {
		return nil
	}
	for {
		size, err := c.scanOne(scan)
		if err != nil {
			return err
		}
		next, more := gen.MovePtr(scan, uintptr(size))
		if !more {
			return nil
		}
		scan = next
	}
}

// isTagged reports whether addr is a nullary-constructor or
// bound-variable value encoded directly in the pointer, rather than a
// reference to a heap block. Every real block is at least 8-byte
// aligned, so any address with its low bit set is a tag, immune to
// migration (spec section 2, "tagged pointers").
func isTagged(addr xmem.Addr) bool {
	return uintptr(addr)&1 == 1
}

// migrate is the universal entry point for relocating one pointer: a
// root slot, or a child field discovered while scanning another
// object. Tagged pointers and permanent (no-gc) objects pass through
// untouched; an object already forwarded this cycle returns its
// existing copy; otherwise the object is copied, its header's
// generation and age bits are updated, and a forwarding pointer is
// left in its old location so any later reference finds the same
// copy (spec section 4.4, the round-trip and sharing invariants).
func (c *Collector) migrate(addr xmem.Addr) (xmem.Addr, error) {
	if addr == 0 || isTagged(addr) {
		return addr, nil
	}

	h := xmem.Load[header.Header](addr)
	if h.Forwarded() {
		return xmem.Load[xmem.Addr](addr.Add(headerWidth)), nil
	}

	var fromGen *arena.Arena
	switch {
	case h.IsYoung():
		fromGen = c.Mgr.Young
	case h.IsOld():
		fromGen = c.Mgr.Old
	default:
		return addr, nil // permanent: never moves
	}

	if id, ok := fromGen.SemispaceOf(addr); !ok || id != fromGen.CollectionSemispaceID() {
		return addr, nil // already in to-space this cycle, or foreign
	}

	promote := h.IsYoung() && h.HasAged()
	destGen := fromGen
	if promote {
		destGen = c.Mgr.Old
	}

	size := uintptr(h.GetSize())
	dst, err := destGen.Alloc(size)
	if err != nil {
		return 0, err
	}
	xmem.CopyBytes(dst, addr, size)

	outHdr := h &^ header.FwdPtrBit
	switch {
	case h.IsOld():
		// already old: stays old, stays eligible for the next major cycle
	case promote:
		outHdr |= header.NotYoungObjectBit | header.YoungAgeBit
	default:
		outHdr |= header.YoungAgeBit // survived its first minor cycle
	}
	xmem.Store[header.Header](dst, outHdr)

	xmem.Store[header.Header](addr, h|header.FwdPtrBit)
	xmem.Store[xmem.Addr](addr.Add(headerWidth), dst)
	return dst, nil
}

// migrateOnce relocates a persistent-collection child exactly once, no
// matter how many sibling or parent nodes reference it. Every node in
// this implementation carries the same uniform header as any other
// block, so the forwarding-pointer check inside migrate already
// guarantees at-most-once migration; migrateOnce is kept as its own
// named entry point, matching spec section 4.4's vocabulary, rather
// than folded into migrate, since a node representation without a
// header — closer to the original's raw HAMT arrays — would need the
// two to diverge.
func (c *Collector) migrateOnce(addr xmem.Addr) (xmem.Addr, error) {
	return c.migrate(addr)
}

const headerWidth = 8

// scanOne processes one already-evacuated object at scan: for
// collaborator kinds (string buffer, integer, float, persistent node)
// it runs the dedicated migration routine that knows that kind's
// internal layout; for an ordinary constructor or bound-variable block
// it consults the layout oracle. It returns the object's total size in
// bytes, so the Cheney loop can advance past it.
func (c *Collector) scanOne(scan xmem.Addr) (int, error) {
	h := xmem.Load[header.Header](scan)
	size := h.GetSize()

	switch h.Layout() {
	case layout.TokenID:
		// raw bytes: no children to walk
	case layout.StringBufferID:
		if err := c.migrateStringBuffer(scan); err != nil {
			return 0, err
		}
	case layout.IntID:
		if err := c.migrateMpz(scan); err != nil {
			return 0, err
		}
	case layout.FloatID:
		if err := c.migrateFloating(scan); err != nil {
			return 0, err
		}
	case layout.MapID, layout.SetID, layout.ListID:
		if err := c.migrateNode(scan); err != nil {
			return 0, err
		}
	default:
		if err := c.migrateOrdinary(scan, h); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// migrateStringBuffer relocates the token backing a string buffer.
// The token is an ordinary header-bearing block, so this is just a
// migrate call on the Data field; any spare capacity beyond the
// buffer's current length travels with it unchanged, exactly as the
// original leaves a string buffer's backing token's own size
// untouched across a collection.
func (c *Collector) migrateStringBuffer(scan xmem.Addr) error {
	v := strbuf.Read(scan)
	if v.Data == 0 {
		return nil
	}
	newData, err := c.migrate(v.Data)
	if err != nil {
		return err
	}
	v.Data = newData
	strbuf.Write(scan, v)
	return nil
}

// migrateRaw relocates a header-less buffer (a GMP/MPFR limb buffer)
// of n bytes, used by migrateMpz and migrateFloating. Such a buffer is
// never shared between descriptors, so it needs no forwarding-pointer
// bookkeeping of its own: it simply moves, once, to wherever its owning
// descriptor's new header says it now lives.
func (c *Collector) migrateRaw(addr xmem.Addr, n uintptr, destOld bool) (xmem.Addr, error) {
	if addr == 0 || n == 0 {
		return addr, nil
	}

	inYoungFrom := func() bool {
		id, ok := c.Mgr.Young.SemispaceOf(addr)
		return ok && id == c.Mgr.Young.CollectionSemispaceID()
	}
	inOldFrom := func() bool {
		id, ok := c.Mgr.Old.SemispaceOf(addr)
		return ok && id == c.Mgr.Old.CollectionSemispaceID()
	}
	if !inYoungFrom() && !inOldFrom() {
		return addr, nil // already stable: to-space, permanent, or foreign
	}

	destGen := c.Mgr.Young
	if destOld {
		destGen = c.Mgr.Old
	}
	dst, err := destGen.Alloc(n)
	if err != nil {
		return 0, err
	}
	xmem.CopyBytes(dst, addr, n)
	return dst, nil
}

// migrateMpz relocates the limb buffer of an already-evacuated integer
// descriptor. The descriptor's own header, read fresh from its new
// location, already reflects any promotion that happened when the
// descriptor itself was migrated; the buffer simply follows it there.
func (c *Collector) migrateMpz(scan xmem.Addr) error {
	v := bignum.ReadInt(scan)
	if v.Limbs == 0 {
		return nil
	}
	newLimbs, err := c.migrateRaw(v.Limbs, v.LimbBytes(), v.Hdr.IsOld())
	if err != nil {
		return err
	}
	v.Limbs = newLimbs
	bignum.WriteInt(scan, v)
	return nil
}

// migrateFloating is migrateMpz's counterpart for floats, adjusting
// for MPFR's convention of pointing one limb past the start of the
// buffer it owns (the leading limb is reserved for rounding).
func (c *Collector) migrateFloating(scan xmem.Addr) error {
	v := bignum.ReadFloat(scan)
	if v.Limbs == 0 {
		return nil
	}
	bufStart := xmem.Addr(uintptr(v.Limbs) - bignum.LimbSize)
	total := v.LimbBytes() + bignum.LimbSize

	newStart, err := c.migrateRaw(bufStart, total, v.Hdr.IsOld())
	if err != nil {
		return err
	}
	v.Limbs = xmem.Addr(uintptr(newStart) + bignum.LimbSize)
	bignum.WriteFloat(scan, v)
	return nil
}

// migrateNode relocates every occupied child slot of a persistent
// collection node with the once-only guard, preserving sharing: two
// parents referencing the same child end up referencing the same
// migrated copy (spec section 4.4, scenario S5).
func (c *Collector) migrateNode(scan xmem.Addr) error {
	v := persistent.Read(scan)
	for i, child := range v.Children {
		if child == 0 {
			continue
		}
		newChild, err := c.migrateOnce(child)
		if err != nil {
			return err
		}
		v.Children[i] = newChild
	}
	persistent.Write(scan, v)
	return nil
}

// migrateOrdinary walks the children of a constructor-application or
// bound-variable block as described by the layout oracle, migrating
// each pointer field according to its category: unboxed fields are
// skipped, collection fields use the once-only guard, and everything
// else uses the universal migrate.
func (c *Collector) migrateOrdinary(scan xmem.Addr, h header.Header) error {
	l := c.Layout.Layout(h.Layout())
	for _, item := range l.Args {
		if item.Category == layout.Bool || item.Category == layout.MInt {
			continue
		}

		fieldAddr := scan.Add(item.Offset)
		child := xmem.Load[xmem.Addr](fieldAddr)

		var (
			newChild xmem.Addr
			err      error
		)
		switch item.Category {
		case layout.Map, layout.Set, layout.List:
			newChild, err = c.migrateOnce(child)
		default:
			newChild, err = c.migrate(child)
		}
		if err != nil {
			return err
		}
		xmem.Store[xmem.Addr](fieldAddr, newChild)
	}
	return nil
}
