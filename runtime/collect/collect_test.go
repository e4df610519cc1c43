package collect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kframework/llvm-backend/runtime/alloc"
	"github.com/kframework/llvm-backend/runtime/bignum"
	"github.com/kframework/llvm-backend/runtime/header"
	"github.com/kframework/llvm-backend/runtime/layout"
	"github.com/kframework/llvm-backend/runtime/persistent"
	"github.com/kframework/llvm-backend/runtime/strbuf"
	"github.com/kframework/llvm-backend/runtime/xmem"
)

// pair is a minimal two-child constructor-application block, standing
// in for whatever a real compiler's layout oracle would describe.
type pair struct {
	Hdr   header.Header
	Left  xmem.Addr
	Right xmem.Addr
}

const pairLayoutID = layout.FirstOracleID

func newHarness(t *testing.T) (*alloc.Manager, *Collector) {
	t.Helper()
	mgr := alloc.NewManager(16384, 16384, 4096, 64)
	t.Cleanup(func() {
		mgr.Young.Reset()
		mgr.Old.Reset()
		mgr.NoGC.Reset()
	})

	var table layout.Table
	table.Set(pairLayoutID, layout.Layout{Args: []layout.Item{
		{Offset: 8, Category: layout.Symbol},
		{Offset: 16, Category: layout.Symbol},
	}})

	coll := NewCollector(mgr, &table)
	return mgr, coll
}

const pairTotalSize = 8 + 8 + 8 // header + Left + Right

func allocPair(t *testing.T, mgr *alloc.Manager, left, right xmem.Addr) xmem.Addr {
	t.Helper()
	addr, err := mgr.Alloc(16)
	require.NoError(t, err)
	hdr := header.New(1, pairLayoutID).WithSizeClass(pairTotalSize)
	xmem.Store(addr, pair{Hdr: hdr, Left: left, Right: right})
	return addr
}

func TestMinorCollectionSurvivesReachableObject(t *testing.T) {
	mgr, coll := newHarness(t)

	leaf := allocPair(t, mgr, 0, 0)
	root := leaf
	coll.RegisterRoot(&root)

	_, err := coll.Collect()
	require.NoError(t, err)

	require.NotEqual(t, leaf, root)
	v := xmem.Load[pair](root)
	require.True(t, v.Hdr.IsYoung())
	require.True(t, v.Hdr.HasAged())
	require.False(t, v.Hdr.Forwarded())
}

func TestObjectPromotesOnSecondSurvival(t *testing.T) {
	mgr, coll := newHarness(t)

	leaf := allocPair(t, mgr, 0, 0)
	root := leaf
	coll.RegisterRoot(&root)

	_, err := coll.Collect()
	require.NoError(t, err)
	require.True(t, xmem.Load[pair](root).Hdr.IsYoung())

	_, err = coll.Collect()
	require.NoError(t, err)
	require.True(t, xmem.Load[pair](root).Hdr.IsOld())
}

func TestAliasedRootsConvergeOnSameCopy(t *testing.T) {
	mgr, coll := newHarness(t)

	shared := allocPair(t, mgr, 0, 0)
	rootA, rootB := shared, shared
	coll.RegisterRoot(&rootA)
	coll.RegisterRoot(&rootB)

	_, err := coll.Collect()
	require.NoError(t, err)
	require.Equal(t, rootA, rootB)
}

func TestChildPointersAreUpdatedAfterMigration(t *testing.T) {
	mgr, coll := newHarness(t)

	child := allocPair(t, mgr, 0, 0)
	parent := allocPair(t, mgr, child, 0)
	root := parent
	coll.RegisterRoot(&root)

	_, err := coll.Collect()
	require.NoError(t, err)

	p := xmem.Load[pair](root)
	require.NotEqual(t, child, p.Left)
	require.NotEqual(t, xmem.Addr(0), p.Left)

	childCopy := xmem.Load[pair](p.Left)
	require.True(t, childCopy.Hdr.IsYoung())
}

func TestBigIntegerLimbBufferSurvivesMigration(t *testing.T) {
	mgr, coll := newHarness(t)

	addr, err := bignum.NewInt(mgr, header.Young, 5, 2)
	require.NoError(t, err)
	before := bignum.ReadInt(addr)
	xmem.Store[uint64](before.Limbs, 0xcafebabecafebabe)

	root := addr
	coll.RegisterRoot(&root)

	_, err = coll.Collect()
	require.NoError(t, err)

	after := bignum.ReadInt(root)
	require.NotEqual(t, before.Limbs, after.Limbs)
	require.Equal(t, uint64(0xcafebabecafebabe), xmem.Load[uint64](after.Limbs))
}

func TestPersistentNodeSharingSurvivesMigration(t *testing.T) {
	mgr, coll := newHarness(t)

	var leafChildren [persistent.Width]xmem.Addr
	leaf, err := persistent.New(mgr, header.Young, persistent.Map, 1, leafChildren)
	require.NoError(t, err)

	var c1, c2 [persistent.Width]xmem.Addr
	c1[0] = leaf
	c2[3] = leaf
	p1, err := persistent.New(mgr, header.Young, persistent.Map, 1, c1)
	require.NoError(t, err)
	p2, err := persistent.New(mgr, header.Young, persistent.Map, 1, c2)
	require.NoError(t, err)

	root1, root2 := p1, p2
	coll.RegisterRoot(&root1)
	coll.RegisterRoot(&root2)

	_, err = coll.Collect()
	require.NoError(t, err)

	n1 := persistent.Read(root1)
	n2 := persistent.Read(root2)
	require.Equal(t, n1.Children[0], n2.Children[3])
	require.NotEqual(t, xmem.Addr(0), n1.Children[0])
}

func TestMajorCollectionRunsOnCadence(t *testing.T) {
	mgr, coll := newHarness(t)
	coll.MajorEvery = 3

	leaf := allocPair(t, mgr, 0, 0)
	root := leaf
	coll.RegisterRoot(&root)

	for i := 0; i < 2; i++ {
		_, err := coll.Collect()
		require.NoError(t, err)
	}
	require.Equal(t, 0, coll.CycleStats().MajorCycles)

	_, err := coll.Collect()
	require.NoError(t, err)
	require.Equal(t, 1, coll.CycleStats().MajorCycles)
	require.Equal(t, 2, coll.CycleStats().MinorCycles)
}

func TestDebugForcesEveryCycleMajor(t *testing.T) {
	_, coll := newHarness(t)
	coll.Debug = true

	_, err := coll.Collect()
	require.NoError(t, err)
	_, err = coll.Collect()
	require.NoError(t, err)

	require.Equal(t, 2, coll.CycleStats().MajorCycles)
	require.Equal(t, 0, coll.CycleStats().MinorCycles)
}

func TestRootEnumeratorIsVisited(t *testing.T) {
	mgr, coll := newHarness(t)

	leaf := allocPair(t, mgr, 0, 0)
	extra := leaf
	coll.RegisterGCRootsEnumerator(func(visit func(slot *xmem.Addr)) {
		visit(&extra)
	})

	_, err := coll.Collect()
	require.NoError(t, err)
	require.NotEqual(t, leaf, extra)
}

func TestStringBufferContentPastSixteenBytesSurvivesMigration(t *testing.T) {
	mgr, coll := newHarness(t)

	bufAddr, err := strbuf.New(mgr, header.Young, 1, 8)
	require.NoError(t, err)

	// Force a grow well past the 16-byte floor GetSize() would fall
	// back to for an uninitialized token header.
	require.NoError(t, strbuf.Grow(mgr, bufAddr, 20))
	v := strbuf.Read(bufAddr)
	v.Length = 20
	strbuf.Write(bufAddr, v)

	var payload [20]byte
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	xmem.Store(v.Data.Add(headerWidth), payload)

	root := bufAddr
	coll.RegisterRoot(&root)

	_, err = coll.Collect()
	require.NoError(t, err)

	after := strbuf.Read(root)
	require.NotEqual(t, bufAddr, root)
	require.GreaterOrEqual(t, after.Capacity, int64(20))
	require.Equal(t, payload, xmem.Load[[20]byte](after.Data.Add(headerWidth)))
}

func TestNewCollectorSeedsEmptyCollectionSingletons(t *testing.T) {
	_, coll := newHarness(t)

	require.NotEqual(t, xmem.Addr(0), coll.EmptyMap)
	require.NotEqual(t, xmem.Addr(0), coll.EmptySet)
	require.NotEqual(t, xmem.Addr(0), coll.EmptyList)

	m := persistent.Read(coll.EmptyMap)
	require.True(t, m.Hdr.IsPermanent())
	require.Equal(t, uint64(0), m.Bitmap)
	require.Equal(t, layout.MapID, m.Hdr.Layout())
}

func TestEmptyCollectionSingletonsSurviveCollection(t *testing.T) {
	mgr, coll := newHarness(t)

	mapAddr, setAddr, listAddr := coll.EmptyMap, coll.EmptySet, coll.EmptyList
	leaf := allocPair(t, mgr, 0, 0)
	root := leaf
	coll.RegisterRoot(&root)

	_, err := coll.Collect()
	require.NoError(t, err)

	require.Equal(t, mapAddr, coll.EmptyMap)
	require.Equal(t, setAddr, coll.EmptySet)
	require.Equal(t, listAddr, coll.EmptyList)
}

func TestTaggedPointerIsNeverMigrated(t *testing.T) {
	_, coll := newHarness(t)

	tagged := xmem.Addr(0x2b) // low bit set: a nullary-constructor tag
	root := tagged
	coll.RegisterRoot(&root)

	_, err := coll.Collect()
	require.NoError(t, err)
	require.Equal(t, tagged, root)
}
