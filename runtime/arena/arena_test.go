package arena

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kframework/llvm-backend/runtime/xmem"
)

func TestAllocBumpsWithinBlock(t *testing.T) {
	a := New(1, 256)
	defer a.Reset()

	p1, err := a.Alloc(16)
	require.NoError(t, err)
	p2, err := a.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, uintptr(16), p2.Sub(p1))
}

func TestAllocSpansBlocks(t *testing.T) {
	a := New(2, 64)
	defer a.Reset()

	usable := a.Capacity()
	_, err := a.Alloc(usable - 8)
	require.NoError(t, err)

	before := a.End()
	p, err := a.Alloc(32)
	require.NoError(t, err)
	require.True(t, before.Less(p) || before == p)
}

func TestAllocRequestTooLarge(t *testing.T) {
	a := New(3, 64)
	defer a.Reset()

	_, err := a.Alloc(a.Capacity() + 1)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestResizeLastGrowsAndShrinks(t *testing.T) {
	a := New(4, 256)
	defer a.Reset()

	_, err := a.Alloc(16)
	require.NoError(t, err)
	end := a.End()

	ok := a.ResizeLast(8)
	require.True(t, ok)
	require.Equal(t, end.Add(8), a.End())

	ok = a.ResizeLast(-8)
	require.True(t, ok)
	require.Equal(t, end, a.End())
}

func TestResizeLastFailsPastBlock(t *testing.T) {
	a := New(5, 64)
	defer a.Reset()

	_, err := a.Alloc(a.Capacity())
	require.NoError(t, err)
	require.False(t, a.ResizeLast(1))
}

func TestSwapAndResetExchangesSemispaces(t *testing.T) {
	a := New(6, 256)
	defer a.Reset()

	allocFirst := a.AllocationSemispaceID()
	collectFirst := a.CollectionSemispaceID()

	a.SwapAndReset()
	require.Equal(t, collectFirst, a.AllocationSemispaceID())
	require.Equal(t, allocFirst, a.CollectionSemispaceID())
	require.Equal(t, xmem.Addr(0), a.End())
}

func TestSemispaceIdentitiesAreComplements(t *testing.T) {
	a := New(7, 256)
	defer a.Reset()

	require.Equal(t, byte(7), a.AllocationSemispaceID())
	require.Equal(t, ^byte(7), a.CollectionSemispaceID())
}

func TestSemispaceOfLocatesOwnedAddress(t *testing.T) {
	a := New(8, 256)
	defer a.Reset()

	p, err := a.Alloc(16)
	require.NoError(t, err)

	id, ok := a.SemispaceOf(p)
	require.True(t, ok)
	require.Equal(t, a.AllocationSemispaceID(), id)

	gid, ok := SemispaceOf(p)
	require.True(t, ok)
	require.Equal(t, id, gid)
}

func TestSemispaceOfUnknownAddress(t *testing.T) {
	a := New(9, 256)
	defer a.Reset()

	_, ok := a.SemispaceOf(xmem.Addr(0xdeadbeef))
	require.False(t, ok)
}

func TestMovePtrStopsAtFrontier(t *testing.T) {
	a := New(10, 256)
	defer a.Reset()

	start, err := a.Alloc(32)
	require.NoError(t, err)

	mid, more := a.MovePtr(start, 16)
	require.True(t, more)
	require.Equal(t, start.Add(16), mid)

	end, more := a.MovePtr(mid, 16)
	require.False(t, more)
	require.Equal(t, a.End(), end)
}
