package intermediate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/intermediate"
	"github.com/aergoio/masstree/pkg/slice"
)

func newPage() *intermediate.Page {
	return intermediate.New(dualptr.VolatilePointer{}, 0, slice.Infimum, slice.Supremum, nil)
}

func ptrFor(offset uint32) dualptr.Pointer {
	return dualptr.Pointer{Volatile: dualptr.VolatilePointer{Offset: offset}}
}

func TestNewPageHasOneEmptyMinipage(t *testing.T) {
	p := newPage()
	require.Equal(t, 0, p.SeparatorCount())
	require.False(t, p.Full())
	require.Equal(t, 0, p.MiniPage(0).Count())
}

func TestSetFirstPointerAndDescend(t *testing.T) {
	p := newPage()
	left := ptrFor(1)
	p.SetFirstPointer(left)

	stable := p.Version.Stable()
	s, _ := slice.Of([]byte("anything"), 0)
	got := p.Descend(stable, s)
	require.Equal(t, left, got)
}

func TestMiniPageInsertAtOrdersSeparators(t *testing.T) {
	var mp intermediate.MiniPage
	mp.InsertAt(0, slice.Slice(10), ptrFor(2))
	mp.InsertAt(1, slice.Slice(20), ptrFor(3))
	mp.InsertAt(1, slice.Slice(15), ptrFor(4))

	require.Equal(t, 3, mp.Count())
	require.Equal(t, 0, mp.Find(3, slice.Slice(5)))
	require.Equal(t, 1, mp.Find(3, slice.Slice(10)))
	require.Equal(t, 2, mp.Find(3, slice.Slice(15)))
	require.Equal(t, 3, mp.Find(3, slice.Slice(20)))
}

func TestFindMinipageDelegatesToSeparators(t *testing.T) {
	p := newPage()
	p.SetFirstPointer(ptrFor(1))
	p.MiniPage(0).InsertAt(0, slice.Slice(100), ptrFor(2))

	require.Equal(t, 0, p.FindMinipage(0, slice.Slice(50)))
}

func TestFindPointerLocationScansAllMinipages(t *testing.T) {
	p := newPage()
	target := ptrFor(99)
	p.SetFirstPointer(ptrFor(1))
	p.MiniPage(0).InsertAt(0, slice.Slice(10), target)

	miniIdx, ptrIdx, found := p.FindPointerLocation(target.Volatile)
	require.True(t, found)
	require.Equal(t, 0, miniIdx)
	require.Equal(t, 1, ptrIdx)
}

func TestFindPointerLocationMissing(t *testing.T) {
	p := newPage()
	p.SetFirstPointer(ptrFor(1))
	_, _, found := p.FindPointerLocation(dualptr.VolatilePointer{Offset: 404})
	require.False(t, found)
}

func TestAppendMinipageSplitsFullMinipage(t *testing.T) {
	p := newPage()
	p.SetFirstPointer(ptrFor(0))
	mp := p.MiniPage(0)
	for i := 0; i < intermediate.MaxMiniSeparators; i++ {
		mp.InsertAt(i, slice.Slice((i+1)*10), ptrFor(uint32(i+1)))
	}
	require.True(t, p.MiniPageFull(0))

	p.Version.Lock()
	p.Version.SetSplitting()
	sep := p.AppendMinipage(0)
	p.Version.Unlock()

	require.Equal(t, 1, p.SeparatorCount())
	require.False(t, p.MiniPageFull(0))
	require.False(t, p.MiniPageFull(1))

	// The median separator moves up to the top level, so the two
	// halves keep one fewer separator than the full mini-page held.
	countA := p.MiniPage(0).Count()
	countB := p.MiniPage(1).Count()
	require.Equal(t, intermediate.MaxMiniSeparators-1, countA+countB)

	stable := p.Version.Stable()
	require.Equal(t, 0, p.FindMinipage(stable.KeyCount(), sep-1))
	require.Equal(t, 1, p.FindMinipage(stable.KeyCount(), sep))
}

func fillMinipage(mp *intermediate.MiniPage, base uint32) {
	for i := 0; i < intermediate.MaxMiniSeparators; i++ {
		mp.InsertAt(i, slice.Slice((i+1)*10), ptrFor(base+uint32(i)+1))
	}
}

// topUpMinipage appends strictly larger separators until the
// mini-page is full again (a fresh AppendMinipage leaves both halves
// half empty).
func topUpMinipage(mp *intermediate.MiniPage, base int) {
	for i := 0; !mp.Full(); i++ {
		c := mp.Count()
		mp.InsertAt(c, slice.Slice(base+i*10), ptrFor(uint32(base+i)))
	}
}

func TestPageSplitPartitionsMinipagesAroundMidpoint(t *testing.T) {
	p := newPage()
	p.SetFirstPointer(ptrFor(0))
	fillMinipage(p.MiniPage(0), 0)

	p.Version.SetSplitting()
	p.AppendMinipage(0) // now 2 mini-pages, separatorCount == 1

	topUpMinipage(p.MiniPage(1), 2000)
	p.Version.SetSplitting()
	p.AppendMinipage(1) // now 3 mini-pages, separatorCount == 2
	require.Equal(t, 2, p.SeparatorCount())

	sibling := newPage()
	p.Version.SetSplitting()
	result := p.Split(sibling)

	require.Equal(t, result.SplitSlice, sibling.LowFence)
	require.Equal(t, result.SplitSlice, p.HighFence)
	require.Equal(t, 0, p.SeparatorCount())
	require.Equal(t, 1, sibling.SeparatorCount())
}
