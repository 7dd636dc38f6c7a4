package pagepool_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/aergoio/masstree/pkg/dualptr"
	"github.com/aergoio/masstree/pkg/pagepool"
)

// Release is drained by a background goroutine; tests poll for it.
const (
	testWait = 2 * time.Second
	testTick = time.Millisecond
)

func TestAllocAndResolve(t *testing.T) {
	pool := pagepool.New(1, 0)
	t.Cleanup(pool.Close)

	page := "page-a"
	ptr, err := pool.Alloc(0, page)
	require.NoError(t, err)

	got, ok := pool.Resolve(ptr)
	require.True(t, ok)
	require.Equal(t, page, got)
	require.Equal(t, 1, pool.Occupancy(0))
}

func TestAllocAssignsDistinctPointers(t *testing.T) {
	pool := pagepool.New(1, 0)
	t.Cleanup(pool.Close)

	seen := make(map[dualptr.VolatilePointer]bool)
	for i := 0; i < 100; i++ {
		ptr, err := pool.Alloc(0, i)
		require.NoError(t, err)
		require.False(t, seen[ptr])
		seen[ptr] = true
	}
}

func TestAllocAtCapacityReturnsOutOfPages(t *testing.T) {
	pool := pagepool.New(1, 2)
	t.Cleanup(pool.Close)

	_, err := pool.Alloc(0, "a")
	require.NoError(t, err)
	_, err = pool.Alloc(0, "b")
	require.NoError(t, err)

	_, err = pool.Alloc(0, "c")
	require.Error(t, err)
	require.True(t, errors.Is(err, pagepool.ErrOutOfPages))
}

func TestReleasedPointerStopsResolving(t *testing.T) {
	pool := pagepool.New(1, 0)
	t.Cleanup(pool.Close)

	ptr, err := pool.Alloc(0, "victim")
	require.NoError(t, err)
	pool.Release(ptr)

	require.Eventually(t, func() bool {
		_, ok := pool.Resolve(ptr)
		return !ok
	}, testWait, testTick)
}

func TestRecycledPointerBumpsGeneration(t *testing.T) {
	pool := pagepool.New(1, 1)
	t.Cleanup(pool.Close)

	ptr, err := pool.Alloc(0, "old")
	require.NoError(t, err)
	pool.Release(ptr)

	require.Eventually(t, func() bool {
		return pool.Occupancy(0) == 0
	}, testWait, testTick)

	fresh, err := pool.Alloc(0, "new")
	require.NoError(t, err)
	require.Equal(t, ptr.Offset, fresh.Offset)
	require.NotEqual(t, ptr.Generation, fresh.Generation)

	// The stale pointer must not resolve to the recycled page.
	_, ok := pool.Resolve(ptr)
	require.False(t, ok)
}

func TestUnknownNodeFallsBackToZero(t *testing.T) {
	pool := pagepool.New(2, 0)
	t.Cleanup(pool.Close)

	ptr, err := pool.Alloc(9, "page")
	require.NoError(t, err)
	require.Equal(t, uint16(0), ptr.NumaNode)
}
