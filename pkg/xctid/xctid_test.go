package xctid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aergoio/masstree/pkg/xctid"
)

func TestNewIsBornDeleted(t *testing.T) {
	id := xctid.New(42)
	require.True(t, id.Deleted())
	require.False(t, id.Moved())
	require.Equal(t, uint64(42), id.Timestamp())
}

func TestSetMovedPreservesTimestamp(t *testing.T) {
	id := xctid.New(7)
	moved := id.SetMoved()
	require.True(t, moved.Moved())
	require.Equal(t, uint64(7), moved.Timestamp())
}

func TestWordCommitVisibleClearsDeleted(t *testing.T) {
	var w xctid.Word
	w.Store(xctid.New(1))
	require.True(t, w.Load().Deleted())
	w.CommitVisible()
	require.False(t, w.Load().Deleted())
}

func TestWordMarkDeletedThenMarkMoved(t *testing.T) {
	var w xctid.Word
	w.Store(xctid.New(9))
	w.CommitVisible()
	w.MarkDeleted()
	require.True(t, w.Load().Deleted())

	w.MarkMoved()
	got := w.Load()
	require.True(t, got.Moved())
	require.True(t, got.Deleted())
	require.Equal(t, uint64(9), got.Timestamp())
}

func TestWordLockUnlockRoundTrip(t *testing.T) {
	var w xctid.Word
	w.Store(xctid.New(3))
	w.Lock()
	require.True(t, w.Load().Locked())
	w.Unlock()
	require.False(t, w.Load().Locked())
}
