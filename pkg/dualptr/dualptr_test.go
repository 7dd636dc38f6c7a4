package dualptr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aergoio/masstree/pkg/dualptr"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	p := dualptr.Pointer{
		Snapshot: 12345,
		Volatile: dualptr.VolatilePointer{NumaNode: 2, Generation: 7, Offset: 99},
	}
	got := dualptr.Unpack(p.Pack())
	require.Equal(t, p, got)
}

func TestHasVolatile(t *testing.T) {
	empty := dualptr.Pointer{}
	require.False(t, empty.HasVolatile())

	p := dualptr.Pointer{Volatile: dualptr.VolatilePointer{Offset: 1}}
	require.True(t, p.HasVolatile())
}

func TestIsNull(t *testing.T) {
	var v dualptr.VolatilePointer
	require.True(t, v.IsNull())
	v.Offset = 1
	require.False(t, v.IsNull())
}
