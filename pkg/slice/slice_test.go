package slice_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aergoio/masstree/pkg/slice"
)

func TestOfZeroPadsShortKeys(t *testing.T) {
	s, remaining := slice.Of([]byte("ab"), 0)
	require.Equal(t, 2, remaining)
	want := slice.Slice(uint64('a')<<56 | uint64('b')<<48)
	require.Equal(t, want, s)
}

func TestOfExactlyOneSlice(t *testing.T) {
	key := []byte("abcdefgh")
	s, remaining := slice.Of(key, 0)
	require.Equal(t, 8, remaining)
	b := s.Bytes()
	require.Equal(t, key, b[:])
}

func TestOfSecondLayer(t *testing.T) {
	key := []byte("abcdefgh123")
	s, remaining := slice.Of(key, 1)
	require.Equal(t, 3, remaining)
	var want [8]byte
	copy(want[:], "123")
	require.Equal(t, slice.Slice(uint64(want[0])<<56|uint64(want[1])<<48|uint64(want[2])<<40), s)
}

func TestOfPastEndOfKey(t *testing.T) {
	s, remaining := slice.Of([]byte("ab"), 1)
	require.Equal(t, slice.Slice(0), s)
	require.Equal(t, 0, remaining)
}

func TestSuffix(t *testing.T) {
	key := []byte("abcdefghIJK")
	require.Equal(t, []byte("IJK"), slice.Suffix(key, 0))
	require.Nil(t, slice.Suffix(key, 1))
}

func TestBytesRoundTrip(t *testing.T) {
	key := []byte("01234567")
	s, _ := slice.Of(key, 0)
	b := s.Bytes()
	require.Equal(t, key, b[:])
}

func TestInfimumSupremumOrdering(t *testing.T) {
	require.True(t, slice.Infimum < slice.Supremum)
	s, _ := slice.Of([]byte("x"), 0)
	require.True(t, s > slice.Infimum)
	require.True(t, s < slice.Supremum)
}
