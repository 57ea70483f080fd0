package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/memutils/metadata"
)

func TestBitsetSetReset(t *testing.T) {
	bitset := metadata.NewBitset(130)
	require.Equal(t, 130, bitset.Size())
	require.True(t, bitset.IsEmpty())

	require.True(t, bitset.Set(0))
	require.True(t, bitset.Set(64))
	require.True(t, bitset.Set(129))
	require.False(t, bitset.Set(64))
	require.Equal(t, 3, bitset.Count())

	require.True(t, bitset.Test(129))
	require.False(t, bitset.Test(128))

	require.True(t, bitset.Reset(64))
	require.False(t, bitset.Reset(64))
	require.Equal(t, 2, bitset.Count())
	require.NoError(t, bitset.Validate())
}

func TestBitsetFindFirst(t *testing.T) {
	bitset := metadata.NewBitset(70)

	_, found := bitset.FindFirstSet()
	require.False(t, found)

	index, found := bitset.FindFirstClear()
	require.True(t, found)
	require.Equal(t, 0, index)

	for i := 0; i < 66; i++ {
		bitset.Set(i)
	}

	index, found = bitset.FindFirstClear()
	require.True(t, found)
	require.Equal(t, 66, index)

	index, found = bitset.FindFirstSet()
	require.True(t, found)
	require.Equal(t, 0, index)

	for i := 66; i < 70; i++ {
		bitset.Set(i)
	}
	require.True(t, bitset.IsFull())

	_, found = bitset.FindFirstClear()
	require.False(t, found)

	bitset.Reset(69)
	index, found = bitset.FindFirstClear()
	require.True(t, found)
	require.Equal(t, 69, index)
	require.NoError(t, bitset.Validate())
}

func TestBitsetVisitSet(t *testing.T) {
	bitset := metadata.NewBitset(200)
	bitset.Set(3)
	bitset.Set(63)
	bitset.Set(64)
	bitset.Set(199)

	var visited []int
	bitset.VisitSet(func(index int) {
		visited = append(visited, index)
	})
	require.Equal(t, []int{3, 63, 64, 199}, visited)

	bitset.ResetAll()
	require.True(t, bitset.IsEmpty())
	require.NoError(t, bitset.Validate())
}

func TestBitsetOutOfRange(t *testing.T) {
	bitset := metadata.NewBitset(10)
	require.Panics(t, func() {
		bitset.Set(10)
	})
	require.Panics(t, func() {
		bitset.Test(-1)
	})
}
