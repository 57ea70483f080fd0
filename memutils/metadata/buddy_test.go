package metadata_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/memutils"
	"github.com/vkngwrapper/gpuheap/memutils/metadata"
)

type buddyBlock struct {
	pageId   int
	numPages int
}

func requireDisjoint(t *testing.T, blocks []buddyBlock, pageCount int) {
	owners := make([]int, pageCount)
	for i := range owners {
		owners[i] = -1
	}

	for blockIndex, block := range blocks {
		for page := block.pageId; page < block.pageId+block.numPages; page++ {
			require.Less(t, page, pageCount)
			require.Equal(t, -1, owners[page], "page %d is owned by blocks %d and %d", page, owners[page], blockIndex)
			owners[page] = blockIndex
		}
	}
}

func TestBuddyAllocateSplits(t *testing.T) {
	buddy := metadata.NewBuddy(16)
	require.Equal(t, 4, buddy.MaxOrder())

	pageId, numPages, ok := buddy.Allocate(3)
	require.True(t, ok)
	require.Equal(t, 0, pageId)
	require.Equal(t, 4, numPages)

	pageId, numPages, ok = buddy.Allocate(1)
	require.True(t, ok)
	require.Equal(t, 4, pageId)
	require.Equal(t, 1, numPages)

	pageId, numPages, ok = buddy.Allocate(8)
	require.True(t, ok)
	require.Equal(t, 8, pageId)
	require.Equal(t, 8, numPages)

	require.Equal(t, 3, buddy.FreePageCount())
	require.Equal(t, 3, buddy.AllocationCount())
	require.Equal(t, 2, buddy.LargestFreeBlock())
	require.NoError(t, buddy.Validate())
}

func TestBuddyRejectsInvalidSizes(t *testing.T) {
	buddy := metadata.NewBuddy(16)

	_, _, ok := buddy.Allocate(0)
	require.False(t, ok)

	_, _, ok = buddy.Allocate(17)
	require.False(t, ok)

	require.Error(t, buddy.Deallocate(3, 2))
	require.Error(t, buddy.Deallocate(16, 1))
	require.Error(t, buddy.Deallocate(0, 0))
}

func TestBuddyCoalescing(t *testing.T) {
	for _, lowerFirst := range []bool{true, false} {
		buddy := metadata.NewBuddy(32)

		pageId, numPages, ok := buddy.Allocate(32)
		require.True(t, ok)
		require.NoError(t, buddy.Deallocate(pageId, numPages))

		lower, lowerPages, ok := buddy.Allocate(16)
		require.True(t, ok)
		upper, upperPages, ok := buddy.Allocate(16)
		require.True(t, ok)
		require.Equal(t, 0, lower)
		require.Equal(t, 16, upper)

		_, _, ok = buddy.Allocate(1)
		require.False(t, ok)

		if lowerFirst {
			require.NoError(t, buddy.Deallocate(lower, lowerPages))
			require.NoError(t, buddy.Deallocate(upper, upperPages))
		} else {
			require.NoError(t, buddy.Deallocate(upper, upperPages))
			require.NoError(t, buddy.Deallocate(lower, lowerPages))
		}

		require.NoError(t, buddy.Validate())
		require.True(t, buddy.IsEmpty())

		pageId, numPages, ok = buddy.Allocate(32)
		require.True(t, ok)
		require.Equal(t, 0, pageId)
		require.Equal(t, 32, numPages)
	}
}

func TestBuddyNonPowerOfTwo(t *testing.T) {
	buddy := metadata.NewBuddy(12)
	require.Equal(t, 3, buddy.MaxOrder())
	require.Equal(t, 8, buddy.LargestFreeBlock())

	pageId, _, ok := buddy.Allocate(8)
	require.True(t, ok)
	require.Equal(t, 0, pageId)

	pageId, numPages, ok := buddy.Allocate(4)
	require.True(t, ok)
	require.Equal(t, 8, pageId)

	_, _, ok = buddy.Allocate(1)
	require.False(t, ok)

	require.NoError(t, buddy.Deallocate(pageId, numPages))
	require.NoError(t, buddy.Validate())

	var freeBlocks []buddyBlock
	buddy.VisitFreeBlocks(func(pageId int, numPages int) {
		freeBlocks = append(freeBlocks, buddyBlock{pageId, numPages})
	})
	require.Equal(t, []buddyBlock{{8, 4}}, freeBlocks)
}

func TestBuddyNoOverlap(t *testing.T) {
	const pageCount = 256
	rng := rand.New(rand.NewSource(1234))
	buddy := metadata.NewBuddy(pageCount)

	var live []buddyBlock
	for iteration := 0; iteration < 4000; iteration++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			block := live[index]
			live = append(live[:index], live[index+1:]...)
			require.NoError(t, buddy.Deallocate(block.pageId, block.numPages))
		} else {
			pages := rng.Intn(20) + 1
			pageId, numPages, ok := buddy.Allocate(pages)
			if ok {
				require.GreaterOrEqual(t, numPages, pages)
				live = append(live, buddyBlock{pageId, numPages})
			}
		}

		requireDisjoint(t, live, pageCount)
		require.Equal(t, len(live), buddy.AllocationCount())
	}

	require.NoError(t, buddy.Validate())

	for _, block := range live {
		require.NoError(t, buddy.Deallocate(block.pageId, block.numPages))
	}
	require.NoError(t, buddy.Validate())
	require.Equal(t, pageCount, buddy.LargestFreeBlock())
}

func TestBuddyStatistics(t *testing.T) {
	buddy := metadata.NewBuddy(8)
	_, _, ok := buddy.Allocate(2)
	require.True(t, ok)
	_, _, ok = buddy.Allocate(2)
	require.True(t, ok)

	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats, 256)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount:      1,
			ArenaBytes:      2048,
			AllocationCount: 2,
			AllocationBytes: 1024,
		},
		Allocations:  memutils.SizeRange{Count: 2, Min: 512, Max: 512},
		UnusedRanges: memutils.SizeRange{Count: 1, Min: 1024, Max: 1024},
	}, stats)
}

func TestBuddyDoubleFreePanicsInDebugBuilds(t *testing.T) {
	if !memutils.DebugChecks {
		t.Skip("double frees are only detected in debug builds")
	}

	buddy := metadata.NewBuddy(16)
	first, numPages, ok := buddy.Allocate(4)
	require.True(t, ok)
	_, _, ok = buddy.Allocate(4)
	require.True(t, ok)

	require.NoError(t, buddy.Deallocate(first, numPages))
	require.Panics(t, func() { _ = buddy.Deallocate(first, numPages) })
}
