package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/device/host"
	"github.com/vkngwrapper/gpuheap/heap"
	"github.com/vkngwrapper/gpuheap/memutils"
)

func newSegListHeap(t *testing.T, hostDevice *host.Device) *heap.SegListHeap {
	segListHeap, err := heap.NewSegListHeap(testLogger(), hostDevice, 2, heap.SegListHeapCreateInfo{
		Name:          "textures",
		HeapType:      device.HeapTypeDefault,
		MinPageSize:   64 * kb,
		MaxOrder:      6,
		PagesPerArena: 4,
	})
	require.NoError(t, err)
	return segListHeap
}

func TestSegListHeapClassRounding(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	segListHeap := newSegListHeap(t, hostDevice)

	record, err := segListHeap.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, 0, record.Order)
	require.Equal(t, 64*kb, record.Size)

	for order := 0; order <= segListHeap.MaxOrder(); order++ {
		sizes := []int{segListHeap.ClassBytes(order)}
		if order > 0 {
			sizes = append(sizes, segListHeap.ClassBytes(order-1)+1)
		}

		for _, size := range sizes {
			record, err := segListHeap.Allocate(size)
			require.NoError(t, err)
			require.Equal(t, order, record.Order, "size %d", size)
			require.Equal(t, segListHeap.ClassBytes(order), record.Size)
			require.Zero(t, record.Offset%record.Size)
		}
	}

	require.Equal(t, 4*1024*kb, segListHeap.MaxAllocationSize())
	_, err = segListHeap.Allocate(segListHeap.MaxAllocationSize() + 1)
	require.ErrorIs(t, err, memutils.ErrOutOfCapacity)

	_, err = segListHeap.Allocate(0)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)
	require.NoError(t, segListHeap.Validate())
}

func TestSegListHeapMaxOrder(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})

	defaulted, err := heap.NewSegListHeap(testLogger(), hostDevice, 2, heap.SegListHeapCreateInfo{
		Name:        "defaulted",
		MinPageSize: 64 * kb,
	})
	require.NoError(t, err)
	require.Equal(t, heap.DefaultSegListMaxOrder, defaulted.MaxOrder())
	require.Equal(t, 64*kb<<heap.DefaultSegListMaxOrder, defaulted.MaxAllocationSize())

	smallest, err := heap.NewSegListHeap(testLogger(), hostDevice, 3, heap.SegListHeapCreateInfo{
		Name:        "smallest",
		MinPageSize: 64 * kb,
		MaxOrder:    heap.SegListMaxOrderSmallestOnly,
	})
	require.NoError(t, err)
	require.Equal(t, 0, smallest.MaxOrder())
	require.Equal(t, 64*kb, smallest.MaxAllocationSize())

	record, err := smallest.Allocate(64 * kb)
	require.NoError(t, err)
	require.Equal(t, 0, record.Order)

	_, err = smallest.Allocate(64*kb + 1)
	require.ErrorIs(t, err, memutils.ErrOutOfCapacity)

	require.NoError(t, smallest.Deallocate(&record))
	require.NoError(t, smallest.Destroy())
	require.NoError(t, defaulted.Destroy())
}

func TestSegListHeapTakesFirstIdlePage(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	segListHeap := newSegListHeap(t, hostDevice)

	var records []heap.HeapAllocInfo
	for i := 0; i < 5; i++ {
		record, err := segListHeap.Allocate(16 * kb)
		require.NoError(t, err)
		records = append(records, record)
	}

	for i := 0; i < 4; i++ {
		require.Equal(t, 0, records[i].Arena)
		require.Equal(t, i, records[i].Page)
		require.Equal(t, i*64*kb, records[i].Offset)
	}
	require.Equal(t, 1, records[4].Arena)
	require.Equal(t, 0, records[4].Page)
	require.Equal(t, 2, segListHeap.ArenaCount(0))
	require.Equal(t, 0, segListHeap.ArenaCount(1))

	require.NoError(t, segListHeap.Deallocate(&records[1]))
	require.True(t, records[1].IsNull())

	reused, err := segListHeap.Allocate(64 * kb)
	require.NoError(t, err)
	require.Equal(t, 0, reused.Arena)
	require.Equal(t, 1, reused.Page)
	require.Equal(t, 2, segListHeap.ArenaCount(0))

	stale := reused
	require.NoError(t, segListHeap.Deallocate(&reused))
	if memutils.DebugChecks {
		require.Panics(t, func() { _ = segListHeap.Deallocate(&stale) })
		return
	}
	require.ErrorIs(t, segListHeap.Deallocate(&stale), heap.ErrRecordNotLive)
	require.NoError(t, segListHeap.Validate())
}

func TestSegListHeapCreateTexture(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	segListHeap := newSegListHeap(t, hostDevice)

	resource, record, err := segListHeap.CreateResource(device.ResourceDesc{
		Kind:        device.ResourceKindTexture,
		Name:        "albedo",
		Width:       256,
		Height:      256,
		ArrayLayers: 1,
		MipLevels:   1,
	})
	require.NoError(t, err)
	require.Equal(t, 2, record.Order)
	require.Equal(t, 256*kb, record.Size)
	require.Equal(t, record.Offset, resource.Offset())

	arena, err := segListHeap.Arena(record)
	require.NoError(t, err)
	require.Equal(t, 4*256*kb, arena.Size())

	require.NoError(t, segListHeap.DeleteResource(resource, &record))
	require.NoError(t, segListHeap.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
}

func TestSegListHeapDeferDeleteResource(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	segListHeap := newSegListHeap(t, hostDevice)

	desc := device.ResourceDesc{
		Kind:   device.ResourceKindTexture,
		Name:   "shadow",
		Width:  128,
		Height: 128,
	}

	resource, record, err := segListHeap.CreateResource(desc)
	require.NoError(t, err)
	page := record.Page

	require.NoError(t, segListHeap.DeferDeleteResource(resource, &record))

	// The page is still occupied until the submission completes
	_, err = segListHeap.DelayedDelete(5, 4)
	require.NoError(t, err)
	_, next, err := segListHeap.CreateResource(desc)
	require.NoError(t, err)
	require.NotEqual(t, page, next.Page)

	freed, err := segListHeap.DelayedDelete(6, 5)
	require.NoError(t, err)
	require.Equal(t, 1, freed)

	_, reused, err := segListHeap.CreateResource(desc)
	require.NoError(t, err)
	require.Equal(t, page, reused.Page)
}

func TestSegListHeapStatistics(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	segListHeap := newSegListHeap(t, hostDevice)

	first, err := segListHeap.Allocate(64 * kb)
	require.NoError(t, err)
	_, err = segListHeap.Allocate(64 * kb)
	require.NoError(t, err)
	_, err = segListHeap.Allocate(64 * kb)
	require.NoError(t, err)
	require.NoError(t, segListHeap.Deallocate(&first))

	var stats memutils.DetailedStatistics
	stats.Clear()
	segListHeap.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.ArenaCount)
	require.Equal(t, 256*kb, stats.ArenaBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 128*kb, stats.AllocationBytes)
	require.Equal(t, 2, stats.UnusedRanges.Count)
	require.Equal(t, 64*kb, stats.UnusedRanges.Max)

	statsString := segListHeap.BuildStatsString(true)
	require.Contains(t, statsString, `"Occupied":[1,2]`)

	require.Error(t, segListHeap.Destroy())
}
