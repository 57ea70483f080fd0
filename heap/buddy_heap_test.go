package heap_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/device/host"
	"github.com/vkngwrapper/gpuheap/device/mocks"
	"github.com/vkngwrapper/gpuheap/heap"
	"github.com/vkngwrapper/gpuheap/memutils"
	"go.uber.org/mock/gomock"
)

const kb = 1024

func newBuddyHeap(t *testing.T, hostDevice *host.Device, arenaSize int) *heap.BuddyHeap {
	buddyHeap, err := heap.NewBuddyHeap(testLogger(), hostDevice, 1, heap.BuddyHeapCreateInfo{
		Name:      "buffers",
		HeapType:  device.HeapTypeDefault,
		ArenaSize: arenaSize,
	})
	require.NoError(t, err)
	return buddyHeap
}

func TestBuddyHeapEndToEnd(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	var records []heap.HeapAllocInfo
	for i := 0; i < 4; i++ {
		record, err := buddyHeap.Allocate(256 * kb)
		require.NoError(t, err)
		require.Equal(t, 0, record.Arena)
		require.Equal(t, i*256*kb, record.Offset)
		records = append(records, record)
	}
	require.Equal(t, 1, buddyHeap.ArenaCount())

	fifth, err := buddyHeap.Allocate(256 * kb)
	require.NoError(t, err)
	require.Equal(t, 1, fifth.Arena)
	require.Equal(t, 0, fifth.Offset)
	require.Equal(t, 1<<20, fifth.Address)
	require.Equal(t, 2, buddyHeap.ArenaCount())

	for i := range records {
		require.NoError(t, buddyHeap.Deallocate(&records[i]))
		require.True(t, records[i].IsNull())
	}

	// The first arena coalesced back into a single block
	whole, err := buddyHeap.Allocate(1 << 20)
	require.NoError(t, err)
	require.Equal(t, 0, whole.Arena)
	require.Equal(t, 0, whole.Offset)
	require.Equal(t, 2, buddyHeap.ArenaCount())
	require.NoError(t, buddyHeap.Validate())

	require.NoError(t, buddyHeap.Deallocate(&whole))
	require.NoError(t, buddyHeap.Deallocate(&fifth))
	require.NoError(t, buddyHeap.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
}

func TestBuddyHeapPartialOccupancyGrows(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	var records []heap.HeapAllocInfo
	for i := 0; i < 5; i++ {
		record, err := buddyHeap.Allocate(256 * kb)
		require.NoError(t, err)
		records = append(records, record)
	}
	require.Equal(t, 2, buddyHeap.ArenaCount())

	// Keep the second buffer alive: the first arena can only coalesce to 512KB + 256KB
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, buddyHeap.Deallocate(&records[i]))
	}

	whole, err := buddyHeap.Allocate(1 << 20)
	require.NoError(t, err)
	require.Equal(t, 2, whole.Arena)
	require.Equal(t, 2<<20, whole.Address)
	require.Equal(t, 3, buddyHeap.ArenaCount())
	require.NoError(t, buddyHeap.Validate())

	var stats memutils.Statistics
	buddyHeap.AddStatistics(&stats)
	require.Equal(t, 3, stats.ArenaCount)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 3<<20, stats.ArenaBytes)
	require.Equal(t, 1<<20+512*kb, stats.AllocationBytes)
}

func TestBuddyHeapRejectsInvalidSizes(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	_, err := buddyHeap.Allocate(0)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = buddyHeap.Allocate(1<<20 + 1)
	require.ErrorIs(t, err, memutils.ErrOutOfCapacity)
	require.Equal(t, 0, buddyHeap.ArenaCount())
}

func TestBuddyHeapAlignment(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	small, err := buddyHeap.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 256, small.Size)
	require.Equal(t, 1, small.Pages)

	aligned, err := buddyHeap.AllocateAligned(256, 4096)
	require.NoError(t, err)
	require.Zero(t, aligned.Offset%4096)
	require.Equal(t, 4096, aligned.Size)

	_, err = buddyHeap.AllocateAligned(256, 3000)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestBuddyHeapRejectsForeignRecords(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	record, err := buddyHeap.Allocate(1024)
	require.NoError(t, err)

	foreign := record
	foreign.Heap = 7
	require.Error(t, buddyHeap.Deallocate(&foreign))

	require.NoError(t, buddyHeap.Deallocate(&record))
	require.Error(t, buddyHeap.Deallocate(&record))
	require.Error(t, buddyHeap.Deallocate(nil))
}

func TestBuddyHeapRejectsStaleRecords(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, kb)

	a, err := buddyHeap.Allocate(512)
	require.NoError(t, err)
	b, err := buddyHeap.Allocate(512)
	require.NoError(t, err)
	require.Equal(t, 512, b.Offset)

	stale := a
	require.NoError(t, buddyHeap.Deallocate(&a))

	c, err := buddyHeap.Allocate(512)
	require.NoError(t, err)
	require.Equal(t, 0, c.Arena)
	require.Equal(t, 0, c.Offset)
	require.Equal(t, stale.Address, c.Address)
	require.Equal(t, 2, buddyHeap.LiveRecordCount())

	if memutils.DebugChecks {
		require.Panics(t, func() { _ = buddyHeap.Deallocate(&stale) })
		return
	}

	require.ErrorIs(t, buddyHeap.Deallocate(&stale), heap.ErrRecordNotLive)
	require.ErrorIs(t, buddyHeap.DeferDeleteResource(nil, &stale), heap.ErrRecordNotLive)
	require.Equal(t, 0, buddyHeap.PendingDeleteCount())

	// c still owns the low half, so the next block comes from a new arena
	d, err := buddyHeap.Allocate(512)
	require.NoError(t, err)
	require.Equal(t, 1, d.Arena)
	require.NotEqual(t, c.Address, d.Address)
	require.Equal(t, 3, buddyHeap.LiveRecordCount())
	require.NoError(t, buddyHeap.Validate())

	for _, record := range []*heap.HeapAllocInfo{&b, &c, &d} {
		require.NoError(t, buddyHeap.Deallocate(record))
	}
	require.Equal(t, 0, buddyHeap.LiveRecordCount())
	require.NoError(t, buddyHeap.Validate())
}

func TestBuddyHeapRejectsRecordsAlreadyDeferred(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	record, err := buddyHeap.Allocate(4 * kb)
	require.NoError(t, err)
	stale := record
	require.NoError(t, buddyHeap.DeferDeleteResource(nil, &record))

	if memutils.DebugChecks {
		require.Panics(t, func() { _ = buddyHeap.Deallocate(&stale) })
		return
	}

	require.ErrorIs(t, buddyHeap.Deallocate(&stale), heap.ErrRecordNotLive)
	require.ErrorIs(t, buddyHeap.DeferDeleteResource(nil, &stale), heap.ErrRecordNotLive)
	require.Equal(t, 1, buddyHeap.PendingDeleteCount())
	require.Equal(t, 1, buddyHeap.LiveRecordCount())

	_, err = buddyHeap.DelayedDelete(1, 0)
	require.NoError(t, err)
	freed, err := buddyHeap.DelayedDelete(2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, freed)
	require.Equal(t, 0, buddyHeap.LiveRecordCount())
	require.NoError(t, buddyHeap.Validate())
}

func TestBuddyHeapCreateResource(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	resource, record, err := buddyHeap.CreateResource(device.ResourceDesc{
		Kind: device.ResourceKindBuffer,
		Name: "vertices",
		Size: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, record.Offset, resource.Offset())
	require.Equal(t, 1024, record.Size)

	arena, err := buddyHeap.Arena(record)
	require.NoError(t, err)
	require.Same(t, arena, resource.Arena())

	require.NoError(t, buddyHeap.DeleteResource(resource, &record))
	require.True(t, record.IsNull())
	require.NoError(t, buddyHeap.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
}

func TestBuddyHeapDeferDeleteResource(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	resource, record, err := buddyHeap.CreateResource(device.ResourceDesc{
		Kind: device.ResourceKindBuffer,
		Name: "staging",
		Size: 64 * kb,
	})
	require.NoError(t, err)

	require.NoError(t, buddyHeap.DeferDeleteResource(resource, &record))
	require.True(t, record.IsNull())
	require.Equal(t, 1, buddyHeap.PendingDeleteCount())

	freed, err := buddyHeap.DelayedDelete(1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, freed)

	var stats memutils.Statistics
	buddyHeap.AddStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)

	freed, err = buddyHeap.DelayedDelete(2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, freed)
	require.Equal(t, 0, buddyHeap.PendingDeleteCount())

	stats.Clear()
	buddyHeap.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, buddyHeap.Destroy())
}

func TestBuddyHeapDestroyDrainsDeferredDeletes(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	resource, record, err := buddyHeap.CreateResource(device.ResourceDesc{
		Kind: device.ResourceKindBuffer,
		Name: "pending",
		Size: 4 * kb,
	})
	require.NoError(t, err)
	require.NoError(t, buddyHeap.DeferDeleteResource(resource, &record))

	require.NoError(t, buddyHeap.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
}

func TestBuddyHeapDestroyReportsUnreleasedMemory(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	_, err := buddyHeap.Allocate(4 * kb)
	require.NoError(t, err)

	require.Error(t, buddyHeap.Destroy())
	require.Equal(t, 1, hostDevice.LiveArenaCount())
}

func TestBuddyHeapArenaCreationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	memDevice := mocks.NewMockMemoryDevice(ctrl)
	memDevice.EXPECT().Properties().Return(device.Properties{ResourceAlignment: 256, ConstantBufferAlignment: 256}).AnyTimes()
	memDevice.EXPECT().CreateArena(device.HeapTypeUpload, 1<<20).Return(nil, errors.Wrap(device.ErrOutOfDeviceMemory, "vkAllocateMemory"))

	buddyHeap, err := heap.NewBuddyHeap(testLogger(), memDevice, 3, heap.BuddyHeapCreateInfo{
		Name:      "upload",
		HeapType:  device.HeapTypeUpload,
		ArenaSize: 1 << 20,
	})
	require.NoError(t, err)

	_, err = buddyHeap.Allocate(1024)
	require.ErrorIs(t, err, device.ErrOutOfDeviceMemory)
	require.Equal(t, 0, buddyHeap.ArenaCount())
}

func TestBuddyHeapResourceCreationFailureFreesPages(t *testing.T) {
	ctrl := gomock.NewController(t)

	desc := device.ResourceDesc{Kind: device.ResourceKindBuffer, Name: "broken", Size: 1024}

	arena := mocks.NewMockArena(ctrl)
	memDevice := mocks.NewMockMemoryDevice(ctrl)
	memDevice.EXPECT().Properties().Return(device.Properties{ResourceAlignment: 256, ConstantBufferAlignment: 256}).AnyTimes()
	memDevice.EXPECT().ResourceRequirements(desc).Return(1024, 256, nil)
	memDevice.EXPECT().CreateArena(device.HeapTypeDefault, 1<<20).Return(arena, nil)
	memDevice.EXPECT().CreateResource(arena, 0, desc).Return(nil, errors.New("device removed"))

	buddyHeap, err := heap.NewBuddyHeap(testLogger(), memDevice, 3, heap.BuddyHeapCreateInfo{
		Name:      "default",
		ArenaSize: 1 << 20,
	})
	require.NoError(t, err)

	_, record, err := buddyHeap.CreateResource(desc)
	require.Error(t, err)
	require.True(t, record.IsNull())

	var stats memutils.Statistics
	buddyHeap.AddStatistics(&stats)
	require.Equal(t, 1, stats.ArenaCount)
	require.Equal(t, 0, stats.AllocationCount)

	arena.EXPECT().Release().Return(nil)
	require.NoError(t, buddyHeap.Destroy())
}

func TestBuddyHeapDelayedDeleteFreesPagesWhenReleaseFails(t *testing.T) {
	ctrl := gomock.NewController(t)

	desc := device.ResourceDesc{Kind: device.ResourceKindBuffer, Name: "lost", Size: 1024}

	arena := mocks.NewMockArena(ctrl)
	resource := mocks.NewMockResource(ctrl)
	memDevice := mocks.NewMockMemoryDevice(ctrl)
	memDevice.EXPECT().Properties().Return(device.Properties{ResourceAlignment: 256, ConstantBufferAlignment: 256}).AnyTimes()
	memDevice.EXPECT().ResourceRequirements(desc).Return(1024, 256, nil)
	memDevice.EXPECT().CreateArena(device.HeapTypeDefault, 1<<20).Return(arena, nil)
	memDevice.EXPECT().CreateResource(arena, 0, desc).Return(resource, nil)

	buddyHeap, err := heap.NewBuddyHeap(testLogger(), memDevice, 3, heap.BuddyHeapCreateInfo{
		Name:      "default",
		ArenaSize: 1 << 20,
	})
	require.NoError(t, err)

	created, record, err := buddyHeap.CreateResource(desc)
	require.NoError(t, err)
	require.NoError(t, buddyHeap.DeferDeleteResource(created, &record))

	freed, err := buddyHeap.DelayedDelete(1, 0)
	require.NoError(t, err)
	require.Equal(t, 0, freed)

	resource.EXPECT().Release().Return(errors.New("device removed"))
	freed, err = buddyHeap.DelayedDelete(2, 1)
	require.Error(t, err)
	require.Equal(t, 0, freed)
	require.Equal(t, 0, buddyHeap.PendingDeleteCount())
	require.Equal(t, 0, buddyHeap.LiveRecordCount())

	var stats memutils.Statistics
	buddyHeap.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, buddyHeap.Validate())

	arena.EXPECT().Release().Return(nil)
	require.NoError(t, buddyHeap.Destroy())
}

func TestBuddyHeapStatsString(t *testing.T) {
	hostDevice := newHostDevice(t, host.Options{})
	buddyHeap := newBuddyHeap(t, hostDevice, 1<<20)

	_, err := buddyHeap.Allocate(256 * kb)
	require.NoError(t, err)

	stats := buddyHeap.BuildStatsString(true)
	require.Contains(t, stats, `"Name":"buffers"`)
	require.Contains(t, stats, `"ArenaCount":1`)
	require.Contains(t, stats, `"AllocationBytes":262144`)
	require.Contains(t, stats, `"FreeBlocks"`)
}
