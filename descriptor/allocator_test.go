package descriptor_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/descriptor"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/device/host"
	"github.com/vkngwrapper/gpuheap/memutils"
)

const increment = 32

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHostDevice(t *testing.T) *host.Device {
	hostDevice, err := host.New(testLogger(), host.Options{DescriptorIncrement: increment})
	require.NoError(t, err)
	return hostDevice
}

func newResourceViewAllocator(t *testing.T, hostDevice *host.Device, cpuTableSize, gpuTableSize int) *descriptor.Allocator {
	allocator, err := descriptor.NewAllocator(testLogger(), hostDevice, descriptor.AllocatorCreateInfo{
		Kind:         device.DescriptorKindResourceView,
		CpuTableSize: cpuTableSize,
		GpuTableSize: gpuTableSize,
	})
	require.NoError(t, err)
	return allocator
}

func TestAllocatorReclaimWaitsForCompletion(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 64, 64)

	first, err := allocator.GpuAllocate(8)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset)
	require.Equal(t, descriptor.PoolGpu, first.Pool)

	second, err := allocator.GpuAllocate(8)
	require.NoError(t, err)
	require.Equal(t, 8, second.Offset)

	require.NoError(t, allocator.GpuDeallocate(&first))
	require.True(t, first.IsNull())
	require.Equal(t, 1, allocator.PendingDeleteCount())

	// Freed during frame 5, GPU has only completed frame 4
	freed, err := allocator.DelayedDelete(5, 4)
	require.NoError(t, err)
	require.Equal(t, 0, freed)

	third, err := allocator.GpuAllocate(8)
	require.NoError(t, err)
	require.Equal(t, 16, third.Offset)

	freed, err = allocator.DelayedDelete(6, 5)
	require.NoError(t, err)
	require.Equal(t, 1, freed)
	require.Equal(t, 0, allocator.PendingDeleteCount())

	reused, err := allocator.GpuAllocate(8)
	require.NoError(t, err)
	require.Equal(t, 0, reused.Table)
	require.Equal(t, 0, reused.Offset)
	require.Equal(t, 8, reused.Pages)
	require.Equal(t, 3, allocator.LiveCount())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.GpuDeallocate(&second))
	require.NoError(t, allocator.GpuDeallocate(&third))
	require.NoError(t, allocator.GpuDeallocate(&reused))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, hostDevice.LiveTableCount())
}

func TestAllocatorHandles(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 64, 64)

	padding, err := allocator.GpuAllocate(4)
	require.NoError(t, err)
	record, err := allocator.GpuAllocate(3)
	require.NoError(t, err)
	require.Equal(t, 4, record.Offset)
	require.Equal(t, 4, record.Pages)
	require.Equal(t, 3, record.Count)

	base, err := allocator.GetGpuHandle(padding, 0)
	require.NoError(t, err)
	require.Equal(t, device.GpuHandle(0x100000000), base)

	gpuHandle, err := allocator.GetGpuHandle(record, 2)
	require.NoError(t, err)
	require.Equal(t, base+device.GpuHandle((4+2)*increment), gpuHandle)

	cpuBase, err := allocator.GetCpuHandle(padding, 0)
	require.NoError(t, err)
	cpuHandle, err := allocator.GetCpuHandle(record, 1)
	require.NoError(t, err)
	require.Equal(t, cpuBase+device.CpuHandle((4+1)*increment), cpuHandle)

	_, err = allocator.GetGpuHandle(record, 3)
	require.Error(t, err)

	staging, err := allocator.CpuAllocate(1)
	require.NoError(t, err)
	_, err = allocator.GetGpuHandle(staging, 0)
	require.Error(t, err)

	require.NoError(t, allocator.CpuDeallocate(&staging))
	require.NoError(t, allocator.GpuDeallocate(&padding))
	require.NoError(t, allocator.GpuDeallocate(&record))
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorRejectsDoubleDeallocate(t *testing.T) {
	if memutils.DebugChecks {
		t.Skip("stale records assert in debug builds")
	}

	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 0, 0)

	record, err := allocator.CpuAllocate(2)
	require.NoError(t, err)
	stale := record

	require.NoError(t, allocator.CpuDeallocate(&record))

	err = allocator.CpuDeallocate(&record)
	require.ErrorIs(t, err, descriptor.ErrNotLive)

	err = allocator.CpuDeallocate(&stale)
	require.ErrorIs(t, err, descriptor.ErrNotLive)

	_, err = allocator.GetCpuHandle(stale, 0)
	require.ErrorIs(t, err, descriptor.ErrNotLive)

	_, err = allocator.DelayedDelete(1, 1)
	require.NoError(t, err)

	// Freed records are no longer tracked at all
	err = allocator.CpuDeallocate(&stale)
	require.ErrorIs(t, err, descriptor.ErrNotLive)
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorStaleRecordsPanicInDebugBuilds(t *testing.T) {
	if !memutils.DebugChecks {
		t.Skip("stale records return errors in release builds")
	}

	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 0, 16)

	record, err := allocator.CpuAllocate(2)
	require.NoError(t, err)
	stale := record
	require.NoError(t, allocator.CpuDeallocate(&record))

	require.Panics(t, func() { _ = allocator.CpuDeallocate(&stale) })
	require.Panics(t, func() { _, _ = allocator.GetCpuHandle(stale, 0) })

	gpuRecord, err := allocator.GpuAllocate(4)
	require.NoError(t, err)
	staleGpu := gpuRecord
	require.NoError(t, allocator.GpuDeallocate(&gpuRecord))
	require.Panics(t, func() { _ = allocator.GpuDeallocate(&staleGpu) })
}

func TestAllocatorRejectsWrongPool(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 0, 16)

	record, err := allocator.GpuAllocate(1)
	require.NoError(t, err)

	require.Error(t, allocator.CpuDeallocate(&record))
	require.False(t, record.IsNull())
	require.NoError(t, allocator.GpuDeallocate(&record))
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorGrowsTables(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 16, 0)

	whole, err := allocator.CpuAllocate(16)
	require.NoError(t, err)
	require.Equal(t, 0, whole.Table)

	next, err := allocator.CpuAllocate(1)
	require.NoError(t, err)
	require.Equal(t, 1, next.Table)
	require.Equal(t, 0, next.Offset)
	require.Equal(t, 16, next.Address)
	require.Equal(t, 2, allocator.TableCount(descriptor.PoolCpu))

	_, err = allocator.CpuAllocate(17)
	require.True(t, errors.Is(err, memutils.ErrOutOfCapacity))

	_, err = allocator.CpuAllocate(0)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	_, err = allocator.GpuAllocate(1)
	require.True(t, errors.Is(err, device.ErrUnsupported))

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 2, stats.ArenaCount)
	require.Equal(t, 32, stats.ArenaBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 17, stats.AllocationBytes)

	require.NoError(t, allocator.CpuDeallocate(&whole))
	require.NoError(t, allocator.CpuDeallocate(&next))
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, hostDevice.LiveTableCount())
}

func TestAllocatorRejectsShaderVisibleRenderTargets(t *testing.T) {
	hostDevice := newHostDevice(t)

	_, err := descriptor.NewAllocator(testLogger(), hostDevice, descriptor.AllocatorCreateInfo{
		Kind:         device.DescriptorKindRenderTarget,
		GpuTableSize: 64,
	})
	require.True(t, errors.Is(err, device.ErrUnsupported))
}

func TestAllocatorCopyToGpu(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 16, 16)

	staging, err := allocator.CpuAllocate(4)
	require.NoError(t, err)
	visible, err := allocator.GpuAllocate(4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		handle, err := allocator.GetCpuHandle(staging, i)
		require.NoError(t, err)
		require.NoError(t, hostDevice.WriteDescriptor(handle, uint64(100+i)))
	}

	require.NoError(t, allocator.CopyToGpu(visible, staging, 4))

	for i := 0; i < 4; i++ {
		handle, err := allocator.GetCpuHandle(visible, i)
		require.NoError(t, err)
		payload, err := hostDevice.ReadDescriptor(handle)
		require.NoError(t, err)
		require.Equal(t, uint64(100+i), payload)
	}

	require.Error(t, allocator.CopyToGpu(visible, staging, 5))

	require.NoError(t, allocator.CpuDeallocate(&staging))
	require.NoError(t, allocator.GpuDeallocate(&visible))
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorDestroyReportsLiveRecords(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 16, 0)

	_, err := allocator.CpuAllocate(4)
	require.NoError(t, err)

	pending, err := allocator.CpuAllocate(4)
	require.NoError(t, err)
	require.NoError(t, allocator.CpuDeallocate(&pending))

	err = allocator.Destroy()
	require.Error(t, err)
	require.Equal(t, 1, hostDevice.LiveTableCount())
	require.Equal(t, 0, allocator.PendingDeleteCount())
}

func TestAllocatorStatsString(t *testing.T) {
	hostDevice := newHostDevice(t)
	allocator := newResourceViewAllocator(t, hostDevice, 16, 16)

	record, err := allocator.GpuAllocate(2)
	require.NoError(t, err)
	require.NoError(t, allocator.GpuDeallocate(&record))

	stats := allocator.BuildStatsString(true)
	require.Contains(t, stats, `"Kind":"ResourceView"`)
	require.Contains(t, stats, `"Gpu":{"TableSize":16,"ShaderVisible":true`)
	require.Contains(t, stats, `"PendingDeletes":[{"Pool":"Gpu","Address":0,"Pages":2}]`)

	require.NoError(t, allocator.Destroy())
}
