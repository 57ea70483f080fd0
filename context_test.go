package gpuheap_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/device/host"
	"github.com/vkngwrapper/gpuheap/heap"
	"github.com/vkngwrapper/gpuheap/memutils"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newContext(t *testing.T) (*gpuheap.Context, *host.Device) {
	hostDevice, err := host.New(testLogger(), host.Options{})
	require.NoError(t, err)

	ctx, err := gpuheap.New(testLogger(), hostDevice, hostDevice, gpuheap.CreateOptions{
		DefaultHeap:  heap.BuddyHeapCreateInfo{ArenaSize: 1 << 20},
		UploadHeap:   heap.BuddyHeapCreateInfo{ArenaSize: 1 << 20},
		ReadbackHeap: heap.BuddyHeapCreateInfo{ArenaSize: 1 << 20},
		ConstantHeap: heap.CircularHeapCreateInfo{ElementCount: 16},
	})
	require.NoError(t, err)
	return ctx, hostDevice
}

func TestContextDefaults(t *testing.T) {
	ctx, hostDevice := newContext(t)

	require.Equal(t, 5, ctx.HeapCount())
	require.Equal(t, heap.AllocatorKindBuddy, ctx.Default().Kind())
	require.Equal(t, device.HeapTypeUpload, ctx.Upload().HeapType())
	require.Equal(t, device.HeapTypeReadback, ctx.Readback().HeapType())
	require.Equal(t, heap.AllocatorKindSegList, ctx.Textures().Kind())
	require.Equal(t, gpuheap.DefaultConstantElementSize, ctx.Constants().ElementSize())
	require.NotNil(t, ctx.Descriptors())

	require.Equal(t, heap.Heap(ctx.Textures()), ctx.Heap(ctx.Textures().ID()))
	require.Nil(t, ctx.Heap(99))

	require.NoError(t, ctx.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
	require.Equal(t, 0, hostDevice.LiveTableCount())
}

func TestContextWithoutDescriptors(t *testing.T) {
	hostDevice, err := host.New(testLogger(), host.Options{})
	require.NoError(t, err)

	ctx, err := gpuheap.New(testLogger(), hostDevice, nil, gpuheap.CreateOptions{})
	require.NoError(t, err)
	require.Nil(t, ctx.Descriptors())
	require.Equal(t, 16*1024*1024, ctx.Upload().ArenaSize())

	require.NoError(t, ctx.Destroy())
}

func TestContextFreeRoutesByHeap(t *testing.T) {
	ctx, _ := newContext(t)

	buffer, err := ctx.Default().Allocate(256 * 1024)
	require.NoError(t, err)
	staging, err := ctx.Upload().Allocate(256 * 1024)
	require.NoError(t, err)
	require.NotEqual(t, buffer.Heap, staging.Heap)

	require.NoError(t, ctx.Free(&staging))
	require.True(t, staging.IsNull())
	require.NoError(t, ctx.Free(&buffer))

	require.Error(t, ctx.Free(&buffer))

	foreign := heap.HeapAllocInfo{Kind: heap.AllocatorKindBuddy, Heap: 42, Size: 1024}
	require.Error(t, ctx.Free(&foreign))

	mislabelled := heap.HeapAllocInfo{Kind: heap.AllocatorKindSegList, Heap: ctx.Default().ID(), Size: 1024}
	require.Error(t, ctx.Free(&mislabelled))

	require.NoError(t, ctx.Destroy())
}

func TestContextEndFrame(t *testing.T) {
	ctx, hostDevice := newContext(t)

	texture, record, err := ctx.Textures().CreateResource(device.ResourceDesc{
		Kind:   device.ResourceKindTexture,
		Name:   "albedo",
		Width:  256,
		Height: 256,
	})
	require.NoError(t, err)

	constants, err := ctx.Constants().Allocate()
	require.NoError(t, err)

	views := ctx.Descriptors().Allocator(device.DescriptorKindResourceView)
	view, err := views.GpuAllocate(4)
	require.NoError(t, err)

	require.NoError(t, ctx.DeferDeleteResource(texture, &record))
	require.NoError(t, ctx.Constants().DeferDeallocate(&constants))
	require.NoError(t, ctx.Descriptors().Deallocate(&view))

	frame := ctx.Submit()
	freed, err := ctx.EndFrame(frame, 0)
	require.NoError(t, err)
	require.Equal(t, 0, freed)
	require.Equal(t, 1, ctx.Textures().PendingDeleteCount())
	require.Equal(t, 1, views.PendingDeleteCount())

	nextFrame := ctx.Submit()
	freed, err = ctx.EndFrame(nextFrame, frame)
	require.NoError(t, err)
	require.Equal(t, 3, freed)
	require.Equal(t, frame, ctx.Timeline().Completed())
	require.Equal(t, 1, ctx.Timeline().InFlight())
	require.Equal(t, 0, ctx.Constants().Count())
	require.NoError(t, ctx.Validate())

	require.NoError(t, ctx.Destroy())
	require.Equal(t, 0, hostDevice.LiveArenaCount())
	require.Equal(t, 0, hostDevice.LiveTableCount())
}

func TestContextStatistics(t *testing.T) {
	ctx, _ := newContext(t)

	buffer, err := ctx.Default().Allocate(512 * 1024)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	ctx.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)

	statsString := ctx.BuildStatsString(true)
	require.Contains(t, statsString, `"Heaps":[{"Kind":"Buddy","Name":"default"`)
	require.Contains(t, statsString, `"Name":"constants"`)
	require.Contains(t, statsString, `"Descriptors":{"ResourceView":`)

	require.NoError(t, ctx.Free(&buffer))
	require.NoError(t, ctx.Destroy())
}

func TestContextDestroyReportsLiveAllocations(t *testing.T) {
	ctx, hostDevice := newContext(t)

	_, err := ctx.Readback().Allocate(4096)
	require.NoError(t, err)

	require.Error(t, ctx.Destroy())
	require.Equal(t, 1, hostDevice.LiveArenaCount())
}
