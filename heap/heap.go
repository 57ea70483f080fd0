// Package heap implements the GPU memory heaps: a BuddyHeap of uniformly sized arenas for
// variable-size resources, a SegListHeap of power-of-two size classes for fixed-shape resources,
// and a CircularHeap ring for per-frame transient constant data.
package heap

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/internal/utils"
	"github.com/vkngwrapper/gpuheap/memutils"
)

// Heap is the behavior shared by every heap kind
type Heap interface {
	ID() HeapID
	Name() string
	Kind() AllocatorKind

	// Deallocate immediately returns the record's pages to the heap and zeroes the record
	Deallocate(record *HeapAllocInfo) error
	// DelayedDelete seals everything deferred since the last call behind submitted, then releases
	// every deferred batch whose submission epoch has been completed. It returns the number of
	// records returned to the heap.
	DelayedDelete(submitted, completed fence.Epoch) (int, error)

	AddStatistics(stats *memutils.Statistics)
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	PrintDetailedMap(json *jwriter.ObjectState)
	Validate() error
	Destroy() error
}

// ResourceHeap is a Heap that places device resources into its pages
type ResourceHeap interface {
	Heap

	// CreateResource allocates pages for the described resource and binds a new device resource
	// at the allocated offset
	CreateResource(desc device.ResourceDesc) (device.Resource, HeapAllocInfo, error)
	// DeleteResource releases the resource and immediately returns its pages to the heap
	DeleteResource(resource device.Resource, record *HeapAllocInfo) error
	// DeferDeleteResource hands the resource and its record to the heap, which releases both once
	// the GPU has completed the next submission
	DeferDeleteResource(resource device.Resource, record *HeapAllocInfo) error
}

// ErrRecordNotLive is returned when a record is freed or deferred after it has already been
// returned to its heap, typically through a stale copy
var ErrRecordNotLive = errors.New("heap record is not live")

type liveRecord struct {
	address int
	// pending is set once the record has been handed to the deferred queue
	pending bool
}

type pendingDelete struct {
	record   HeapAllocInfo
	resource device.Resource
}

// pageAllocator is implemented by heaps whose pages can back arbitrary device resources
type pageAllocator interface {
	allocate(size, alignment int) (HeapAllocInfo, error)
	// deallocate frees a live record. pending must be true only for records released by the
	// deferred queue.
	deallocate(record *HeapAllocInfo, pending bool) error
	arenaAt(record HeapAllocInfo) (device.Arena, error)
}

type heapBase struct {
	logger   *slog.Logger
	id       HeapID
	name     string
	kind     AllocatorKind
	device   device.MemoryDevice
	heapType device.HeapType

	mutex         utils.OptionalMutex
	nextSequence  uint64
	liveRecords   *swiss.Map[uint64, liveRecord]
	deferredMutex utils.OptionalMutex
	deferred      fence.DeferredQueue[pendingDelete]
}

func (h *heapBase) init(logger *slog.Logger, memDevice device.MemoryDevice, id HeapID, name string, kind AllocatorKind, heapType device.HeapType, flags CreateFlags) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	useMutex := flags&CreateExternallySynchronized == 0

	h.logger = logger
	h.device = memDevice
	h.id = id
	h.name = name
	h.kind = kind
	h.heapType = heapType
	h.mutex = utils.OptionalMutex{UseMutex: useMutex}
	h.deferredMutex = utils.OptionalMutex{UseMutex: useMutex}
	h.nextSequence = 1
	h.liveRecords = swiss.NewMap[uint64, liveRecord](64)
}

func (h *heapBase) ID() HeapID                  { return h.id }
func (h *heapBase) Name() string                { return h.name }
func (h *heapBase) Kind() AllocatorKind         { return h.kind }
func (h *heapBase) HeapType() device.HeapType   { return h.heapType }
func (h *heapBase) Device() device.MemoryDevice { return h.device }

func (h *heapBase) checkRecord(record *HeapAllocInfo) error {
	if record == nil {
		return errors.New("attempted to deallocate a nil record")
	}
	if record.IsNull() {
		return errors.Newf("attempted to deallocate a null record from heap '%s'", h.name)
	}
	if record.Kind != h.kind || record.Heap != h.id {
		return errors.Newf("record %s does not belong to %s heap '%s' (id %d)", record, h.kind, h.name, h.id)
	}
	return nil
}

// trackRecord stamps the record with the heap's next sequence number and registers it as live.
// The heap mutex must be held.
func (h *heapBase) trackRecord(record HeapAllocInfo) HeapAllocInfo {
	record.sequence = h.nextSequence
	h.nextSequence++
	h.liveRecords.Put(record.sequence, liveRecord{address: record.Address})
	return record
}

// checkLive fails for records that were already freed or, unless pending is set, already
// deferred. The heap mutex must be held.
func (h *heapBase) checkLive(record HeapAllocInfo, pending bool) error {
	live, ok := h.liveRecords.Get(record.sequence)
	valid := ok && live.address == record.Address && live.pending == pending
	memutils.DebugAssert(valid, "heap '%s' received %s, which is not a live record", h.name, record)
	if !valid {
		return errors.Wrapf(ErrRecordNotLive, "heap '%s' received %s", h.name, record)
	}
	return nil
}

// forgetRecord removes a freed record from the live table. The heap mutex must be held.
func (h *heapBase) forgetRecord(record HeapAllocInfo) {
	h.liveRecords.Delete(record.sequence)
}

// LiveRecordCount returns the number of records handed out by the heap that have not been freed,
// including records waiting in the deferred queue
func (h *heapBase) LiveRecordCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.liveRecords.Count()
}

func (h *heapBase) validateLiveCount(allocations int) error {
	if h.liveRecords.Count() != allocations {
		return errors.Newf("heap '%s' tracks %d live records, but its arenas hold %d allocations", h.name, h.liveRecords.Count(), allocations)
	}
	return nil
}

func (h *heapBase) logArenaCreated(arenaIndex int, size int) {
	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "created arena",
		slog.String("heap", h.name),
		slog.String("kind", h.kind.String()),
		slog.String("heapType", h.heapType.String()),
		slog.Int("arena", arenaIndex),
		slog.Int("size", size),
	)
}

func (h *heapBase) logUnreleasedMemory(arenaIndex int, allocationCount int, allocationBytes int) {
	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] arena still holds allocations",
		slog.String("heap", h.name),
		slog.Int("arena", arenaIndex),
		slog.Int("allocations", allocationCount),
		slog.Int("bytes", allocationBytes),
	)
}

// deferDelete takes ownership of the record, zeroing the caller's copy
func (h *heapBase) deferDelete(resource device.Resource, record *HeapAllocInfo) error {
	err := h.checkRecord(record)
	if err != nil {
		return err
	}

	err = h.markPending(*record)
	if err != nil {
		return err
	}

	h.deferredMutex.Lock()
	defer h.deferredMutex.Unlock()

	h.deferred.Defer(pendingDelete{record: *record, resource: resource})
	*record = HeapAllocInfo{}
	return nil
}

func (h *heapBase) markPending(record HeapAllocInfo) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive(record, false)
	if err != nil {
		return err
	}
	h.liveRecords.Put(record.sequence, liveRecord{address: record.Address, pending: true})
	return nil
}

// delayedDelete collects reclaimable entries under the deferred mutex and frees them after it
// has been released, so free may take the allocation mutex
func (h *heapBase) delayedDelete(submitted, completed fence.Epoch, free func(item *pendingDelete) error) (int, error) {
	var reclaimed []pendingDelete

	h.deferredMutex.Lock()
	h.deferred.Advance(submitted, completed, func(item pendingDelete) {
		reclaimed = append(reclaimed, item)
	})
	h.deferredMutex.Unlock()

	return h.freeAll(reclaimed, free)
}

func (h *heapBase) drainDeferred(free func(item *pendingDelete) error) (int, error) {
	var reclaimed []pendingDelete

	h.deferredMutex.Lock()
	h.deferred.Drain(func(item pendingDelete) {
		reclaimed = append(reclaimed, item)
	})
	h.deferredMutex.Unlock()

	return h.freeAll(reclaimed, free)
}

func (h *heapBase) freeAll(items []pendingDelete, free func(item *pendingDelete) error) (int, error) {
	var err error
	freed := 0
	for i := range items {
		freeErr := free(&items[i])
		if freeErr != nil {
			err = multierror.Append(err, freeErr)
			continue
		}
		freed++
	}

	return freed, err
}

// PendingDeleteCount returns the number of deferred records that have not yet been returned to the heap
func (h *heapBase) PendingDeleteCount() int {
	h.deferredMutex.Lock()
	defer h.deferredMutex.Unlock()

	return h.deferred.PendingCount() + h.deferred.QueuedCount()
}

func (h *heapBase) printDeferred(json *jwriter.ObjectState) {
	h.deferredMutex.Lock()
	defer h.deferredMutex.Unlock()

	arr := json.Name("PendingDeletes").Array()
	h.deferred.VisitAll(func(item pendingDelete, sealed bool, epoch fence.Epoch) {
		obj := arr.Object()
		obj.Name("Arena").Int(item.record.Arena)
		obj.Name("Offset").Int(item.record.Offset)
		obj.Name("Size").Int(item.record.Size)
		if sealed {
			obj.Name("Epoch").Int(int(epoch))
		}
		obj.End()
	})
	arr.End()
}

func releaseAndFree(alloc pageAllocator) func(item *pendingDelete) error {
	return func(item *pendingDelete) error {
		var err error
		if item.resource != nil {
			releaseErr := item.resource.Release()
			if releaseErr != nil {
				err = multierror.Append(err, errors.Wrapf(releaseErr, "failed to release deferred resource at %s", item.record))
			}
		}

		// The item has left the queue, so its pages are freed even if the resource was not released
		freeErr := alloc.deallocate(&item.record, true)
		if freeErr != nil {
			err = multierror.Append(err, freeErr)
		}
		return err
	}
}

func createResource(h *heapBase, alloc pageAllocator, desc device.ResourceDesc) (device.Resource, HeapAllocInfo, error) {
	size, alignment, err := h.device.ResourceRequirements(desc)
	if err != nil {
		return nil, HeapAllocInfo{}, errors.Wrapf(err, "failed to get requirements of %s '%s'", desc.Kind, desc.Name)
	}

	record, err := alloc.allocate(size, alignment)
	if err != nil {
		return nil, HeapAllocInfo{}, errors.Wrapf(err, "failed to allocate %d bytes for %s '%s' in heap '%s'", size, desc.Kind, desc.Name, h.name)
	}

	arena, err := alloc.arenaAt(record)
	if err == nil {
		var resource device.Resource
		resource, err = h.device.CreateResource(arena, record.Offset, desc)
		if err == nil {
			return resource, record, nil
		}
		err = errors.Wrapf(err, "failed to create %s '%s' in heap '%s'", desc.Kind, desc.Name, h.name)
	}

	freeErr := alloc.deallocate(&record, false)
	if freeErr != nil {
		err = multierror.Append(err, freeErr)
	}
	return nil, HeapAllocInfo{}, err
}

func deleteResource(h *heapBase, alloc pageAllocator, resource device.Resource, record *HeapAllocInfo) error {
	err := h.checkRecord(record)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	err = h.checkLive(*record, false)
	h.mutex.Unlock()
	if err != nil {
		return err
	}

	if resource != nil {
		err = resource.Release()
		if err != nil {
			return errors.Wrapf(err, "failed to release resource at %s", *record)
		}
	}

	return alloc.deallocate(record, false)
}

// WriteStats writes the heap's name, totals and, if detailed is true, its detailed map into json
func WriteStats(h Heap, json *jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("Name").String(h.Name())
	json.Name("ID").Int(int(h.ID()))

	totalObj := json.Name("Total").Object()
	stats.WriteJson(&totalObj)
	totalObj.End()

	if detailed {
		mapObj := json.Name("DetailedMap").Object()
		h.PrintDetailedMap(&mapObj)
		mapObj.End()
	}
}

func buildStatsString(h Heap, detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	WriteStats(h, &obj, detailed)
	obj.End()

	return string(writer.Bytes())
}
