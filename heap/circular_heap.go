package heap

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/memutils"
)

// DefaultCircularElementCount is the initial ring size when CircularHeapCreateInfo.ElementCount is 0
const DefaultCircularElementCount int = 1024

// CircularHeapCreateInfo is used to build a CircularHeap
type CircularHeapCreateInfo struct {
	// Name is used in log output, statistics and the names of the ring's buffers
	Name string
	// HeapType is the type of memory the ring lives in. The zero value, HeapTypeDefault, is
	// replaced with HeapTypeUpload: rings hold CPU-written constants.
	HeapType device.HeapType
	// ElementCount is the initial number of slots in the ring. If 0, DefaultCircularElementCount is used.
	ElementCount int
	// ElementSize is the byte size of every slot. It is required.
	ElementSize int
	// AlignToConstantBuffer rounds ElementSize up to the device's constant buffer alignment
	AlignToConstantBuffer bool
	// BufferUsage is passed as the Usage of the buffer created over every arena
	BufferUsage uint32
	Flags       CreateFlags
}

type circularArena struct {
	arena        device.Arena
	buffer       device.Resource
	elementCount int
}

// CircularHeap is a FIFO ring of uniformly sized slots for transient per-frame data. Slots must be
// returned in the order they were handed out. When the ring is full, an arena with double the
// slot count is appended and becomes the ring: its first half stands in for the slots still in
// flight in the previous arenas, which stay alive until the heap is destroyed.
type CircularHeap struct {
	heapBase

	elementSize int
	bufferUsage uint32
	arenas      []*circularArena

	head  int
	tail  int
	count int

	// headSequence is the sequence number of the oldest record in flight
	headSequence uint64
	growthCount  int
}

var _ Heap = &CircularHeap{}

func NewCircularHeap(logger *slog.Logger, memDevice device.MemoryDevice, id HeapID, info CircularHeapCreateInfo) (*CircularHeap, error) {
	heapType := info.HeapType
	if heapType == device.HeapTypeDefault {
		heapType = device.HeapTypeUpload
	}

	h := &CircularHeap{
		elementSize: info.ElementSize,
		bufferUsage: info.BufferUsage,
	}
	h.heapBase.init(logger, memDevice, id, info.Name, AllocatorKindCircular, heapType, info.Flags)
	h.headSequence = h.nextSequence

	if h.elementSize <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "circular heap '%s' element size %d", info.Name, info.ElementSize)
	}
	if info.AlignToConstantBuffer {
		alignment := memDevice.Properties().ConstantBufferAlignment
		err := memutils.CheckPow2(alignment, "device constant buffer alignment")
		if err != nil {
			return nil, err
		}
		h.elementSize = memutils.AlignUp(h.elementSize, alignment)
	}

	elementCount := info.ElementCount
	if elementCount == 0 {
		elementCount = DefaultCircularElementCount
	}
	if elementCount < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "circular heap '%s' element count %d", info.Name, elementCount)
	}

	err := h.createArena(elementCount)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func (h *CircularHeap) ElementSize() int { return h.elementSize }

// Capacity returns the number of slots in the active arena
func (h *CircularHeap) Capacity() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.capacity()
}

func (h *CircularHeap) capacity() int {
	return h.arenas[len(h.arenas)-1].elementCount
}

// Count returns the number of slots currently in flight
func (h *CircularHeap) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.count
}

// Head returns the slot index of the oldest in-flight element
func (h *CircularHeap) Head() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.head
}

// Tail returns the slot index the next allocation will be placed in
func (h *CircularHeap) Tail() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.tail
}

// GrowthCount returns the number of times the ring has doubled
func (h *CircularHeap) GrowthCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.growthCount
}

func (h *CircularHeap) ArenaCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.arenas)
}

func (h *CircularHeap) createArena(elementCount int) error {
	desc := device.ResourceDesc{
		Kind:  device.ResourceKindBuffer,
		Name:  fmt.Sprintf("%s[%d]", h.name, len(h.arenas)),
		Size:  elementCount * h.elementSize,
		Usage: h.bufferUsage,
	}

	size, _, err := h.device.ResourceRequirements(desc)
	if err != nil {
		return errors.Wrapf(err, "circular heap '%s' failed to size a ring of %d elements", h.name, elementCount)
	}

	arena, err := h.device.CreateArena(h.heapType, size)
	if err != nil {
		return errors.Wrapf(err, "circular heap '%s' failed to create an arena of %d bytes", h.name, size)
	}

	buffer, err := h.device.CreateResource(arena, 0, desc)
	if err != nil {
		releaseErr := arena.Release()
		if releaseErr != nil {
			return multierror.Append(errors.Wrapf(err, "circular heap '%s' failed to create its ring buffer", h.name), releaseErr)
		}
		return errors.Wrapf(err, "circular heap '%s' failed to create its ring buffer", h.name)
	}

	arenaIndex := len(h.arenas)
	h.arenas = append(h.arenas, &circularArena{
		arena:        arena,
		buffer:       buffer,
		elementCount: elementCount,
	})
	h.logArenaCreated(arenaIndex, size)

	return nil
}

// Allocate hands out the slot at the tail of the ring. If the ring is full, it first doubles.
func (h *CircularHeap) Allocate() (HeapAllocInfo, error) {
	h.logger.Debug("CircularHeap::Allocate")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count == h.capacity() {
		err := h.grow()
		if err != nil {
			return HeapAllocInfo{}, err
		}
	}

	arenaIndex := len(h.arenas) - 1
	offset := h.tail * h.elementSize
	record := HeapAllocInfo{
		Kind:    AllocatorKindCircular,
		Heap:    h.id,
		Arena:   arenaIndex,
		Offset:  offset,
		Address: offset,
		Size:    h.elementSize,
		Page:    h.tail,
		Pages:   1,
	}

	record = h.trackRecord(record)
	h.tail = (h.tail + 1) % h.capacity()
	h.count++

	return record, nil
}

// grow appends an arena of double the element count. The in-flight elements, oldest first, are
// considered to occupy the first half of the new arena.
func (h *CircularHeap) grow() error {
	oldCapacity := h.capacity()
	err := h.createArena(oldCapacity * 2)
	if err != nil {
		return err
	}

	h.head = 0
	h.tail = oldCapacity
	h.growthCount++

	return nil
}

// Deallocate returns the oldest in-flight slot to the ring. Records must be deallocated in the
// order they were allocated.
func (h *CircularHeap) Deallocate(record *HeapAllocInfo) error {
	h.logger.Debug("CircularHeap::Deallocate")

	return h.deallocate(record, false)
}

func (h *CircularHeap) deallocate(record *HeapAllocInfo, pending bool) error {
	err := h.checkRecord(record)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count == 0 {
		return errors.Newf("circular heap '%s' freed %s, but no slots are in flight", h.name, *record)
	}
	err = h.checkLive(*record, pending)
	if err != nil {
		return err
	}
	memutils.DebugAssert(record.sequence == h.headSequence,
		"circular heap '%s' freed allocation #%d out of order: allocation #%d is the oldest in flight", h.name, record.sequence, h.headSequence)

	h.head = (h.head + 1) % h.capacity()
	h.headSequence++
	h.count--
	h.forgetRecord(*record)

	*record = HeapAllocInfo{}
	return nil
}

// DeferDeallocate hands the record to the heap, which returns it to the ring once the GPU has
// completed the next submission. Deferred records are returned in the order they were deferred.
func (h *CircularHeap) DeferDeallocate(record *HeapAllocInfo) error {
	h.logger.Debug("CircularHeap::DeferDeallocate")

	return h.deferDelete(nil, record)
}

func (h *CircularHeap) DelayedDelete(submitted, completed fence.Epoch) (int, error) {
	h.logger.Debug("CircularHeap::DelayedDelete")

	return h.delayedDelete(submitted, completed, h.freeDeferred)
}

func (h *CircularHeap) freeDeferred(item *pendingDelete) error {
	return h.deallocate(&item.record, true)
}

func (h *CircularHeap) lookupArena(record HeapAllocInfo) (*circularArena, error) {
	err := h.checkRecord(&record)
	if err != nil {
		return nil, err
	}
	if record.Arena < 0 || record.Arena >= len(h.arenas) {
		return nil, errors.Newf("record %s refers to arena %d, but circular heap '%s' has %d arenas", record, record.Arena, h.name, len(h.arenas))
	}
	return h.arenas[record.Arena], nil
}

// Buffer returns the buffer that spans the arena the record was carved from. The record's Offset
// is its byte offset within that buffer.
func (h *CircularHeap) Buffer(record HeapAllocInfo) (device.Resource, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	arena, err := h.lookupArena(record)
	if err != nil {
		return nil, err
	}
	return arena.buffer, nil
}

// Write copies data into the record's slot. The ring must be host visible and data must fit in
// one element.
func (h *CircularHeap) Write(record HeapAllocInfo, data []byte) error {
	if len(data) > h.elementSize {
		return errors.Newf("attempted to write %d bytes into a %d byte element", len(data), h.elementSize)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	arena, err := h.lookupArena(record)
	if err != nil {
		return err
	}

	mapped, err := arena.arena.Map()
	if err != nil {
		return errors.Wrapf(err, "circular heap '%s' could not map arena %d", h.name, record.Arena)
	}

	copy(mapped[record.Offset:record.Offset+h.elementSize], data)
	return nil
}

func (h *CircularHeap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, arena := range h.arenas {
		stats.ArenaCount++
		stats.ArenaBytes += arena.arena.Size()
	}
	stats.AllocationCount += h.count
	stats.AllocationBytes += h.count * h.elementSize
}

func (h *CircularHeap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, arena := range h.arenas {
		stats.ArenaCount++
		stats.ArenaBytes += arena.arena.Size()
	}

	for i := 0; i < h.count; i++ {
		stats.AddAllocation(h.elementSize)
	}

	if h.count == h.capacity() {
		return
	}

	// Idle slots run from the tail to the head and may wrap around the end of the ring
	if h.tail < h.head {
		stats.AddUnusedRange((h.head - h.tail) * h.elementSize)
		return
	}
	stats.AddUnusedRange((h.capacity() - h.tail) * h.elementSize)
	if h.head > 0 {
		stats.AddUnusedRange(h.head * h.elementSize)
	}
}

func (h *CircularHeap) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Kind").String(h.kind.String())
	json.Name("HeapType").String(h.heapType.String())
	json.Name("ElementSize").Int(h.elementSize)

	h.printDeferred(json)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	json.Name("Capacity").Int(h.capacity())
	json.Name("Head").Int(h.head)
	json.Name("Tail").Int(h.tail)
	json.Name("InFlight").Int(h.count)
	json.Name("Growths").Int(h.growthCount)

	arenasObj := json.Name("Arenas").Object()
	for arenaIndex, arena := range h.arenas {
		arenaObj := arenasObj.Name(strconv.Itoa(arenaIndex)).Object()
		arenaObj.Name("Elements").Int(arena.elementCount)
		arenaObj.Name("Size").Int(arena.arena.Size())
		arenaObj.End()
	}
	arenasObj.End()
}

// BuildStatsString returns a json document describing the ring
func (h *CircularHeap) BuildStatsString(detailed bool) string {
	return buildStatsString(h, detailed)
}

func (h *CircularHeap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	capacity := h.capacity()
	if h.count < 0 || h.count > capacity {
		return errors.Newf("ring holds %d elements but has a capacity of %d", h.count, capacity)
	}
	if h.head < 0 || h.head >= capacity || h.tail < 0 || h.tail >= capacity {
		return errors.Newf("ring head %d or tail %d lies outside a capacity of %d", h.head, h.tail, capacity)
	}
	if (h.head+h.count)%capacity != h.tail {
		return errors.Newf("ring head %d plus %d in-flight elements does not reach tail %d", h.head, h.count, h.tail)
	}
	if h.headSequence+uint64(h.count) != h.nextSequence {
		return errors.Newf("ring has %d in-flight elements, but %d allocations were never returned", h.count, h.nextSequence-h.headSequence)
	}
	err := h.validateLiveCount(h.count)
	if err != nil {
		return err
	}

	for arenaIndex := 1; arenaIndex < len(h.arenas); arenaIndex++ {
		if h.arenas[arenaIndex].elementCount != h.arenas[arenaIndex-1].elementCount*2 {
			return errors.Newf("arena %d holds %d elements, which is not double the previous arena's %d",
				arenaIndex, h.arenas[arenaIndex].elementCount, h.arenas[arenaIndex-1].elementCount)
		}
	}

	return nil
}

// Destroy returns every deferred record to the ring, then releases every buffer and arena. Elements
// still in flight are logged and reported as an error, but the arenas are released regardless.
func (h *CircularHeap) Destroy() error {
	h.logger.Debug("CircularHeap::Destroy")

	_, err := h.drainDeferred(h.freeDeferred)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count > 0 {
		h.logUnreleasedMemory(len(h.arenas)-1, h.count, h.count*h.elementSize)
		err = multierror.Append(err, errors.Newf("circular heap '%s' still has %d elements in flight", h.name, h.count))
	}

	for arenaIndex, arena := range h.arenas {
		releaseErr := arena.buffer.Release()
		if releaseErr == nil {
			releaseErr = arena.arena.Release()
		}
		if releaseErr != nil {
			err = multierror.Append(err, errors.Wrapf(releaseErr, "failed to release arena %d of circular heap '%s'", arenaIndex, h.name))
		}
	}

	return err
}
