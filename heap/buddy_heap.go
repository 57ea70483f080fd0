package heap

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/memutils"
	"github.com/vkngwrapper/gpuheap/memutils/metadata"
)

// DefaultBuddyArenaSize is the arena size used when BuddyHeapCreateInfo.ArenaSize is 0
const DefaultBuddyArenaSize int = 64 * 1024 * 1024

// BuddyHeapCreateInfo is used to build a BuddyHeap
type BuddyHeapCreateInfo struct {
	// Name is used in log output and statistics
	Name string
	// HeapType is the type of memory every arena is created in
	HeapType device.HeapType
	// ArenaSize is the byte size of every arena. If 0, DefaultBuddyArenaSize is used. It must be a
	// multiple of PageSize.
	ArenaSize int
	// PageSize is the smallest unit the heap hands out. If 0, the device's resource alignment is
	// used. It must be a power of two.
	PageSize int
	Flags    CreateFlags
}

type buddyArena struct {
	arena device.Arena
	buddy metadata.Buddy
}

// BuddyHeap is a growable list of uniformly sized arenas, each suballocated with a binary buddy
// allocator. Allocations try each arena in creation order and create at most one new arena when
// none of them has room.
type BuddyHeap struct {
	heapBase

	arenaSize         int
	pageSize          int
	pagesPerArena     int
	maxBlockPages     int
	resourceAlignment int

	arenas []*buddyArena
}

var _ ResourceHeap = &BuddyHeap{}

// NewBuddyHeap creates a BuddyHeap. No arena is created until the first allocation.
func NewBuddyHeap(logger *slog.Logger, memDevice device.MemoryDevice, id HeapID, info BuddyHeapCreateInfo) (*BuddyHeap, error) {
	properties := memDevice.Properties()

	h := &BuddyHeap{
		arenaSize:         info.ArenaSize,
		pageSize:          info.PageSize,
		resourceAlignment: properties.ResourceAlignment,
	}
	h.heapBase.init(logger, memDevice, id, info.Name, AllocatorKindBuddy, info.HeapType, info.Flags)

	if h.arenaSize == 0 {
		h.arenaSize = DefaultBuddyArenaSize
	}
	if h.pageSize == 0 {
		h.pageSize = properties.ResourceAlignment
	}
	if h.resourceAlignment < 1 {
		h.resourceAlignment = 1
	}

	err := memutils.CheckPow2(h.pageSize, "BuddyHeapCreateInfo.PageSize")
	if err != nil {
		return nil, err
	}
	if h.arenaSize < h.pageSize || h.arenaSize%h.pageSize != 0 {
		return nil, errors.Newf("arena size %d must be a non-zero multiple of the page size %d", h.arenaSize, h.pageSize)
	}

	h.pagesPerArena = h.arenaSize / h.pageSize
	h.maxBlockPages = 1 << memutils.Log2Floor(h.pagesPerArena)

	return h, nil
}

func (h *BuddyHeap) ArenaSize() int { return h.arenaSize }
func (h *BuddyHeap) PageSize() int  { return h.pageSize }

// MaxAllocationSize returns the largest allocation the heap can satisfy
func (h *BuddyHeap) MaxAllocationSize() int {
	return h.maxBlockPages * h.pageSize
}

func (h *BuddyHeap) ArenaCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.arenas)
}

// Allocate reserves at least size bytes, rounded up to the device's resource alignment
func (h *BuddyHeap) Allocate(size int) (HeapAllocInfo, error) {
	h.logger.Debug("BuddyHeap::Allocate")

	return h.allocate(size, h.resourceAlignment)
}

// AllocateAligned reserves at least size bytes at an offset that is a multiple of alignment,
// which must be a power of two
func (h *BuddyHeap) AllocateAligned(size int, alignment int) (HeapAllocInfo, error) {
	h.logger.Debug("BuddyHeap::AllocateAligned")

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return HeapAllocInfo{}, err
	}

	return h.allocate(size, alignment)
}

func (h *BuddyHeap) allocate(size, alignment int) (HeapAllocInfo, error) {
	if size <= 0 {
		return HeapAllocInfo{}, errors.Wrapf(memutils.ErrInvalidSize, "heap '%s' allocation of %d bytes", h.name, size)
	}
	if alignment < h.resourceAlignment {
		alignment = h.resourceAlignment
	}

	// Blocks are aligned to their own size, so covering the alignment covers the offset too
	size = memutils.AlignUp(size, alignment)
	pages := memutils.DivideRoundingUp(max(size, alignment), h.pageSize)
	if memutils.NextPow2(pages) > h.maxBlockPages {
		return HeapAllocInfo{}, errors.Wrapf(memutils.ErrOutOfCapacity,
			"heap '%s' cannot hold %d bytes in arenas of %d bytes", h.name, size, h.arenaSize)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for arenaIndex, arena := range h.arenas {
		pageId, numPages, ok := arena.buddy.Allocate(pages)
		if ok {
			return h.trackRecord(h.buildRecord(arenaIndex, pageId, numPages)), nil
		}
	}

	arenaIndex, err := h.createArena()
	if err != nil {
		return HeapAllocInfo{}, err
	}

	pageId, numPages, ok := h.arenas[arenaIndex].buddy.Allocate(pages)
	if !ok {
		return HeapAllocInfo{}, errors.Wrapf(memutils.ErrOutOfCapacity,
			"heap '%s' could not place %d pages in a new arena", h.name, pages)
	}

	return h.trackRecord(h.buildRecord(arenaIndex, pageId, numPages)), nil
}

func (h *BuddyHeap) buildRecord(arenaIndex, pageId, numPages int) HeapAllocInfo {
	offset := pageId * h.pageSize
	return HeapAllocInfo{
		Kind:    AllocatorKindBuddy,
		Heap:    h.id,
		Arena:   arenaIndex,
		Offset:  offset,
		Address: arenaIndex*h.arenaSize + offset,
		Size:    numPages * h.pageSize,
		Page:    pageId,
		Pages:   numPages,
	}
}

func (h *BuddyHeap) createArena() (int, error) {
	arena, err := h.device.CreateArena(h.heapType, h.arenaSize)
	if err != nil {
		return -1, errors.Wrapf(err, "heap '%s' failed to create an arena of %d bytes", h.name, h.arenaSize)
	}

	newArena := &buddyArena{arena: arena}
	newArena.buddy.Init(h.pagesPerArena)

	arenaIndex := len(h.arenas)
	h.arenas = append(h.arenas, newArena)
	h.logArenaCreated(arenaIndex, h.arenaSize)

	return arenaIndex, nil
}

// Deallocate returns the record's block to the arena it was carved from and zeroes the record
func (h *BuddyHeap) Deallocate(record *HeapAllocInfo) error {
	h.logger.Debug("BuddyHeap::Deallocate")

	return h.deallocate(record, false)
}

func (h *BuddyHeap) deallocate(record *HeapAllocInfo, pending bool) error {
	err := h.checkRecord(record)
	if err != nil {
		return err
	}

	arenaIndex := record.Address / h.arenaSize
	offset := record.Address % h.arenaSize
	memutils.DebugAssert(arenaIndex == record.Arena && offset == record.Offset,
		"record %s does not match its address %d", *record, record.Address)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err = h.checkLive(*record, pending)
	if err != nil {
		return err
	}
	if arenaIndex < 0 || arenaIndex >= len(h.arenas) {
		return errors.Newf("record %s refers to arena %d, but heap '%s' has %d arenas", *record, arenaIndex, h.name, len(h.arenas))
	}

	arena := h.arenas[arenaIndex]
	err = arena.buddy.Deallocate(offset/h.pageSize, record.Pages)
	if err != nil {
		return errors.Wrapf(err, "heap '%s' failed to free %s", h.name, *record)
	}
	h.forgetRecord(*record)
	memutils.DebugValidate(&arena.buddy)

	*record = HeapAllocInfo{}
	return nil
}

func (h *BuddyHeap) arenaAt(record HeapAllocInfo) (device.Arena, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if record.Arena < 0 || record.Arena >= len(h.arenas) {
		return nil, errors.Newf("heap '%s' has no arena %d", h.name, record.Arena)
	}
	return h.arenas[record.Arena].arena, nil
}

// Arena returns the device arena that backs the record
func (h *BuddyHeap) Arena(record HeapAllocInfo) (device.Arena, error) {
	return h.arenaAt(record)
}

func (h *BuddyHeap) CreateResource(desc device.ResourceDesc) (device.Resource, HeapAllocInfo, error) {
	h.logger.Debug("BuddyHeap::CreateResource")

	return createResource(&h.heapBase, h, desc)
}

func (h *BuddyHeap) DeleteResource(resource device.Resource, record *HeapAllocInfo) error {
	h.logger.Debug("BuddyHeap::DeleteResource")

	return deleteResource(&h.heapBase, h, resource, record)
}

func (h *BuddyHeap) DeferDeleteResource(resource device.Resource, record *HeapAllocInfo) error {
	h.logger.Debug("BuddyHeap::DeferDeleteResource")

	return h.deferDelete(resource, record)
}

func (h *BuddyHeap) DelayedDelete(submitted, completed fence.Epoch) (int, error) {
	h.logger.Debug("BuddyHeap::DelayedDelete")

	return h.delayedDelete(submitted, completed, releaseAndFree(h))
}

func (h *BuddyHeap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, arena := range h.arenas {
		arena.buddy.AddStatistics(stats, h.pageSize)
	}
}

func (h *BuddyHeap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, arena := range h.arenas {
		arena.buddy.AddDetailedStatistics(stats, h.pageSize)
	}
}

func (h *BuddyHeap) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Kind").String(h.kind.String())
	json.Name("HeapType").String(h.heapType.String())
	json.Name("ArenaSize").Int(h.arenaSize)
	json.Name("PageSize").Int(h.pageSize)

	h.printDeferred(json)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	arenasObj := json.Name("Arenas").Object()
	for arenaIndex, arena := range h.arenas {
		arenaObj := arenasObj.Name(strconv.Itoa(arenaIndex)).Object()
		arena.buddy.BlockJsonData(arenaObj, h.pageSize)
		arenaObj.End()
	}
	arenasObj.End()
}

// BuildStatsString returns a json document describing the heap's statistics and, if detailed is
// true, the free blocks of every arena
func (h *BuddyHeap) BuildStatsString(detailed bool) string {
	return buildStatsString(h, detailed)
}

func (h *BuddyHeap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	allocations := 0
	for arenaIndex, arena := range h.arenas {
		allocations += arena.buddy.AllocationCount()
		if arena.arena.Size() != h.arenaSize {
			return errors.Newf("arena %d has size %d, but the heap's arena size is %d", arenaIndex, arena.arena.Size(), h.arenaSize)
		}
		if arena.buddy.PageCount() != h.pagesPerArena {
			return errors.Newf("arena %d tracks %d pages, but the heap has %d pages per arena", arenaIndex, arena.buddy.PageCount(), h.pagesPerArena)
		}

		err := arena.buddy.Validate()
		if err != nil {
			return errors.Wrapf(err, "arena %d", arenaIndex)
		}
	}

	return h.validateLiveCount(allocations)
}

// Destroy frees every deferred record and releases every arena. Arenas that still hold live
// allocations are logged and left unreleased.
func (h *BuddyHeap) Destroy() error {
	h.logger.Debug("BuddyHeap::Destroy")

	_, err := h.drainDeferred(releaseAndFree(h))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for arenaIndex, arena := range h.arenas {
		if !arena.buddy.IsEmpty() {
			h.logUnreleasedMemory(arenaIndex, arena.buddy.AllocationCount(), (arena.buddy.PageCount()-arena.buddy.FreePageCount())*h.pageSize)
			err = multierror.Append(err, errors.Newf("arena %d of heap '%s' still holds %d allocations", arenaIndex, h.name, arena.buddy.AllocationCount()))
			continue
		}

		releaseErr := arena.arena.Release()
		if releaseErr != nil {
			err = multierror.Append(err, errors.Wrapf(releaseErr, "failed to release arena %d of heap '%s'", arenaIndex, h.name))
		}
	}
	h.arenas = nil

	return err
}
