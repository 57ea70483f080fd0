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

const (
	// DefaultSegListMinPageSize is the size of the smallest class when SegListHeapCreateInfo.MinPageSize is 0
	DefaultSegListMinPageSize int = 64 * 1024
	// DefaultSegListMaxOrder is used when SegListHeapCreateInfo.MaxOrder is 0
	DefaultSegListMaxOrder int = 6
	// SegListMaxOrderSmallestOnly is the SegListHeapCreateInfo.MaxOrder that limits a heap to its
	// smallest class, since a MaxOrder of 0 selects DefaultSegListMaxOrder
	SegListMaxOrderSmallestOnly int = -1
	// DefaultSegListPagesPerArena is used when SegListHeapCreateInfo.PagesPerArena is 0
	DefaultSegListPagesPerArena int = 8
)

// SegListHeapCreateInfo is used to build a SegListHeap
type SegListHeapCreateInfo struct {
	// Name is used in log output and statistics
	Name string
	// HeapType is the type of memory every arena is created in
	HeapType device.HeapType
	// MinPageSize is the byte size of the smallest class, which must be a power of two. If 0,
	// DefaultSegListMinPageSize is used.
	MinPageSize int
	// MaxOrder is the order of the largest class: the largest allocation is MinPageSize << MaxOrder.
	// If 0, DefaultSegListMaxOrder is used. Order 0 itself is requested with
	// SegListMaxOrderSmallestOnly; any negative value is treated the same way.
	MaxOrder int
	// PagesPerArena is the number of pages in every arena, regardless of class. If 0,
	// DefaultSegListPagesPerArena is used.
	PagesPerArena int
	Flags         CreateFlags
}

type segListArena struct {
	arena device.Arena
	// Set bits are occupied pages
	pages metadata.Bitset
}

// SegListHeap keeps, for every power-of-two size class up to a maximum order, a growable list of
// arenas holding a fixed number of pages of that class. An allocation is rounded up to its class
// and takes the first idle page of that class.
type SegListHeap struct {
	heapBase

	minPageSize   int
	maxOrder      int
	pagesPerArena int

	classes [][]*segListArena
}

var _ ResourceHeap = &SegListHeap{}

func NewSegListHeap(logger *slog.Logger, memDevice device.MemoryDevice, id HeapID, info SegListHeapCreateInfo) (*SegListHeap, error) {
	h := &SegListHeap{
		minPageSize:   info.MinPageSize,
		maxOrder:      info.MaxOrder,
		pagesPerArena: info.PagesPerArena,
	}
	h.heapBase.init(logger, memDevice, id, info.Name, AllocatorKindSegList, info.HeapType, info.Flags)

	if h.minPageSize == 0 {
		h.minPageSize = DefaultSegListMinPageSize
	}
	if h.maxOrder == 0 {
		h.maxOrder = DefaultSegListMaxOrder
	} else if h.maxOrder < 0 {
		h.maxOrder = 0
	}
	if h.pagesPerArena == 0 {
		h.pagesPerArena = DefaultSegListPagesPerArena
	}

	err := memutils.CheckPow2(h.minPageSize, "SegListHeapCreateInfo.MinPageSize")
	if err != nil {
		return nil, err
	}
	if h.pagesPerArena < 0 {
		return nil, errors.Newf("pages per arena must be positive, but was %d", h.pagesPerArena)
	}
	if alignment := memDevice.Properties().ResourceAlignment; alignment > h.minPageSize {
		return nil, errors.Newf("minimum page size %d is smaller than the device's resource alignment %d", h.minPageSize, alignment)
	}

	h.classes = make([][]*segListArena, h.maxOrder+1)
	return h, nil
}

func (h *SegListHeap) MinPageSize() int   { return h.minPageSize }
func (h *SegListHeap) MaxOrder() int      { return h.maxOrder }
func (h *SegListHeap) PagesPerArena() int { return h.pagesPerArena }

// ClassBytes returns the byte size of every page in the provided class
func (h *SegListHeap) ClassBytes(order int) int {
	return h.minPageSize << order
}

// MaxAllocationSize returns the byte size of the largest class
func (h *SegListHeap) MaxAllocationSize() int {
	return h.ClassBytes(h.maxOrder)
}

// ClassOf returns the class an allocation of size bytes is placed in. ok is false if size is not
// positive or is larger than the largest class.
func (h *SegListHeap) ClassOf(size int) (order int, ok bool) {
	if size <= 0 {
		return 0, false
	}

	order = memutils.Log2Ceil(memutils.DivideRoundingUp(size, h.minPageSize))
	return order, order <= h.maxOrder
}

// ArenaCount returns the number of arenas that have been created for the provided class
func (h *SegListHeap) ArenaCount(order int) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if order < 0 || order > h.maxOrder {
		return 0
	}
	return len(h.classes[order])
}

// Allocate reserves one page of the smallest class that holds size bytes
func (h *SegListHeap) Allocate(size int) (HeapAllocInfo, error) {
	h.logger.Debug("SegListHeap::Allocate")

	return h.allocate(size, 1)
}

func (h *SegListHeap) allocate(size, alignment int) (HeapAllocInfo, error) {
	if size <= 0 {
		return HeapAllocInfo{}, errors.Wrapf(memutils.ErrInvalidSize, "heap '%s' allocation of %d bytes", h.name, size)
	}

	// Pages of a class are aligned to the class size
	order, ok := h.ClassOf(max(size, alignment))
	if !ok {
		return HeapAllocInfo{}, errors.Wrapf(memutils.ErrOutOfCapacity,
			"heap '%s' cannot hold %d bytes: the largest class is %d bytes", h.name, size, h.MaxAllocationSize())
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for arenaIndex, arena := range h.classes[order] {
		page, found := arena.pages.FindFirstClear()
		if found {
			arena.pages.Set(page)
			return h.trackRecord(h.buildRecord(order, arenaIndex, page)), nil
		}
	}

	arenaIndex, err := h.createArena(order)
	if err != nil {
		return HeapAllocInfo{}, err
	}

	h.classes[order][arenaIndex].pages.Set(0)
	return h.trackRecord(h.buildRecord(order, arenaIndex, 0)), nil
}

func (h *SegListHeap) buildRecord(order, arenaIndex, page int) HeapAllocInfo {
	classBytes := h.ClassBytes(order)
	return HeapAllocInfo{
		Kind:    AllocatorKindSegList,
		Heap:    h.id,
		Arena:   arenaIndex,
		Offset:  page * classBytes,
		Address: page * classBytes,
		Size:    classBytes,
		Order:   order,
		Page:    page,
		Pages:   1,
	}
}

func (h *SegListHeap) createArena(order int) (int, error) {
	size := h.pagesPerArena * h.ClassBytes(order)
	arena, err := h.device.CreateArena(h.heapType, size)
	if err != nil {
		return -1, errors.Wrapf(err, "heap '%s' failed to create an arena of %d bytes for class %d", h.name, size, order)
	}

	newArena := &segListArena{arena: arena}
	newArena.pages.Init(h.pagesPerArena)

	arenaIndex := len(h.classes[order])
	h.classes[order] = append(h.classes[order], newArena)
	h.logArenaCreated(arenaIndex, size)

	return arenaIndex, nil
}

// Deallocate marks the record's page idle and zeroes the record
func (h *SegListHeap) Deallocate(record *HeapAllocInfo) error {
	h.logger.Debug("SegListHeap::Deallocate")

	return h.deallocate(record, false)
}

func (h *SegListHeap) lookupArena(record HeapAllocInfo) (*segListArena, error) {
	if record.Order < 0 || record.Order > h.maxOrder {
		return nil, errors.Newf("record %s has class %d, but heap '%s' has a maximum order of %d", record, record.Order, h.name, h.maxOrder)
	}
	arenas := h.classes[record.Order]
	if record.Arena < 0 || record.Arena >= len(arenas) {
		return nil, errors.Newf("record %s refers to arena %d, but class %d of heap '%s' has %d arenas", record, record.Arena, record.Order, h.name, len(arenas))
	}
	if record.Page < 0 || record.Page >= h.pagesPerArena {
		return nil, errors.Newf("record %s refers to page %d, but arenas of heap '%s' have %d pages", record, record.Page, h.name, h.pagesPerArena)
	}

	return arenas[record.Arena], nil
}

func (h *SegListHeap) deallocate(record *HeapAllocInfo, pending bool) error {
	err := h.checkRecord(record)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err = h.checkLive(*record, pending)
	if err != nil {
		return err
	}
	arena, err := h.lookupArena(*record)
	if err != nil {
		return err
	}

	if !arena.pages.Reset(record.Page) {
		memutils.DebugAssert(false, "double free of %s", *record)
		return errors.Newf("heap '%s' freed %s, but its page was already idle", h.name, *record)
	}
	h.forgetRecord(*record)

	*record = HeapAllocInfo{}
	return nil
}

func (h *SegListHeap) arenaAt(record HeapAllocInfo) (device.Arena, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	arena, err := h.lookupArena(record)
	if err != nil {
		return nil, err
	}
	return arena.arena, nil
}

// Arena returns the device arena that backs the record
func (h *SegListHeap) Arena(record HeapAllocInfo) (device.Arena, error) {
	return h.arenaAt(record)
}

func (h *SegListHeap) CreateResource(desc device.ResourceDesc) (device.Resource, HeapAllocInfo, error) {
	h.logger.Debug("SegListHeap::CreateResource")

	return createResource(&h.heapBase, h, desc)
}

func (h *SegListHeap) DeleteResource(resource device.Resource, record *HeapAllocInfo) error {
	h.logger.Debug("SegListHeap::DeleteResource")

	return deleteResource(&h.heapBase, h, resource, record)
}

func (h *SegListHeap) DeferDeleteResource(resource device.Resource, record *HeapAllocInfo) error {
	h.logger.Debug("SegListHeap::DeferDeleteResource")

	return h.deferDelete(resource, record)
}

func (h *SegListHeap) DelayedDelete(submitted, completed fence.Epoch) (int, error) {
	h.logger.Debug("SegListHeap::DelayedDelete")

	return h.delayedDelete(submitted, completed, releaseAndFree(h))
}

func (h *SegListHeap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for order, arenas := range h.classes {
		classBytes := h.ClassBytes(order)
		for _, arena := range arenas {
			stats.ArenaCount++
			stats.ArenaBytes += h.pagesPerArena * classBytes
			stats.AllocationCount += arena.pages.Count()
			stats.AllocationBytes += arena.pages.Count() * classBytes
		}
	}
}

func (h *SegListHeap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for order, arenas := range h.classes {
		classBytes := h.ClassBytes(order)
		for _, arena := range arenas {
			stats.ArenaCount++
			stats.ArenaBytes += h.pagesPerArena * classBytes

			idleRun := 0
			for page := 0; page < h.pagesPerArena; page++ {
				if arena.pages.Test(page) {
					stats.AddAllocation(classBytes)
					if idleRun > 0 {
						stats.AddUnusedRange(idleRun * classBytes)
						idleRun = 0
					}
					continue
				}
				idleRun++
			}
			if idleRun > 0 {
				stats.AddUnusedRange(idleRun * classBytes)
			}
		}
	}
}

func (h *SegListHeap) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Kind").String(h.kind.String())
	json.Name("HeapType").String(h.heapType.String())
	json.Name("MinPageSize").Int(h.minPageSize)
	json.Name("MaxOrder").Int(h.maxOrder)
	json.Name("PagesPerArena").Int(h.pagesPerArena)

	h.printDeferred(json)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	classesObj := json.Name("Classes").Object()
	for order, arenas := range h.classes {
		if len(arenas) == 0 {
			continue
		}

		classObj := classesObj.Name(strconv.Itoa(h.ClassBytes(order))).Array()
		for _, arena := range arenas {
			arenaObj := classObj.Object()
			arenaObj.Name("UsedPages").Int(arena.pages.Count())

			usedArr := arenaObj.Name("Occupied").Array()
			arena.pages.VisitSet(func(page int) {
				usedArr.Int(page)
			})
			usedArr.End()

			arenaObj.End()
		}
		classObj.End()
	}
	classesObj.End()
}

// BuildStatsString returns a json document describing the heap's statistics and, if detailed is
// true, the occupied pages of every arena
func (h *SegListHeap) BuildStatsString(detailed bool) string {
	return buildStatsString(h, detailed)
}

func (h *SegListHeap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	allocations := 0
	for order, arenas := range h.classes {
		arenaSize := h.pagesPerArena * h.ClassBytes(order)
		for arenaIndex, arena := range arenas {
			allocations += arena.pages.Count()
			if arena.arena.Size() != arenaSize {
				return errors.Newf("arena %d of class %d has size %d, but should have size %d", arenaIndex, order, arena.arena.Size(), arenaSize)
			}
			if arena.pages.Size() != h.pagesPerArena {
				return errors.Newf("arena %d of class %d tracks %d pages, but should track %d", arenaIndex, order, arena.pages.Size(), h.pagesPerArena)
			}

			err := arena.pages.Validate()
			if err != nil {
				return errors.Wrapf(err, "arena %d of class %d", arenaIndex, order)
			}
		}
	}

	return h.validateLiveCount(allocations)
}

// Destroy frees every deferred record and releases every arena. Arenas that still hold live
// allocations are logged and left unreleased.
func (h *SegListHeap) Destroy() error {
	h.logger.Debug("SegListHeap::Destroy")

	_, err := h.drainDeferred(releaseAndFree(h))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for order, arenas := range h.classes {
		classBytes := h.ClassBytes(order)
		for arenaIndex, arena := range arenas {
			if !arena.pages.IsEmpty() {
				h.logUnreleasedMemory(arenaIndex, arena.pages.Count(), arena.pages.Count()*classBytes)
				err = multierror.Append(err, errors.Newf("arena %d of class %d in heap '%s' still holds %d allocations", arenaIndex, order, h.name, arena.pages.Count()))
				continue
			}

			releaseErr := arena.arena.Release()
			if releaseErr != nil {
				err = multierror.Append(err, errors.Wrapf(releaseErr, "failed to release arena %d of class %d in heap '%s'", arenaIndex, order, h.name))
			}
		}
		h.classes[order] = nil
	}

	return err
}
