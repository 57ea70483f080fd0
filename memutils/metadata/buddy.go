package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpuheap/memutils"
)

// Buddy is a binary buddy allocator over a single arena of pageCount pages. Free blocks
// are tracked per order in a Bitset indexed by pageId >> order, so the lowest free block of
// an order can be found with a word scan and a block's buddy can be tested in constant time.
//
// The page count does not need to be a power of two: the arena is initially carved into the
// largest naturally-aligned blocks that fit, and blocks whose buddy would lie past the end of
// the arena are never merged.
type Buddy struct {
	pageCount       int
	maxOrder        int
	freeBlocks      []Bitset
	freePages       int
	allocationCount int
}

// NewBuddy creates a Buddy managing pageCount pages, all of which are free
func NewBuddy(pageCount int) *Buddy {
	b := &Buddy{}
	b.Init(pageCount)
	return b
}

// Init must be called before a zero-value Buddy is used. All previous allocations are forgotten.
func (b *Buddy) Init(pageCount int) {
	if pageCount < 1 {
		panic("attempted to initialize a buddy allocator with no pages")
	}

	b.pageCount = pageCount
	b.maxOrder = memutils.Log2Floor(pageCount)
	b.freeBlocks = make([]Bitset, b.maxOrder+1)
	for order := 0; order <= b.maxOrder; order++ {
		b.freeBlocks[order].Init(pageCount >> order)
	}

	b.Clear()
}

// Clear instantly frees all allocations
func (b *Buddy) Clear() {
	for order := range b.freeBlocks {
		b.freeBlocks[order].ResetAll()
	}

	pageId := 0
	for pageId < b.pageCount {
		order := b.maxOrder
		for pageId&((1<<order)-1) != 0 || pageId+(1<<order) > b.pageCount {
			order--
		}

		b.freeBlocks[order].Set(pageId >> order)
		pageId += 1 << order
	}

	b.freePages = b.pageCount
	b.allocationCount = 0
}

// PageCount returns the number of pages the allocator was initialized with
func (b *Buddy) PageCount() int { return b.pageCount }

// MaxOrder returns the order of the largest block this allocator can ever hand out
func (b *Buddy) MaxOrder() int { return b.maxOrder }

// FreePageCount returns the number of pages not covered by a live allocation
func (b *Buddy) FreePageCount() int { return b.freePages }

// AllocationCount returns the number of live allocations
func (b *Buddy) AllocationCount() int { return b.allocationCount }

// IsEmpty returns true if there are no live allocations
func (b *Buddy) IsEmpty() bool { return b.allocationCount == 0 }

// Allocate finds a free block of at least the requested number of pages. The request is rounded
// up to a power of two; numPages is the rounded size, which must be passed back to Deallocate.
// ok is false if no free block of sufficient order exists in this arena.
func (b *Buddy) Allocate(pages int) (pageId int, numPages int, ok bool) {
	if pages < 1 {
		return 0, 0, false
	}

	order := memutils.Log2Ceil(pages)
	if order > b.maxOrder {
		return 0, 0, false
	}

	for candidate := order; candidate <= b.maxOrder; candidate++ {
		index, found := b.freeBlocks[candidate].FindFirstSet()
		if !found {
			continue
		}

		b.freeBlocks[candidate].Reset(index)
		pageId = index << candidate

		// Split down, returning the upper half at every step
		for candidate > order {
			candidate--
			b.freeBlocks[candidate].Set((pageId >> candidate) + 1)
		}

		numPages = 1 << order
		b.freePages -= numPages
		b.allocationCount++
		return pageId, numPages, true
	}

	return 0, 0, false
}

// Deallocate returns a block previously handed out by Allocate and merges it with its buddy for
// as long as the buddy is free.
func (b *Buddy) Deallocate(pageId int, numPages int) error {
	if numPages < 1 {
		return errors.Errorf("attempted to free a block of %d pages", numPages)
	}

	order := memutils.Log2Ceil(numPages)
	blockPages := 1 << order
	if pageId < 0 || pageId+blockPages > b.pageCount {
		return errors.Errorf("block at page %d with %d pages lies outside an arena of %d pages", pageId, blockPages, b.pageCount)
	}
	if pageId&(blockPages-1) != 0 {
		return errors.Errorf("block at page %d is not aligned to its size of %d pages", pageId, blockPages)
	}

	if memutils.DebugChecks {
		memutils.DebugAssert(!b.isInsideFreeBlock(pageId, order), "double free of block at page %d with %d pages", pageId, blockPages)
	}

	for order < b.maxOrder {
		buddy := pageId ^ (1 << order)
		if buddy+(1<<order) > b.pageCount || !b.freeBlocks[order].Test(buddy>>order) {
			break
		}

		b.freeBlocks[order].Reset(buddy >> order)
		if buddy < pageId {
			pageId = buddy
		}
		order++
	}

	b.freeBlocks[order].Set(pageId >> order)
	b.freePages += blockPages
	b.allocationCount--
	return nil
}

func (b *Buddy) isInsideFreeBlock(pageId int, order int) bool {
	for candidate := 0; candidate <= b.maxOrder; candidate++ {
		index := pageId >> candidate
		if index < b.freeBlocks[candidate].Size() && b.freeBlocks[candidate].Test(index) {
			return true
		}
	}

	return false
}

// LargestFreeBlock returns the page count of the largest free block, or 0 if the arena is full
func (b *Buddy) LargestFreeBlock() int {
	for order := b.maxOrder; order >= 0; order-- {
		if !b.freeBlocks[order].IsEmpty() {
			return 1 << order
		}
	}

	return 0
}

// VisitFreeBlocks calls the provided callback once for every free block, from the highest
// order to the lowest
func (b *Buddy) VisitFreeBlocks(visit func(pageId int, numPages int)) {
	for order := b.maxOrder; order >= 0; order-- {
		b.freeBlocks[order].VisitSet(func(index int) {
			visit(index<<order, 1<<order)
		})
	}
}

// AddStatistics sums this arena's statistics into stats. pageSize is the number of bytes
// (or descriptors) per page.
func (b *Buddy) AddStatistics(stats *memutils.Statistics, pageSize int) {
	stats.ArenaCount++
	stats.ArenaBytes += b.pageCount * pageSize
	stats.AllocationCount += b.allocationCount
	stats.AllocationBytes += (b.pageCount - b.freePages) * pageSize
}

// AddDetailedStatistics sums this arena's statistics into stats. Individual allocation sizes
// are not tracked by the allocator, so each allocation is reported with the average size of
// the arena's live allocations.
func (b *Buddy) AddDetailedStatistics(stats *memutils.DetailedStatistics, pageSize int) {
	stats.ArenaCount++
	stats.ArenaBytes += b.pageCount * pageSize

	if b.allocationCount > 0 {
		usedBytes := (b.pageCount - b.freePages) * pageSize
		average := usedBytes / b.allocationCount
		for i := 0; i < b.allocationCount; i++ {
			stats.AddAllocation(average)
		}
		stats.AllocationBytes += usedBytes - average*b.allocationCount
	}

	b.VisitFreeBlocks(func(pageId int, numPages int) {
		stats.AddUnusedRange(numPages * pageSize)
	})
}

// BlockJsonData populates a json object with information about this arena
func (b *Buddy) BlockJsonData(json jwriter.ObjectState, pageSize int) {
	json.Name("TotalPages").Int(b.pageCount)
	json.Name("PageSize").Int(pageSize)
	json.Name("FreePages").Int(b.freePages)
	json.Name("Allocations").Int(b.allocationCount)
	json.Name("LargestFreeBlock").Int(b.LargestFreeBlock())

	freeArray := json.Name("FreeBlocks").Array()
	b.VisitFreeBlocks(func(pageId int, numPages int) {
		obj := freeArray.Object()
		obj.Name("Page").Int(pageId)
		obj.Name("Pages").Int(numPages)
		obj.End()
	})
	freeArray.End()
}

// Validate verifies that no two free blocks overlap, that no free block could have been merged
// with its buddy, and that the free page count matches the free lists
func (b *Buddy) Validate() error {
	if len(b.freeBlocks) != b.maxOrder+1 {
		return errors.Errorf("buddy allocator has %d free lists but a maximum order of %d", len(b.freeBlocks), b.maxOrder)
	}

	covered := NewBitset(b.pageCount)
	freePages := 0

	for order := 0; order <= b.maxOrder; order++ {
		err := b.freeBlocks[order].Validate()
		if err != nil {
			return errors.Wrapf(err, "free list of order %d", order)
		}

		var visitErr error
		b.freeBlocks[order].VisitSet(func(index int) {
			if visitErr != nil {
				return
			}

			pageId := index << order
			for page := pageId; page < pageId+(1<<order); page++ {
				if !covered.Set(page) {
					visitErr = errors.Errorf("free block at page %d of order %d overlaps another free block", pageId, order)
					return
				}
			}

			buddy := pageId ^ (1 << order)
			if order < b.maxOrder && buddy+(1<<order) <= b.pageCount && b.freeBlocks[order].Test(buddy>>order) {
				visitErr = errors.Errorf("free block at page %d of order %d was not merged with its free buddy", pageId, order)
				return
			}

			freePages += 1 << order
		})
		if visitErr != nil {
			return visitErr
		}
	}

	if freePages != b.freePages {
		return errors.Errorf("free lists contain %d pages, but the allocator reports %d free pages", freePages, b.freePages)
	}

	if b.allocationCount < 0 || (b.allocationCount == 0 && b.freePages != b.pageCount) {
		return errors.Errorf("allocator reports %d allocations with %d of %d pages free", b.allocationCount, b.freePages, b.pageCount)
	}

	return nil
}
