package heap

import (
	"fmt"
)

// HeapID identifies a heap within its owner. It is not a pointer to the heap: records route back
// to their heap by looking the id up.
type HeapID uint32

// HeapAllocInfo is the record returned by every heap allocation. It is owned by whoever requested
// the allocation and is zeroed when the allocation is returned to the heap.
type HeapAllocInfo struct {
	Kind AllocatorKind
	Heap HeapID

	// Arena is the index of the arena within its heap. For seg-list heaps it is the index within
	// the record's size class.
	Arena int
	// Offset is the byte offset of the allocation within its arena
	Offset int
	// Address is the heap-wide address of the allocation: Arena * arenaSize + Offset for heaps
	// with uniformly-sized arenas, Offset otherwise
	Address int
	// Size is the number of bytes reserved for the allocation, which may be larger than requested
	Size int

	// Order is the seg-list size class of the allocation
	Order int
	// Page is the first page (buddy, seg-list) or slot (circular) of the allocation within its arena
	Page int
	// Pages is the number of pages the allocation spans
	Pages int

	sequence uint64
}

// IsNull returns true for records that were never allocated or have already been returned to
// their heap
func (i HeapAllocInfo) IsNull() bool {
	return i.Kind == AllocatorKindNone
}

func (i HeapAllocInfo) String() string {
	if i.IsNull() {
		return "HeapAllocInfo{null}"
	}
	return fmt.Sprintf("HeapAllocInfo{%s heap %d, arena %d, offset %d, size %d}", i.Kind, i.Heap, i.Arena, i.Offset, i.Size)
}
