package descriptor

import (
	"fmt"

	"github.com/vkngwrapper/gpuheap/device"
)

// PoolKind identifies which of an allocator's pools a record was carved from
type PoolKind uint32

const (
	// PoolCpu is the CPU-only staging pool
	PoolCpu PoolKind = iota
	// PoolGpu is the shader-visible pool
	PoolGpu
)

var poolKindMapping = map[PoolKind]string{
	PoolCpu: "Cpu",
	PoolGpu: "Gpu",
}

func (k PoolKind) String() string {
	return poolKindMapping[k]
}

// DescriptorAllocInfo is the record returned by every descriptor allocation. It is owned by
// whoever requested the allocation and is zeroed when it is handed back to the allocator.
type DescriptorAllocInfo struct {
	Kind device.DescriptorKind
	Pool PoolKind

	// Table is the index of the descriptor table within its pool
	Table int
	// Offset is the first slot of the allocation within its table
	Offset int
	// Address is the pool-wide slot index: Table * tableSize + Offset
	Address int
	// Count is the number of descriptors that were requested
	Count int
	// Pages is the number of slots reserved, Count rounded up to a power of two
	Pages int

	id uint64
}

// IsNull returns true for records that were never allocated or have already been handed back
func (i DescriptorAllocInfo) IsNull() bool {
	return i.id == 0
}

func (i DescriptorAllocInfo) String() string {
	if i.IsNull() {
		return "DescriptorAllocInfo{null}"
	}
	return fmt.Sprintf("DescriptorAllocInfo{#%d %s %s, table %d, offset %d, count %d}", i.id, i.Kind, i.Pool, i.Table, i.Offset, i.Count)
}
