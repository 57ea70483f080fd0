package vulkan

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpuheap/device"
)

type memoryTypeQuery struct {
	required     core1_0.MemoryPropertyFlags
	preferred    core1_0.MemoryPropertyFlags
	notPreferred core1_0.MemoryPropertyFlags
}

var heapTypeQueries = map[device.HeapType]memoryTypeQuery{
	device.HeapTypeDefault: {
		required:     core1_0.MemoryPropertyDeviceLocal,
		notPreferred: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
	},
	device.HeapTypeUpload: {
		required:     core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		notPreferred: core1_0.MemoryPropertyHostCached,
	},
	device.HeapTypeReadback: {
		required:  core1_0.MemoryPropertyHostVisible,
		preferred: core1_0.MemoryPropertyHostCached | core1_0.MemoryPropertyHostCoherent,
	},
}

func flagCount(flags core1_0.MemoryPropertyFlags) int {
	return bits.OnesCount32(uint32(flags))
}

// findMemoryTypeIndex returns the memory type that carries every required flag of the heap type
// while missing the fewest preferred flags and carrying the fewest unwanted ones
func findMemoryTypeIndex(memoryProperties *core1_0.PhysicalDeviceMemoryProperties, heapType device.HeapType) (int, error) {
	query, ok := heapTypeQueries[heapType]
	if !ok {
		return -1, errors.Newf("unknown heap type: %d", heapType)
	}

	bestIndex := -1
	bestCost := -1
	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		flags := memoryType.PropertyFlags
		if flags&query.required != query.required {
			continue
		}

		cost := flagCount(query.preferred&^flags) + flagCount(query.notPreferred&flags)
		if bestIndex < 0 || cost < bestCost {
			bestIndex = typeIndex
			bestCost = cost

			if cost == 0 {
				break
			}
		}
	}

	if bestIndex < 0 {
		return -1, errors.Wrapf(device.ErrUnsupported, "no memory type can back %s arenas", heapType)
	}

	return bestIndex, nil
}
