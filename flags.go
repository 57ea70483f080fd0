package gpuheap

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gpuheap/descriptor"
	"github.com/vkngwrapper/gpuheap/heap"
)

// CreateFlags are options applied to a Context and every heap and allocator it creates
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized indicates that the Context, its heaps and its descriptor
	// allocators will only be accessed from one goroutine at a time. Every internal mutex is
	// disabled.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateNoDescriptors skips creation of the descriptor manager, even when a descriptor device
	// is provided
	CreateNoDescriptors
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateNoDescriptors.Register("CreateNoDescriptors")
}

func (f CreateFlags) heapFlags() heap.CreateFlags {
	if f&CreateExternallySynchronized != 0 {
		return heap.CreateExternallySynchronized
	}
	return 0
}

func (f CreateFlags) descriptorFlags() descriptor.CreateFlags {
	if f&CreateExternallySynchronized != 0 {
		return descriptor.CreateExternallySynchronized
	}
	return 0
}
