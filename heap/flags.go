package heap

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags are options applied to a heap when it is created
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized indicates that the heap will only ever be accessed from one
	// goroutine at a time, or that the caller synchronizes access itself. The heap's mutex is
	// disabled.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// AllocatorKind identifies which kind of heap produced a HeapAllocInfo
type AllocatorKind uint32

const (
	AllocatorKindNone AllocatorKind = iota
	AllocatorKindBuddy
	AllocatorKindSegList
	AllocatorKindCircular
)

var allocatorKindMapping = map[AllocatorKind]string{
	AllocatorKindNone:     "None",
	AllocatorKindBuddy:    "Buddy",
	AllocatorKindSegList:  "SegList",
	AllocatorKindCircular: "Circular",
}

func (k AllocatorKind) String() string {
	return allocatorKindMapping[k]
}
