package descriptor

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags are options applied to a descriptor allocator when it is created
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized disables the allocator's mutex. The caller guarantees that the
	// allocator is only accessed from one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

type recordState uint8

const (
	stateLive recordState = iota + 1
	statePendingDelete
)

var recordStateMapping = map[recordState]string{
	stateLive:          "Live",
	statePendingDelete: "PendingDelete",
}

func (s recordState) String() string {
	str, ok := recordStateMapping[s]
	if !ok {
		return "Freed"
	}
	return str
}
