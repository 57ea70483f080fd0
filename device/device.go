// Package device describes the graphics device services the allocators depend on. The
// allocators never talk to a graphics API directly: backing arenas, resources placed in
// them and descriptor tables all come from a MemoryDevice or DescriptorDevice.
package device

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . Arena,DescriptorDevice,DescriptorTable,MemoryDevice,Resource

import (
	"github.com/cockroachdb/errors"
)

// ErrOutOfDeviceMemory is returned (possibly wrapped) by a device that could not create an arena
var ErrOutOfDeviceMemory = errors.New("out of device memory")

// ErrUnsupported is returned by a device that cannot create the requested kind of object
var ErrUnsupported = errors.New("operation is not supported by this device")

// HeapType identifies which kind of memory an arena is carved from
type HeapType uint32

const (
	// HeapTypeDefault is device-local memory that the CPU cannot access
	HeapTypeDefault HeapType = iota
	// HeapTypeUpload is CPU-writable memory the GPU reads from
	HeapTypeUpload
	// HeapTypeReadback is GPU-writable memory the CPU reads from
	HeapTypeReadback
)

var heapTypeMapping = map[HeapType]string{
	HeapTypeDefault:  "Default",
	HeapTypeUpload:   "Upload",
	HeapTypeReadback: "Readback",
}

func (t HeapType) String() string {
	return heapTypeMapping[t]
}

// IsHostVisible returns true if arenas of this type can be mapped into CPU memory
func (t HeapType) IsHostVisible() bool {
	return t == HeapTypeUpload || t == HeapTypeReadback
}

// ResourceKind identifies the shape of a resource placed into an arena
type ResourceKind uint32

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindTexture
)

var resourceKindMapping = map[ResourceKind]string{
	ResourceKindBuffer:  "Buffer",
	ResourceKindTexture: "Texture",
}

func (k ResourceKind) String() string {
	return resourceKindMapping[k]
}

// ResourceDesc describes a resource the caller wants placed into an arena
type ResourceDesc struct {
	Kind ResourceKind
	Name string

	// Size is the byte size of a buffer. It is ignored for textures.
	Size int
	// Usage is a backend-specific set of usage bits
	Usage uint32

	Width       int
	Height      int
	ArrayLayers int
	MipLevels   int
	// Format is a backend-specific texel format
	Format uint32
}

// Properties are the alignment requirements of a device
type Properties struct {
	// ResourceAlignment is the minimum placement alignment of any resource within an arena
	ResourceAlignment int
	// ConstantBufferAlignment is the alignment of constant buffer views
	ConstantBufferAlignment int
}

// Arena is one fixed-size backing allocation
type Arena interface {
	Size() int
	HeapType() HeapType
	// Map returns the CPU view of the whole arena. It fails for arenas that are not host visible.
	Map() ([]byte, error)
	Release() error
}

// Resource is a device object bound to a range of an arena
type Resource interface {
	Desc() ResourceDesc
	Arena() Arena
	Offset() int
	Release() error
}

// MemoryDevice creates arenas and places resources in them
type MemoryDevice interface {
	Properties() Properties
	CreateArena(heapType HeapType, size int) (Arena, error)
	// ResourceRequirements reports how many bytes a resource needs and how its offset must be aligned
	ResourceRequirements(desc ResourceDesc) (size int, alignment int, err error)
	CreateResource(arena Arena, offset int, desc ResourceDesc) (Resource, error)
}
