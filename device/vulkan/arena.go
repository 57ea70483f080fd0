package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpuheap/device"
)

// Arena is a single VkDeviceMemory allocation
type Arena struct {
	parent   *Device
	memory   core1_0.DeviceMemory
	heapType device.HeapType
	size     int

	mapped    []byte
	resources int
	released  bool
}

var _ device.Arena = &Arena{}

func (a *Arena) Size() int                 { return a.size }
func (a *Arena) HeapType() device.HeapType { return a.heapType }

// DeviceMemory returns the underlying Vulkan memory object
func (a *Arena) DeviceMemory() core1_0.DeviceMemory { return a.memory }

// Map persistently maps the whole arena the first time it is called and returns the same view afterward
func (a *Arena) Map() ([]byte, error) {
	if a.released {
		return nil, errors.New("attempted to map a released arena")
	}
	if !a.heapType.IsHostVisible() {
		return nil, errors.Wrapf(device.ErrUnsupported, "%s arenas cannot be mapped", a.heapType)
	}

	if a.mapped != nil {
		return a.mapped, nil
	}

	ptr, res, err := a.memory.Map(0, -1, 0)
	if err != nil {
		return nil, vkError(res, err, "vkMapMemory")
	}

	a.mapped = unsafe.Slice((*byte)(ptr), a.size)
	return a.mapped, nil
}

func (a *Arena) Release() error {
	if a.released {
		return errors.New("arena was already released")
	}
	if a.resources > 0 {
		return errors.Newf("attempted to release an arena with %d live resources", a.resources)
	}

	if a.mapped != nil {
		a.memory.Unmap()
		a.mapped = nil
	}

	a.memory.Free(a.parent.allocationCallbacks)
	a.released = true
	return nil
}

// Resource is a buffer or image bound into an Arena
type Resource struct {
	arena  *Arena
	offset int
	desc   device.ResourceDesc

	buffer   core1_0.Buffer
	image    core1_0.Image
	released bool
}

var _ device.Resource = &Resource{}

func (r *Resource) Desc() device.ResourceDesc { return r.desc }
func (r *Resource) Arena() device.Arena       { return r.arena }
func (r *Resource) Offset() int               { return r.offset }

// Buffer returns the Vulkan buffer, or nil for textures
func (r *Resource) Buffer() core1_0.Buffer { return r.buffer }

// Image returns the Vulkan image, or nil for buffers
func (r *Resource) Image() core1_0.Image { return r.image }

func (r *Resource) bind() error {
	if r.buffer != nil {
		res, err := r.buffer.BindBufferMemory(r.arena.memory, r.offset)
		return vkError(res, err, "vkBindBufferMemory")
	}

	res, err := r.image.BindImageMemory(r.arena.memory, r.offset)
	return vkError(res, err, "vkBindImageMemory")
}

func (r *Resource) destroy() {
	callbacks := r.arena.parent.allocationCallbacks
	if r.buffer != nil {
		r.buffer.Destroy(callbacks)
		r.buffer = nil
	}
	if r.image != nil {
		r.image.Destroy(callbacks)
		r.image = nil
	}
}

func (r *Resource) Release() error {
	if r.released {
		return errors.Newf("%s '%s' was already released", r.desc.Kind, r.desc.Name)
	}

	r.destroy()
	r.released = true
	r.arena.resources--
	return nil
}
