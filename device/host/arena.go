package host

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuheap/device"
)

// Arena is a host memory arena
type Arena struct {
	parent    *Device
	id        uint64
	heapType  device.HeapType
	data      []byte
	resources int
}

var _ device.Arena = &Arena{}

func (a *Arena) ID() uint64                { return a.id }
func (a *Arena) Size() int                 { return len(a.data) }
func (a *Arena) HeapType() device.HeapType { return a.heapType }

// Map returns the arena's memory. Default heap arenas cannot be mapped, matching GPU devices
// where device-local memory is not host visible.
func (a *Arena) Map() ([]byte, error) {
	if !a.heapType.IsHostVisible() {
		return nil, errors.Newf("attempted to map a %s arena, which is not host visible", a.heapType)
	}
	if a.data == nil {
		return nil, errors.New("attempted to map an arena that has been released")
	}

	return a.data, nil
}

func (a *Arena) Release() error {
	return a.parent.releaseArena(a)
}

// Resource is a buffer or texture placed into a host Arena
type Resource struct {
	arena    *Arena
	offset   int
	size     int
	desc     device.ResourceDesc
	released bool
}

var _ device.Resource = &Resource{}

func (r *Resource) Desc() device.ResourceDesc { return r.desc }
func (r *Resource) Arena() device.Arena       { return r.arena }
func (r *Resource) Offset() int               { return r.offset }
func (r *Resource) Size() int                 { return r.size }

func (r *Resource) Release() error {
	if r.released {
		return errors.Newf("resource %q has already been released", r.desc.Name)
	}

	r.arena.parent.mutex.Lock()
	defer r.arena.parent.mutex.Unlock()

	r.released = true
	r.arena.resources--
	return nil
}
