// Package host implements the device interfaces entirely in Go memory. Arenas are byte
// slices and descriptor tables are slices of descriptor payloads, which makes it suitable
// for CPU-only staging pools and for exercising the allocators without a GPU.
package host

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/memutils"
)

const (
	defaultResourceAlignment       = 256
	defaultConstantBufferAlignment = 256
	defaultTextureAlignment        = 64 * 1024
	defaultDescriptorIncrement     = 32
	defaultTexelSize               = 4

	cpuHandleBase uint64 = 0x10000
	gpuHandleBase uint64 = 0x100000000
	handleGap     uint64 = 0x1000
)

// Options configures a host Device. Every field may be left at its zero value.
type Options struct {
	ResourceAlignment       int
	ConstantBufferAlignment int
	TextureAlignment        int
	DescriptorIncrement     int
	// TexelSize is the number of bytes used per texel when sizing textures
	TexelSize int
	// MaxArenaBytes limits the total size of live arenas, 0 means unlimited. Arena creation
	// beyond the limit fails with device.ErrOutOfDeviceMemory.
	MaxArenaBytes int
}

// Device is a device.MemoryDevice and device.DescriptorDevice backed by Go memory
type Device struct {
	logger  *slog.Logger
	options Options

	mutex       sync.Mutex
	arenas      *swiss.Map[uint64, *Arena]
	nextArenaId uint64
	arenaBytes  int

	tables        []*DescriptorTable
	nextCpuHandle uint64
	nextGpuHandle uint64
}

var _ device.MemoryDevice = &Device{}
var _ device.DescriptorDevice = &Device{}

// New creates a host Device
func New(logger *slog.Logger, options Options) (*Device, error) {
	if options.ResourceAlignment == 0 {
		options.ResourceAlignment = defaultResourceAlignment
	}
	if options.ConstantBufferAlignment == 0 {
		options.ConstantBufferAlignment = defaultConstantBufferAlignment
	}
	if options.TextureAlignment == 0 {
		options.TextureAlignment = defaultTextureAlignment
	}
	if options.DescriptorIncrement == 0 {
		options.DescriptorIncrement = defaultDescriptorIncrement
	}
	if options.TexelSize == 0 {
		options.TexelSize = defaultTexelSize
	}

	for name, value := range map[string]int{
		"ResourceAlignment":       options.ResourceAlignment,
		"ConstantBufferAlignment": options.ConstantBufferAlignment,
		"TextureAlignment":        options.TextureAlignment,
	} {
		err := memutils.CheckPow2(value, name)
		if err != nil {
			return nil, err
		}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Device{
		logger:        logger,
		options:       options,
		arenas:        swiss.NewMap[uint64, *Arena](8),
		nextCpuHandle: cpuHandleBase,
		nextGpuHandle: gpuHandleBase,
	}, nil
}

// Properties returns the alignment requirements of this device
func (d *Device) Properties() device.Properties {
	return device.Properties{
		ResourceAlignment:       d.options.ResourceAlignment,
		ConstantBufferAlignment: d.options.ConstantBufferAlignment,
	}
}

// LiveArenaCount returns the number of arenas that have been created and not released
func (d *Device) LiveArenaCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.arenas.Count()
}

// LiveArenaBytes returns the combined size of all arenas that have not been released
func (d *Device) LiveArenaBytes() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.arenaBytes
}

// CreateArena allocates a zeroed byte slice of the requested size
func (d *Device) CreateArena(heapType device.HeapType, size int) (device.Arena, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "arena size %d", size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.options.MaxArenaBytes > 0 && d.arenaBytes+size > d.options.MaxArenaBytes {
		return nil, errors.Wrapf(device.ErrOutOfDeviceMemory, "creating a %d byte %s arena would exceed the %d byte limit", size, heapType, d.options.MaxArenaBytes)
	}

	d.nextArenaId++
	arena := &Arena{
		parent:   d,
		id:       d.nextArenaId,
		heapType: heapType,
		data:     make([]byte, size),
	}
	d.arenas.Put(arena.id, arena)
	d.arenaBytes += size

	d.logger.Debug("host arena created", slog.Uint64("id", arena.id), slog.Int("size", size), slog.String("heapType", heapType.String()))
	return arena, nil
}

func (d *Device) releaseArena(arena *Arena) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.arenas.Get(arena.id); !ok {
		return errors.Newf("arena %d has already been released", arena.id)
	}
	if arena.resources > 0 {
		return errors.Newf("arena %d still has %d live resources", arena.id, arena.resources)
	}

	d.arenas.Delete(arena.id)
	d.arenaBytes -= len(arena.data)
	arena.data = nil
	return nil
}

// ResourceRequirements reports the size and alignment a resource needs. Textures are sized as
// a full mip chain of TexelSize texels and aligned to the texture alignment.
func (d *Device) ResourceRequirements(desc device.ResourceDesc) (int, int, error) {
	switch desc.Kind {
	case device.ResourceKindBuffer:
		if desc.Size <= 0 {
			return 0, 0, errors.Wrapf(memutils.ErrInvalidSize, "buffer %q has size %d", desc.Name, desc.Size)
		}
		return memutils.AlignUp(desc.Size, d.options.ResourceAlignment), d.options.ResourceAlignment, nil
	case device.ResourceKindTexture:
		if desc.Width <= 0 || desc.Height <= 0 {
			return 0, 0, errors.Wrapf(memutils.ErrInvalidSize, "texture %q has extent %dx%d", desc.Name, desc.Width, desc.Height)
		}

		layers := desc.ArrayLayers
		if layers < 1 {
			layers = 1
		}
		mips := desc.MipLevels
		if mips < 1 {
			mips = 1
		}

		texels := 0
		for mip := 0; mip < mips; mip++ {
			width := desc.Width >> mip
			if width < 1 {
				width = 1
			}
			height := desc.Height >> mip
			if height < 1 {
				height = 1
			}
			texels += width * height
		}

		size := texels * layers * d.options.TexelSize
		return memutils.AlignUp(size, d.options.TextureAlignment), d.options.TextureAlignment, nil
	}

	return 0, 0, errors.Wrapf(device.ErrUnsupported, "unknown resource kind %d", desc.Kind)
}

// CreateResource places a resource at the provided offset of an arena created by this device
func (d *Device) CreateResource(arena device.Arena, offset int, desc device.ResourceDesc) (device.Resource, error) {
	hostArena, ok := arena.(*Arena)
	if !ok || hostArena.parent != d {
		return nil, errors.New("arena was not created by this device")
	}

	size, alignment, err := d.ResourceRequirements(desc)
	if err != nil {
		return nil, err
	}

	if offset%alignment != 0 {
		return nil, errors.Newf("resource %q placed at offset %d, which is not aligned to %d", desc.Name, offset, alignment)
	}
	if offset < 0 || offset+size > hostArena.Size() {
		return nil, errors.Newf("resource %q of %d bytes at offset %d does not fit in an arena of %d bytes", desc.Name, size, offset, hostArena.Size())
	}

	d.mutex.Lock()
	hostArena.resources++
	d.mutex.Unlock()

	return &Resource{
		arena:  hostArena,
		offset: offset,
		size:   size,
		desc:   desc,
	}, nil
}

func (d *Device) findTable(handle device.CpuHandle) (*DescriptorTable, int, error) {
	index := sort.Search(len(d.tables), func(i int) bool {
		return d.tables[i].cpuEnd() > uint64(handle)
	})
	if index == len(d.tables) || uint64(handle) < uint64(d.tables[index].cpuBase) {
		return nil, 0, errors.Newf("descriptor handle %#x does not belong to any live table", uint64(handle))
	}

	table := d.tables[index]
	offset := uint64(handle) - uint64(table.cpuBase)
	if offset%uint64(table.increment) != 0 {
		return nil, 0, errors.Newf("descriptor handle %#x is not aligned to a slot", uint64(handle))
	}

	return table, int(offset / uint64(table.increment)), nil
}
