// Package vulkan implements device.MemoryDevice on top of a vkngwrapper Vulkan device. Each heap
// type is bound to a single memory type when the Device is created, arenas are VkDeviceMemory
// objects of that type, and resources are buffers or images bound into them.
package vulkan

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/memutils"
)

// DefaultMemoryPriority is the ext_memory_priority value given to arenas when Options.Priority is 0
const DefaultMemoryPriority float32 = 0.5

// Options are optional parameters to New: it is valid to leave all the fields blank
type Options struct {
	// AllocationCallbacks are passed to every Vulkan create, allocate, destroy and free call
	AllocationCallbacks *driver.AllocationCallbacks
	// Priority is the ext_memory_priority priority applied to every arena. It is ignored when the
	// extension is not active on the device.
	Priority float32
}

// Device is a device.MemoryDevice backed by Vulkan device memory
type Device struct {
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks

	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	memoryTypes      map[device.HeapType]int

	useMemoryPriority bool
	priority          float32
}

var _ device.MemoryDevice = &Device{}

// New creates a Device
//
// logger - The slog logger to send debug output to. May be nil.
//
// vkDevice - The Device that memory will be allocated from
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, vkDevice core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Device{
		logger:              logger,
		device:              vkDevice,
		allocationCallbacks: options.AllocationCallbacks,
		memoryTypes:         make(map[device.HeapType]int),
		useMemoryPriority:   vkDevice.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		priority:            options.Priority,
	}

	if d.priority == 0 {
		d.priority = DefaultMemoryPriority
	}

	var err error
	d.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	d.memoryProperties = physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(d.deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(d.deviceProperties.Limits.MinUniformBufferOffsetAlignment, "device minUniformBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}

	for _, heapType := range []device.HeapType{device.HeapTypeDefault, device.HeapTypeUpload, device.HeapTypeReadback} {
		typeIndex, err := findMemoryTypeIndex(d.memoryProperties, heapType)
		if err != nil {
			return nil, err
		}
		d.memoryTypes[heapType] = typeIndex
	}

	return d, nil
}

func (d *Device) Properties() device.Properties {
	return device.Properties{
		ResourceAlignment:       d.deviceProperties.Limits.BufferImageGranularity,
		ConstantBufferAlignment: d.deviceProperties.Limits.MinUniformBufferOffsetAlignment,
	}
}

// MemoryTypeIndex returns the Vulkan memory type arenas of the provided heap type are allocated from
func (d *Device) MemoryTypeIndex(heapType device.HeapType) int {
	return d.memoryTypes[heapType]
}

func (d *Device) CreateArena(heapType device.HeapType, size int) (device.Arena, error) {
	d.logger.Debug("Device::CreateArena")

	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "arena size %d", size)
	}

	typeIndex, ok := d.memoryTypes[heapType]
	if !ok {
		return nil, errors.Newf("unknown heap type: %d", heapType)
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = typeIndex
	allocInfo.AllocationSize = size

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocInfo)
	if err != nil {
		if res == core1_0.VKErrorOutOfDeviceMemory || res == core1_0.VKErrorOutOfHostMemory {
			return nil, errors.Mark(errors.Wrapf(err, "failed to allocate %d bytes of %s memory", size, heapType), device.ErrOutOfDeviceMemory)
		}
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of %s memory", size, heapType)
	}

	return &Arena{
		parent:   d,
		memory:   memory,
		heapType: heapType,
		size:     size,
	}, nil
}

func (d *Device) checkMemoryTypeBits(requirements *core1_0.MemoryRequirements, desc device.ResourceDesc, heapType device.HeapType) error {
	typeIndex := d.memoryTypes[heapType]
	if requirements.MemoryTypeBits&(1<<uint32(typeIndex)) == 0 {
		return errors.Wrapf(device.ErrUnsupported, "%s '%s' cannot be placed in %s memory (type bits %#x)",
			desc.Kind, desc.Name, heapType, requirements.MemoryTypeBits)
	}
	return nil
}

func (d *Device) bufferCreateInfo(desc device.ResourceDesc) core1_0.BufferCreateInfo {
	return core1_0.BufferCreateInfo{
		Size:        desc.Size,
		Usage:       core1_0.BufferUsageFlags(desc.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	}
}

func (d *Device) imageCreateInfo(desc device.ResourceDesc) core1_0.ImageCreateInfo {
	mipLevels := desc.MipLevels
	if mipLevels < 1 {
		mipLevels = 1
	}
	arrayLayers := desc.ArrayLayers
	if arrayLayers < 1 {
		arrayLayers = 1
	}

	return core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Format:    core1_0.Format(desc.Format),
		Extent: core1_0.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     mipLevels,
		ArrayLayers:   arrayLayers,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         core1_0.ImageUsageFlags(desc.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	}
}

func (d *Device) ResourceRequirements(desc device.ResourceDesc) (size int, alignment int, err error) {
	d.logger.Debug("Device::ResourceRequirements")

	var requirements *core1_0.MemoryRequirements
	switch desc.Kind {
	case device.ResourceKindBuffer:
		buffer, _, err := d.device.CreateBuffer(d.allocationCallbacks, d.bufferCreateInfo(desc))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "failed to create probe buffer for '%s'", desc.Name)
		}
		defer buffer.Destroy(d.allocationCallbacks)
		requirements = buffer.MemoryRequirements()
	case device.ResourceKindTexture:
		image, _, err := d.device.CreateImage(d.allocationCallbacks, d.imageCreateInfo(desc))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "failed to create probe image for '%s'", desc.Name)
		}
		defer image.Destroy(d.allocationCallbacks)
		requirements = image.MemoryRequirements()
	default:
		return 0, 0, errors.Newf("unknown resource kind: %d", desc.Kind)
	}

	alignment = requirements.Alignment
	if granularity := d.deviceProperties.Limits.BufferImageGranularity; granularity > alignment {
		alignment = granularity
	}

	return requirements.Size, alignment, nil
}

func (d *Device) CreateResource(arena device.Arena, offset int, desc device.ResourceDesc) (device.Resource, error) {
	d.logger.Debug("Device::CreateResource")

	vkArena, ok := arena.(*Arena)
	if !ok || vkArena.parent != d {
		return nil, errors.New("arena was not created by this device")
	}
	if vkArena.released {
		return nil, errors.New("attempted to place a resource in a released arena")
	}

	resource := &Resource{
		arena:  vkArena,
		offset: offset,
		desc:   desc,
	}

	var requirements *core1_0.MemoryRequirements
	switch desc.Kind {
	case device.ResourceKindBuffer:
		buffer, _, err := d.device.CreateBuffer(d.allocationCallbacks, d.bufferCreateInfo(desc))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create buffer '%s'", desc.Name)
		}
		resource.buffer = buffer
		requirements = buffer.MemoryRequirements()
	case device.ResourceKindTexture:
		image, _, err := d.device.CreateImage(d.allocationCallbacks, d.imageCreateInfo(desc))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create image '%s'", desc.Name)
		}
		resource.image = image
		requirements = image.MemoryRequirements()
	default:
		return nil, errors.Newf("unknown resource kind: %d", desc.Kind)
	}

	err := d.checkMemoryTypeBits(requirements, desc, vkArena.heapType)
	if err == nil && offset+requirements.Size > vkArena.size {
		err = errors.Newf("%s '%s' of %d bytes at offset %d overruns an arena of %d bytes",
			desc.Kind, desc.Name, requirements.Size, offset, vkArena.size)
	}
	if err == nil && requirements.Alignment > 0 && offset%requirements.Alignment != 0 {
		err = errors.Newf("offset %d does not satisfy the %d byte alignment of %s '%s'",
			offset, requirements.Alignment, desc.Kind, desc.Name)
	}
	if err == nil {
		err = resource.bind()
	}
	if err != nil {
		resource.destroy()
		return nil, err
	}

	vkArena.resources++
	return resource, nil
}

func vkError(res common.VkResult, err error, call string) error {
	if err != nil {
		return errors.Wrapf(err, "%s failed with %s", call, res)
	}
	return nil
}
