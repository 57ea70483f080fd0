package descriptor

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/memutils"
)

// ManagerCreateInfo configures a Manager
type ManagerCreateInfo struct {
	// Allocators overrides the configuration of individual descriptor kinds. Kinds that are not
	// listed get DefaultCpuTableSize staging tables, and the resource view kind additionally gets
	// a shader-visible pool of DefaultGpuTableSize tables.
	Allocators []AllocatorCreateInfo
	Flags      CreateFlags
}

// Manager owns one Allocator per descriptor kind
type Manager struct {
	logger     *slog.Logger
	allocators [device.DescriptorKindCount]*Allocator
}

func defaultAllocatorInfo(kind device.DescriptorKind, flags CreateFlags) AllocatorCreateInfo {
	info := AllocatorCreateInfo{
		Kind:         kind,
		CpuTableSize: DefaultCpuTableSize,
		Flags:        flags,
	}
	if kind == device.DescriptorKindResourceView {
		info.GpuTableSize = DefaultGpuTableSize
	}
	return info
}

// NewManager creates an Allocator for every descriptor kind
func NewManager(logger *slog.Logger, descDevice device.DescriptorDevice, info ManagerCreateInfo) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var infos [device.DescriptorKindCount]AllocatorCreateInfo
	for kind := device.DescriptorKind(0); kind < device.DescriptorKindCount; kind++ {
		infos[kind] = defaultAllocatorInfo(kind, info.Flags)
	}
	for _, override := range info.Allocators {
		if override.Kind >= device.DescriptorKindCount {
			return nil, errors.Newf("unknown descriptor kind %d", override.Kind)
		}
		override.Flags |= info.Flags
		infos[override.Kind] = override
	}

	manager := &Manager{logger: logger}
	for kind := range infos {
		allocator, err := NewAllocator(logger, descDevice, infos[kind])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create the %s descriptor allocator", device.DescriptorKind(kind))
		}
		manager.allocators[kind] = allocator
	}

	return manager, nil
}

// Allocator returns the allocator for a descriptor kind
func (m *Manager) Allocator(kind device.DescriptorKind) *Allocator {
	if kind >= device.DescriptorKindCount {
		return nil
	}
	return m.allocators[kind]
}

// Deallocate hands a record back to the allocator that produced it
func (m *Manager) Deallocate(record *DescriptorAllocInfo) error {
	if record == nil || record.IsNull() {
		return errors.Wrap(ErrNotLive, "attempted to deallocate a null descriptor record")
	}

	allocator := m.Allocator(record.Kind)
	if allocator == nil {
		return errors.Newf("record %s has an unknown descriptor kind", record)
	}

	if record.Pool == PoolGpu {
		return allocator.GpuDeallocate(record)
	}
	return allocator.CpuDeallocate(record)
}

// DelayedDelete advances every allocator's deferred frees. It returns the total number of
// records freed.
func (m *Manager) DelayedDelete(submitted, completed fence.Epoch) (int, error) {
	m.logger.Debug("Manager::DelayedDelete")

	var err error
	total := 0
	for _, allocator := range m.allocators {
		freed, deleteErr := allocator.DelayedDelete(submitted, completed)
		total += freed
		if deleteErr != nil {
			err = multierror.Append(err, deleteErr)
		}
	}
	return total, err
}

func (m *Manager) AddStatistics(stats *memutils.Statistics) {
	for _, allocator := range m.allocators {
		allocator.AddStatistics(stats)
	}
}

func (m *Manager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, allocator := range m.allocators {
		allocator.AddDetailedStatistics(stats)
	}
}

// WriteStats writes every allocator's statistics into json, keyed by descriptor kind
func (m *Manager) WriteStats(json *jwriter.ObjectState, detailed bool) {
	for _, allocator := range m.allocators {
		obj := json.Name(allocator.Kind().String()).Object()
		writeStats(allocator, &obj, detailed)
		obj.End()
	}
}

func (m *Manager) Validate() error {
	for _, allocator := range m.allocators {
		err := allocator.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

// Destroy destroys every allocator, aggregating their errors
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	var err error
	for _, allocator := range m.allocators {
		destroyErr := allocator.Destroy()
		if destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
	}
	return err
}
