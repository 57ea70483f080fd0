// Package descriptor suballocates runs of descriptor slots out of fixed-size descriptor tables.
// Each descriptor kind has a CPU-only staging pool and, for kinds that may be bound for shader
// access, a shader-visible pool. Frees are deferred until the GPU has completed the frame that
// last referenced the descriptors.
package descriptor

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/internal/utils"
	"github.com/vkngwrapper/gpuheap/memutils"
)

const (
	DefaultCpuTableSize = 1024
	DefaultGpuTableSize = 4096
)

// AllocatorCreateInfo configures an Allocator
type AllocatorCreateInfo struct {
	Kind device.DescriptorKind
	// CpuTableSize is the number of slots in each staging table. If 0, DefaultCpuTableSize is used.
	CpuTableSize int
	// GpuTableSize is the number of slots in each shader-visible table. If 0, the allocator has no
	// shader-visible pool. Kinds that cannot be shader visible must leave this at 0.
	GpuTableSize int
	Flags        CreateFlags
}

// ErrNotLive is returned when a record is used after it has been handed back to its allocator
var ErrNotLive = errors.New("descriptor record is not live")

// Allocator hands out runs of descriptor slots of a single kind
type Allocator struct {
	logger *slog.Logger
	device device.DescriptorDevice
	kind   device.DescriptorKind

	mutex utils.OptionalMutex
	cpu   *pool
	gpu   *pool

	nextID  uint64
	states  *swiss.Map[uint64, recordState]
	pending fence.DeferredQueue[DescriptorAllocInfo]
}

// NewAllocator creates an Allocator. No tables are created until the first allocation.
func NewAllocator(logger *slog.Logger, descDevice device.DescriptorDevice, info AllocatorCreateInfo) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if descDevice == nil {
		return nil, errors.New("attempted to create a descriptor allocator without a device")
	}

	if info.CpuTableSize == 0 {
		info.CpuTableSize = DefaultCpuTableSize
	}
	if info.CpuTableSize < 0 || info.GpuTableSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "%s table sizes %d/%d", info.Kind, info.CpuTableSize, info.GpuTableSize)
	}
	if info.GpuTableSize > 0 && !info.Kind.CanBeShaderVisible() {
		return nil, errors.Wrapf(device.ErrUnsupported, "%s descriptors cannot be shader visible", info.Kind)
	}

	allocator := &Allocator{
		logger: logger,
		device: descDevice,
		kind:   info.Kind,
		mutex:  utils.OptionalMutex{UseMutex: info.Flags&CreateExternallySynchronized == 0},
		cpu:    newPool(descDevice, info.Kind, PoolCpu, info.CpuTableSize),
		nextID: 1,
		states: swiss.NewMap[uint64, recordState](64),
	}

	if info.GpuTableSize > 0 {
		allocator.gpu = newPool(descDevice, info.Kind, PoolGpu, info.GpuTableSize)
	}

	return allocator, nil
}

func (a *Allocator) Kind() device.DescriptorKind { return a.kind }

// HasGpuPool returns true if the allocator can hand out shader-visible descriptors
func (a *Allocator) HasGpuPool() bool { return a.gpu != nil }

func (a *Allocator) poolFor(poolKind PoolKind) (*pool, error) {
	switch poolKind {
	case PoolCpu:
		return a.cpu, nil
	case PoolGpu:
		if a.gpu == nil {
			return nil, errors.Wrapf(device.ErrUnsupported, "the %s allocator has no shader-visible pool", a.kind)
		}
		return a.gpu, nil
	}
	return nil, errors.Newf("unknown descriptor pool %d", poolKind)
}

// CpuAllocate reserves count contiguous slots in a CPU-only staging table
func (a *Allocator) CpuAllocate(count int) (DescriptorAllocInfo, error) {
	a.logger.Debug("Allocator::CpuAllocate")
	return a.allocate(PoolCpu, count)
}

// GpuAllocate reserves count contiguous slots in a shader-visible table
func (a *Allocator) GpuAllocate(count int) (DescriptorAllocInfo, error) {
	a.logger.Debug("Allocator::GpuAllocate")
	return a.allocate(PoolGpu, count)
}

func (a *Allocator) allocate(poolKind PoolKind, count int) (DescriptorAllocInfo, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	p, err := a.poolFor(poolKind)
	if err != nil {
		return DescriptorAllocInfo{}, err
	}

	record, createdTable, err := p.allocate(a.device, count)
	if createdTable >= 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created descriptor table",
			slog.String("kind", a.kind.String()),
			slog.String("pool", poolKind.String()),
			slog.Int("table", createdTable),
			slog.Int("slots", p.tableSize),
		)
	}
	if err != nil {
		return DescriptorAllocInfo{}, err
	}

	record.id = a.nextID
	a.nextID++
	a.states.Put(record.id, stateLive)

	return record, nil
}

// CpuDeallocate hands a staging record back to the allocator. Its slots are not reused until a
// DelayedDelete call observes that the frame in which it was freed has completed on the GPU. The
// caller's record is zeroed.
func (a *Allocator) CpuDeallocate(record *DescriptorAllocInfo) error {
	a.logger.Debug("Allocator::CpuDeallocate")
	return a.deallocate(PoolCpu, record)
}

// GpuDeallocate hands a shader-visible record back to the allocator, in the same manner as
// CpuDeallocate
func (a *Allocator) GpuDeallocate(record *DescriptorAllocInfo) error {
	a.logger.Debug("Allocator::GpuDeallocate")
	return a.deallocate(PoolGpu, record)
}

func (a *Allocator) checkRecord(poolKind PoolKind, record DescriptorAllocInfo) error {
	if record.IsNull() {
		return errors.Wrapf(ErrNotLive, "null %s record", a.kind)
	}
	if record.Kind != a.kind {
		return errors.Newf("record %s does not belong to the %s allocator", record, a.kind)
	}
	if record.Pool != poolKind {
		return errors.Newf("record %s was not allocated from the %s pool", record, poolKind)
	}
	return nil
}

func (a *Allocator) liveState(record DescriptorAllocInfo) error {
	state, ok := a.states.Get(record.id)
	memutils.DebugAssert(ok && state == stateLive, "record %s is in state %s", record, state)
	if !ok || state != stateLive {
		return errors.Wrapf(ErrNotLive, "record %s is %s", record, state)
	}
	return nil
}

func (a *Allocator) deallocate(poolKind PoolKind, record *DescriptorAllocInfo) error {
	if record == nil {
		return errors.New("attempted to deallocate a nil descriptor record")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.checkRecord(poolKind, *record)
	if err != nil {
		return err
	}
	err = a.liveState(*record)
	if err != nil {
		return err
	}

	a.states.Put(record.id, statePendingDelete)
	a.pending.Defer(*record)
	*record = DescriptorAllocInfo{}
	return nil
}

// DelayedDelete tags every record deallocated since the last call with submitted, then returns
// to their tables the slots of every record whose tag has been completed. It returns the
// number of records freed.
func (a *Allocator) DelayedDelete(submitted, completed fence.Epoch) (int, error) {
	a.logger.Debug("Allocator::DelayedDelete")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	freed := a.pending.Advance(submitted, completed, func(record DescriptorAllocInfo) {
		err = a.free(record, err)
	})
	return freed, err
}

func (a *Allocator) free(record DescriptorAllocInfo, err error) error {
	state, _ := a.states.Get(record.id)
	memutils.DebugAssert(state == statePendingDelete, "freeing record %s in state %s", record, state)
	a.states.Delete(record.id)

	p, poolErr := a.poolFor(record.Pool)
	if poolErr == nil {
		poolErr = p.free(record)
	}
	if poolErr != nil {
		return multierror.Append(err, poolErr)
	}
	return err
}

func (a *Allocator) handleRecord(poolKind PoolKind, record DescriptorAllocInfo, offset int) (*pool, error) {
	err := a.checkRecord(poolKind, record)
	if err != nil {
		return nil, err
	}
	err = a.liveState(record)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= record.Count {
		return nil, errors.Newf("descriptor offset %d is outside of record %s", offset, record)
	}
	return a.poolFor(poolKind)
}

// GetCpuHandle returns the CPU handle of the slot at offset within the record. Records from
// either pool have CPU handles.
func (a *Allocator) GetCpuHandle(record DescriptorAllocInfo, offset int) (device.CpuHandle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	p, err := a.handleRecord(record.Pool, record, offset)
	if err != nil {
		return 0, err
	}
	return p.cpuHandle(record, offset)
}

// GetGpuHandle returns the GPU handle of the slot at offset within a shader-visible record
func (a *Allocator) GetGpuHandle(record DescriptorAllocInfo, offset int) (device.GpuHandle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	p, err := a.handleRecord(PoolGpu, record, offset)
	if err != nil {
		return 0, err
	}
	return p.gpuHandle(record, offset)
}

// CopyToGpu copies the first count descriptors of a staging record into a shader-visible record
func (a *Allocator) CopyToGpu(dst DescriptorAllocInfo, src DescriptorAllocInfo, count int) error {
	a.logger.Debug("Allocator::CopyToGpu")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if count <= 0 || count > src.Count || count > dst.Count {
		return errors.Newf("cannot copy %d descriptors from %s to %s", count, src, dst)
	}

	srcPool, err := a.handleRecord(PoolCpu, src, 0)
	if err != nil {
		return errors.Wrap(err, "source")
	}
	dstPool, err := a.handleRecord(PoolGpu, dst, 0)
	if err != nil {
		return errors.Wrap(err, "destination")
	}

	srcHandle, err := srcPool.cpuHandle(src, 0)
	if err != nil {
		return err
	}
	dstHandle, err := dstPool.cpuHandle(dst, 0)
	if err != nil {
		return err
	}

	return a.device.CopyDescriptors(dstHandle, srcHandle, count, a.kind)
}

// LiveCount returns the number of records that have not been deallocated
func (a *Allocator) LiveCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.states.Count() - a.pending.PendingCount() - a.pending.QueuedCount()
}

// PendingDeleteCount returns the number of deallocated records whose slots have not been freed
func (a *Allocator) PendingDeleteCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pending.PendingCount() + a.pending.QueuedCount()
}

// TableCount returns the number of tables in the requested pool
func (a *Allocator) TableCount(poolKind PoolKind) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	p, err := a.poolFor(poolKind)
	if err != nil {
		return 0
	}
	return len(p.tables)
}

func (a *Allocator) pools() []*pool {
	if a.gpu == nil {
		return []*pool{a.cpu}
	}
	return []*pool{a.cpu, a.gpu}
}

// AddStatistics sums the allocator's statistics into stats. Sizes are measured in descriptor
// slots rather than bytes.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, p := range a.pools() {
		p.addStatistics(stats)
	}
}

func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, p := range a.pools() {
		p.addDetailedStatistics(stats)
	}
}

func (a *Allocator) PrintDetailedMap(json *jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("Kind").String(a.kind.String())

	for _, p := range a.pools() {
		poolObj := json.Name(p.poolKind.String()).Object()
		p.printDetailedMap(&poolObj)
		poolObj.End()
	}

	arr := json.Name("PendingDeletes").Array()
	a.pending.VisitAll(func(record DescriptorAllocInfo, sealed bool, epoch fence.Epoch) {
		obj := arr.Object()
		obj.Name("Pool").String(record.Pool.String())
		obj.Name("Address").Int(record.Address)
		obj.Name("Pages").Int(record.Pages)
		if sealed {
			obj.Name("Epoch").Int(int(epoch))
		}
		obj.End()
	})
	arr.End()
}

// BuildStatsString returns a json string describing the allocator's tables
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	writeStats(a, &obj, detailed)
	obj.End()

	return string(writer.Bytes())
}

func writeStats(a *Allocator, json *jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	totalObj := json.Name("Total").Object()
	stats.WriteJson(&totalObj)
	totalObj.End()

	if detailed {
		mapObj := json.Name("DetailedMap").Object()
		a.PrintDetailedMap(&mapObj)
		mapObj.End()
	}
}

// Validate checks every table's buddy allocator, and checks that the record state table agrees
// with the tables' allocation counts
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	allocations := 0
	for _, p := range a.pools() {
		err := p.validate()
		if err != nil {
			return errors.Wrapf(err, "%s allocator", a.kind)
		}
		allocations += p.allocationCount()
	}

	if allocations != a.states.Count() {
		return errors.Newf("%s allocator tracks %d records, but its tables hold %d allocations", a.kind, a.states.Count(), allocations)
	}

	pendingStates := 0
	a.states.Iter(func(id uint64, state recordState) bool {
		if state == statePendingDelete {
			pendingStates++
		}
		return false
	})
	pending := a.pending.PendingCount() + a.pending.QueuedCount()
	if pendingStates != pending {
		return errors.Newf("%s allocator has %d records pending delete, but %d deferred frees", a.kind, pendingStates, pending)
	}

	return nil
}

// Destroy frees every pending record regardless of GPU progress, then releases the allocator's
// tables. Tables that still hold live records are reported and left unreleased.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.pending.Drain(func(record DescriptorAllocInfo) {
		err = a.free(record, err)
	})

	logUnreleased := func(poolKind PoolKind, tableIndex int, allocations int) {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED DESCRIPTORS] descriptor table still holds allocations",
			slog.String("kind", a.kind.String()),
			slog.String("pool", poolKind.String()),
			slog.Int("table", tableIndex),
			slog.Int("allocations", allocations),
		)
	}

	for _, p := range a.pools() {
		releaseErr := p.release(logUnreleased)
		if releaseErr != nil {
			err = multierror.Append(err, releaseErr)
		}
	}

	a.states = swiss.NewMap[uint64, recordState](64)
	return err
}
