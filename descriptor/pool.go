package descriptor

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/memutils"
	"github.com/vkngwrapper/gpuheap/memutils/metadata"
)

type poolTable struct {
	table device.DescriptorTable
	buddy metadata.Buddy
}

// pool is a growable list of same-sized descriptor tables, each suballocated by a Buddy whose
// pages are single descriptor slots
type pool struct {
	kind          device.DescriptorKind
	poolKind      PoolKind
	shaderVisible bool
	tableSize     int
	maxBlockPages int
	increment     int

	tables []*poolTable
}

func newPool(descDevice device.DescriptorDevice, kind device.DescriptorKind, poolKind PoolKind, tableSize int) *pool {
	return &pool{
		kind:          kind,
		poolKind:      poolKind,
		shaderVisible: poolKind == PoolGpu,
		tableSize:     tableSize,
		maxBlockPages: 1 << memutils.Log2Floor(tableSize),
		increment:     descDevice.DescriptorIncrement(kind),
	}
}

func (p *pool) createTable(descDevice device.DescriptorDevice) (int, error) {
	table, err := descDevice.CreateDescriptorTable(p.kind, p.tableSize, p.shaderVisible)
	if err != nil {
		return -1, errors.Wrapf(err, "failed to create a %s %s descriptor table of %d slots", p.poolKind, p.kind, p.tableSize)
	}

	newTable := &poolTable{table: table}
	newTable.buddy.Init(p.tableSize)

	p.tables = append(p.tables, newTable)
	return len(p.tables) - 1, nil
}

// allocate places count slots in the first table with room, creating at most one new table.
// It returns the index of a newly created table, or -1.
func (p *pool) allocate(descDevice device.DescriptorDevice, count int) (record DescriptorAllocInfo, createdTable int, err error) {
	createdTable = -1
	if count <= 0 {
		return DescriptorAllocInfo{}, createdTable, errors.Wrapf(memutils.ErrInvalidSize, "allocation of %d %s descriptors", count, p.kind)
	}
	if memutils.NextPow2(count) > p.maxBlockPages {
		return DescriptorAllocInfo{}, createdTable, errors.Wrapf(memutils.ErrOutOfCapacity,
			"%d %s descriptors cannot fit in %s tables of %d slots", count, p.kind, p.poolKind, p.tableSize)
	}

	for tableIndex, table := range p.tables {
		offset, pages, ok := table.buddy.Allocate(count)
		if ok {
			return p.buildRecord(tableIndex, offset, pages, count), createdTable, nil
		}
	}

	tableIndex, err := p.createTable(descDevice)
	if err != nil {
		return DescriptorAllocInfo{}, createdTable, err
	}
	createdTable = tableIndex

	offset, pages, ok := p.tables[tableIndex].buddy.Allocate(count)
	if !ok {
		return DescriptorAllocInfo{}, createdTable, errors.Wrapf(memutils.ErrOutOfCapacity,
			"could not place %d %s descriptors in a new table", count, p.kind)
	}

	return p.buildRecord(tableIndex, offset, pages, count), createdTable, nil
}

func (p *pool) buildRecord(tableIndex, offset, pages, count int) DescriptorAllocInfo {
	return DescriptorAllocInfo{
		Kind:    p.kind,
		Pool:    p.poolKind,
		Table:   tableIndex,
		Offset:  offset,
		Address: tableIndex*p.tableSize + offset,
		Count:   count,
		Pages:   pages,
	}
}

func (p *pool) lookup(record DescriptorAllocInfo) (*poolTable, error) {
	tableIndex := record.Address / p.tableSize
	memutils.DebugAssert(tableIndex == record.Table && record.Address%p.tableSize == record.Offset,
		"record %s does not match its address %d", record, record.Address)

	if tableIndex < 0 || tableIndex >= len(p.tables) {
		return nil, errors.Newf("record %s refers to table %d, but the %s pool has %d tables", record, tableIndex, p.poolKind, len(p.tables))
	}
	return p.tables[tableIndex], nil
}

func (p *pool) free(record DescriptorAllocInfo) error {
	memutils.DebugCheckPow2(record.Pages, "record.Pages")

	table, err := p.lookup(record)
	if err != nil {
		return err
	}

	err = table.buddy.Deallocate(record.Address%p.tableSize, record.Pages)
	if err != nil {
		return errors.Wrapf(err, "failed to free %s", record)
	}
	memutils.DebugValidate(&table.buddy)
	return nil
}

func (p *pool) cpuHandle(record DescriptorAllocInfo, offset int) (device.CpuHandle, error) {
	table, err := p.lookup(record)
	if err != nil {
		return 0, err
	}
	return table.table.CpuBase() + device.CpuHandle((record.Offset+offset)*p.increment), nil
}

func (p *pool) gpuHandle(record DescriptorAllocInfo, offset int) (device.GpuHandle, error) {
	table, err := p.lookup(record)
	if err != nil {
		return 0, err
	}
	return table.table.GpuBase() + device.GpuHandle((record.Offset+offset)*p.increment), nil
}

func (p *pool) addStatistics(stats *memutils.Statistics) {
	for _, table := range p.tables {
		table.buddy.AddStatistics(stats, 1)
	}
}

func (p *pool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, table := range p.tables {
		table.buddy.AddDetailedStatistics(stats, 1)
	}
}

func (p *pool) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("TableSize").Int(p.tableSize)
	json.Name("ShaderVisible").Bool(p.shaderVisible)

	tablesObj := json.Name("Tables").Object()
	for tableIndex, table := range p.tables {
		tableObj := tablesObj.Name(strconv.Itoa(tableIndex)).Object()
		tableObj.Name("CpuBase").Int(int(table.table.CpuBase()))
		if p.shaderVisible {
			tableObj.Name("GpuBase").Int(int(table.table.GpuBase()))
		}
		table.buddy.BlockJsonData(tableObj, 1)
		tableObj.End()
	}
	tablesObj.End()
}

func (p *pool) validate() error {
	for tableIndex, table := range p.tables {
		if table.table.Count() != p.tableSize {
			return errors.Newf("%s table %d has %d slots, but the pool's table size is %d", p.poolKind, tableIndex, table.table.Count(), p.tableSize)
		}
		if table.table.ShaderVisible() != p.shaderVisible {
			return errors.Newf("%s table %d has the wrong shader visibility", p.poolKind, tableIndex)
		}

		err := table.buddy.Validate()
		if err != nil {
			return errors.Wrapf(err, "%s table %d", p.poolKind, tableIndex)
		}
	}
	return nil
}

func (p *pool) allocationCount() int {
	count := 0
	for _, table := range p.tables {
		count += table.buddy.AllocationCount()
	}
	return count
}

// release releases every table that holds no allocations and reports the rest
func (p *pool) release(logUnreleased func(pool PoolKind, tableIndex int, allocations int)) error {
	var err error
	for tableIndex, table := range p.tables {
		if !table.buddy.IsEmpty() {
			logUnreleased(p.poolKind, tableIndex, table.buddy.AllocationCount())
			err = multierror.Append(err, errors.Newf("%s %s table %d still holds %d allocations", p.poolKind, p.kind, tableIndex, table.buddy.AllocationCount()))
			continue
		}

		releaseErr := table.table.Release()
		if releaseErr != nil {
			err = multierror.Append(err, errors.Wrapf(releaseErr, "failed to release %s %s table %d", p.poolKind, p.kind, tableIndex))
		}
	}
	p.tables = nil
	return err
}
