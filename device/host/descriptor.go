package host

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuheap/device"
)

// DescriptorTable is a host-memory descriptor table. Every slot holds an opaque 64-bit payload.
type DescriptorTable struct {
	parent        *Device
	kind          device.DescriptorKind
	shaderVisible bool
	increment     int
	cpuBase       device.CpuHandle
	gpuBase       device.GpuHandle
	slots         []uint64
}

var _ device.DescriptorTable = &DescriptorTable{}

func (t *DescriptorTable) Kind() device.DescriptorKind { return t.kind }
func (t *DescriptorTable) Count() int                  { return len(t.slots) }
func (t *DescriptorTable) ShaderVisible() bool         { return t.shaderVisible }
func (t *DescriptorTable) CpuBase() device.CpuHandle   { return t.cpuBase }
func (t *DescriptorTable) GpuBase() device.GpuHandle   { return t.gpuBase }

func (t *DescriptorTable) cpuEnd() uint64 {
	return uint64(t.cpuBase) + uint64(len(t.slots)*t.increment)
}

func (t *DescriptorTable) Release() error {
	t.parent.mutex.Lock()
	defer t.parent.mutex.Unlock()

	for index, table := range t.parent.tables {
		if table == t {
			t.parent.tables = append(t.parent.tables[:index], t.parent.tables[index+1:]...)
			t.slots = nil
			return nil
		}
	}

	return errors.Newf("descriptor table at %#x has already been released", uint64(t.cpuBase))
}

// DescriptorIncrement returns the configured distance between descriptor slots
func (d *Device) DescriptorIncrement(kind device.DescriptorKind) int {
	return d.options.DescriptorIncrement
}

// CreateDescriptorTable creates a table with count slots. Shader-visible tables also receive a
// GPU base address.
func (d *Device) CreateDescriptorTable(kind device.DescriptorKind, count int, shaderVisible bool) (device.DescriptorTable, error) {
	if count <= 0 {
		return nil, errors.Newf("descriptor table must have at least one slot, requested %d", count)
	}
	if shaderVisible && !kind.CanBeShaderVisible() {
		return nil, errors.Wrapf(device.ErrUnsupported, "%s descriptor tables cannot be shader visible", kind)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	span := uint64(count * d.options.DescriptorIncrement)
	table := &DescriptorTable{
		parent:        d,
		kind:          kind,
		shaderVisible: shaderVisible,
		increment:     d.options.DescriptorIncrement,
		cpuBase:       device.CpuHandle(d.nextCpuHandle),
		slots:         make([]uint64, count),
	}
	d.nextCpuHandle += span + handleGap

	if shaderVisible {
		table.gpuBase = device.GpuHandle(d.nextGpuHandle)
		d.nextGpuHandle += span + handleGap
	}

	// Handles only ever grow, so appending keeps the table list sorted by CPU base
	d.tables = append(d.tables, table)
	d.logger.Debug("host descriptor table created",
		slog.String("kind", kind.String()),
		slog.Int("count", count),
		slog.Bool("shaderVisible", shaderVisible))

	return table, nil
}

// WriteDescriptor stores a payload into the slot at handle
func (d *Device) WriteDescriptor(handle device.CpuHandle, payload uint64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	table, slot, err := d.findTable(handle)
	if err != nil {
		return err
	}

	table.slots[slot] = payload
	return nil
}

// ReadDescriptor returns the payload stored in the slot at handle
func (d *Device) ReadDescriptor(handle device.CpuHandle) (uint64, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	table, slot, err := d.findTable(handle)
	if err != nil {
		return 0, err
	}

	return table.slots[slot], nil
}

// CopyDescriptors copies payloads between slots of tables of the same kind
func (d *Device) CopyDescriptors(dst device.CpuHandle, src device.CpuHandle, count int, kind device.DescriptorKind) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	srcTable, srcSlot, err := d.findTable(src)
	if err != nil {
		return errors.Wrap(err, "source")
	}
	dstTable, dstSlot, err := d.findTable(dst)
	if err != nil {
		return errors.Wrap(err, "destination")
	}

	if srcTable.kind != kind || dstTable.kind != kind {
		return errors.Newf("attempted to copy %s descriptors between %s and %s tables", kind, srcTable.kind, dstTable.kind)
	}
	if srcSlot+count > len(srcTable.slots) || dstSlot+count > len(dstTable.slots) {
		return errors.Newf("copy of %d descriptors runs past the end of a table", count)
	}

	copy(dstTable.slots[dstSlot:dstSlot+count], srcTable.slots[srcSlot:srcSlot+count])
	return nil
}

// LiveTableCount returns the number of descriptor tables that have not been released
func (d *Device) LiveTableCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.tables)
}
