// Package gpuheap owns the heaps and descriptor allocators a renderer suballocates from. A
// Context builds a default set of heaps, routes every record back to the heap that produced it,
// and at the end of every frame releases whatever the GPU is no longer using.
package gpuheap

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuheap/descriptor"
	"github.com/vkngwrapper/gpuheap/device"
	"github.com/vkngwrapper/gpuheap/fence"
	"github.com/vkngwrapper/gpuheap/heap"
	"github.com/vkngwrapper/gpuheap/internal/utils"
	"github.com/vkngwrapper/gpuheap/memutils"
)

const (
	DefaultDefaultArenaSize  int = 64 * 1024 * 1024
	DefaultUploadArenaSize   int = 16 * 1024 * 1024
	DefaultReadbackArenaSize int = 4 * 1024 * 1024

	DefaultConstantElementCount int = 1024
	DefaultConstantElementSize  int = 256
)

// CreateOptions configures the heaps a Context builds. Every field may be left at its zero
// value. Heap types are fixed by the Context and are ignored if set.
type CreateOptions struct {
	// DefaultHeap holds device-local buffers and other variable-size resources
	DefaultHeap heap.BuddyHeapCreateInfo
	// UploadHeap holds CPU-written staging resources
	UploadHeap heap.BuddyHeapCreateInfo
	// ReadbackHeap holds GPU-written resources the CPU reads back
	ReadbackHeap heap.BuddyHeapCreateInfo
	// TextureHeap holds fixed-shape resources in power-of-two size classes. Its MaxOrder follows
	// the zero-value rule too, so a texture heap with only the smallest class needs
	// heap.SegListMaxOrderSmallestOnly rather than 0.
	TextureHeap heap.SegListHeapCreateInfo
	// ConstantHeap is the per-frame ring of constant buffer slots
	ConstantHeap heap.CircularHeapCreateInfo
	// Descriptors configures the descriptor manager
	Descriptors descriptor.ManagerCreateInfo

	Flags CreateFlags
}

func (o *CreateOptions) applyDefaults() {
	if o.DefaultHeap.Name == "" {
		o.DefaultHeap.Name = "default"
	}
	if o.DefaultHeap.ArenaSize == 0 {
		o.DefaultHeap.ArenaSize = DefaultDefaultArenaSize
	}
	o.DefaultHeap.HeapType = device.HeapTypeDefault

	if o.UploadHeap.Name == "" {
		o.UploadHeap.Name = "upload"
	}
	if o.UploadHeap.ArenaSize == 0 {
		o.UploadHeap.ArenaSize = DefaultUploadArenaSize
	}
	o.UploadHeap.HeapType = device.HeapTypeUpload

	if o.ReadbackHeap.Name == "" {
		o.ReadbackHeap.Name = "readback"
	}
	if o.ReadbackHeap.ArenaSize == 0 {
		o.ReadbackHeap.ArenaSize = DefaultReadbackArenaSize
	}
	o.ReadbackHeap.HeapType = device.HeapTypeReadback

	if o.TextureHeap.Name == "" {
		o.TextureHeap.Name = "textures"
	}
	o.TextureHeap.HeapType = device.HeapTypeDefault

	if o.ConstantHeap.Name == "" {
		o.ConstantHeap.Name = "constants"
	}
	if o.ConstantHeap.ElementCount == 0 {
		o.ConstantHeap.ElementCount = DefaultConstantElementCount
	}
	if o.ConstantHeap.ElementSize == 0 {
		o.ConstantHeap.ElementSize = DefaultConstantElementSize
		o.ConstantHeap.AlignToConstantBuffer = true
	}
	o.ConstantHeap.HeapType = device.HeapTypeUpload

	heapFlags := o.Flags.heapFlags()
	o.DefaultHeap.Flags |= heapFlags
	o.UploadHeap.Flags |= heapFlags
	o.ReadbackHeap.Flags |= heapFlags
	o.TextureHeap.Flags |= heapFlags
	o.ConstantHeap.Flags |= heapFlags
	o.Descriptors.Flags |= o.Flags.descriptorFlags()
}

// Context owns every heap and descriptor allocator used by a renderer. Heaps are identified by
// the HeapID stamped into the records they return, and the Context routes frees by that id.
type Context struct {
	logger     *slog.Logger
	memDevice  device.MemoryDevice
	descDevice device.DescriptorDevice
	flags      CreateFlags

	heapsMutex utils.OptionalRWMutex
	heaps      *swiss.Map[heap.HeapID, heap.Heap]
	heapOrder  []heap.HeapID
	nextHeapID heap.HeapID

	defaultHeap  *heap.BuddyHeap
	uploadHeap   *heap.BuddyHeap
	readbackHeap *heap.BuddyHeap
	textureHeap  *heap.SegListHeap
	constantHeap *heap.CircularHeap
	descriptors  *descriptor.Manager

	timeline fence.Timeline
}

// New builds a Context with its default heaps. descDevice may be nil, in which case the Context
// has no descriptor manager.
func New(logger *slog.Logger, memDevice device.MemoryDevice, descDevice device.DescriptorDevice, options CreateOptions) (*Context, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if memDevice == nil {
		return nil, errors.New("attempted to create a context without a memory device")
	}

	options.applyDefaults()
	logger.Debug("Context::New", slog.String("flags", options.Flags.String()))

	c := &Context{
		logger:     logger,
		memDevice:  memDevice,
		descDevice: descDevice,
		flags:      options.Flags,
		heapsMutex: utils.OptionalRWMutex{UseMutex: options.Flags&CreateExternallySynchronized == 0},
		heaps:      swiss.NewMap[heap.HeapID, heap.Heap](8),
		nextHeapID: 1,
	}

	err := c.createDefaultHeaps(options)
	if err != nil {
		destroyErr := c.Destroy()
		if destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		return nil, err
	}

	return c, nil
}

func (c *Context) createDefaultHeaps(options CreateOptions) error {
	var err error
	c.defaultHeap, err = c.CreateBuddyHeap(options.DefaultHeap)
	if err != nil {
		return err
	}
	c.uploadHeap, err = c.CreateBuddyHeap(options.UploadHeap)
	if err != nil {
		return err
	}
	c.readbackHeap, err = c.CreateBuddyHeap(options.ReadbackHeap)
	if err != nil {
		return err
	}
	c.textureHeap, err = c.CreateSegListHeap(options.TextureHeap)
	if err != nil {
		return err
	}
	c.constantHeap, err = c.CreateCircularHeap(options.ConstantHeap)
	if err != nil {
		return err
	}

	if c.descDevice != nil && options.Flags&CreateNoDescriptors == 0 {
		c.descriptors, err = descriptor.NewManager(c.logger, c.descDevice, options.Descriptors)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Context) Default() *heap.BuddyHeap         { return c.defaultHeap }
func (c *Context) Upload() *heap.BuddyHeap          { return c.uploadHeap }
func (c *Context) Readback() *heap.BuddyHeap        { return c.readbackHeap }
func (c *Context) Textures() *heap.SegListHeap      { return c.textureHeap }
func (c *Context) Constants() *heap.CircularHeap    { return c.constantHeap }
func (c *Context) Descriptors() *descriptor.Manager { return c.descriptors }
func (c *Context) Timeline() *fence.Timeline        { return &c.timeline }

func (c *Context) register(h heap.Heap) {
	c.heaps.Put(h.ID(), h)
	c.heapOrder = append(c.heapOrder, h.ID())
}

// CreateBuddyHeap builds an additional BuddyHeap owned by the Context
func (c *Context) CreateBuddyHeap(info heap.BuddyHeapCreateInfo) (*heap.BuddyHeap, error) {
	c.heapsMutex.Lock()
	defer c.heapsMutex.Unlock()

	info.Flags |= c.flags.heapFlags()
	h, err := heap.NewBuddyHeap(c.logger, c.memDevice, c.nextHeapID, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buddy heap '%s'", info.Name)
	}

	c.nextHeapID++
	c.register(h)
	return h, nil
}

// CreateSegListHeap builds an additional SegListHeap owned by the Context
func (c *Context) CreateSegListHeap(info heap.SegListHeapCreateInfo) (*heap.SegListHeap, error) {
	c.heapsMutex.Lock()
	defer c.heapsMutex.Unlock()

	info.Flags |= c.flags.heapFlags()
	h, err := heap.NewSegListHeap(c.logger, c.memDevice, c.nextHeapID, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create seg-list heap '%s'", info.Name)
	}

	c.nextHeapID++
	c.register(h)
	return h, nil
}

// CreateCircularHeap builds an additional CircularHeap owned by the Context
func (c *Context) CreateCircularHeap(info heap.CircularHeapCreateInfo) (*heap.CircularHeap, error) {
	c.heapsMutex.Lock()
	defer c.heapsMutex.Unlock()

	info.Flags |= c.flags.heapFlags()
	h, err := heap.NewCircularHeap(c.logger, c.memDevice, c.nextHeapID, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create circular heap '%s'", info.Name)
	}

	c.nextHeapID++
	c.register(h)
	return h, nil
}

// Heap returns the heap with the provided id, or nil if the Context owns no such heap
func (c *Context) Heap(id heap.HeapID) heap.Heap {
	c.heapsMutex.RLock()
	defer c.heapsMutex.RUnlock()

	h, ok := c.heaps.Get(id)
	if !ok {
		return nil
	}
	return h
}

// HeapCount returns the number of heaps owned by the Context
func (c *Context) HeapCount() int {
	c.heapsMutex.RLock()
	defer c.heapsMutex.RUnlock()

	return c.heaps.Count()
}

func (c *Context) heapOf(record *heap.HeapAllocInfo) (heap.Heap, error) {
	if record == nil || record.IsNull() {
		return nil, errors.New("attempted to free a null record")
	}

	h := c.Heap(record.Heap)
	if h == nil {
		return nil, errors.Newf("record %s refers to heap %d, which the context does not own", record, record.Heap)
	}
	if h.Kind() != record.Kind {
		return nil, errors.Newf("record %s was tagged %s, but heap %d is a %s heap", record, record.Kind, record.Heap, h.Kind())
	}
	return h, nil
}

// Free immediately returns a record to the heap that produced it and zeroes the record
func (c *Context) Free(record *heap.HeapAllocInfo) error {
	c.logger.Debug("Context::Free")

	h, err := c.heapOf(record)
	if err != nil {
		return err
	}
	return h.Deallocate(record)
}

func (c *Context) resourceHeapOf(record *heap.HeapAllocInfo) (heap.ResourceHeap, error) {
	h, err := c.heapOf(record)
	if err != nil {
		return nil, err
	}

	resourceHeap, ok := h.(heap.ResourceHeap)
	if !ok {
		return nil, errors.Newf("heap '%s' does not hold resources", h.Name())
	}
	return resourceHeap, nil
}

// DeleteResource releases a resource and immediately returns its pages to the heap that
// produced its record
func (c *Context) DeleteResource(resource device.Resource, record *heap.HeapAllocInfo) error {
	c.logger.Debug("Context::DeleteResource")

	h, err := c.resourceHeapOf(record)
	if err != nil {
		return err
	}
	return h.DeleteResource(resource, record)
}

// DeferDeleteResource releases a resource and its pages once the GPU has completed the frame
// that is ended by the next call to EndFrame
func (c *Context) DeferDeleteResource(resource device.Resource, record *heap.HeapAllocInfo) error {
	c.logger.Debug("Context::DeferDeleteResource")

	h, err := c.resourceHeapOf(record)
	if err != nil {
		return err
	}
	return h.DeferDeleteResource(resource, record)
}

// Submit issues the epoch that identifies the frame being submitted
func (c *Context) Submit() fence.Epoch {
	return c.timeline.Submit()
}

// EndFrame records that the GPU has completed every frame up to and including completed, tags
// everything deferred during the current frame with submitted, and releases every deferred
// record whose frame has completed. submitted must have been returned from Submit. It returns
// the number of records released across all heaps and descriptor allocators.
func (c *Context) EndFrame(submitted, completed fence.Epoch) (int, error) {
	c.logger.Debug("Context::EndFrame")
	memutils.DebugAssert(submitted <= c.timeline.LastSubmitted(), "frame epoch %d was never submitted", submitted)

	c.timeline.Signal(completed)
	completed = c.timeline.Completed()

	var err error
	total := 0

	for _, h := range c.orderedHeaps() {
		freed, deleteErr := h.DelayedDelete(submitted, completed)
		total += freed
		if deleteErr != nil {
			err = multierror.Append(err, errors.Wrapf(deleteErr, "heap '%s'", h.Name()))
		}
	}

	if c.descriptors != nil {
		freed, deleteErr := c.descriptors.DelayedDelete(submitted, completed)
		total += freed
		if deleteErr != nil {
			err = multierror.Append(err, deleteErr)
		}
	}

	return total, err
}

func (c *Context) orderedHeaps() []heap.Heap {
	c.heapsMutex.RLock()
	defer c.heapsMutex.RUnlock()

	heaps := make([]heap.Heap, 0, len(c.heapOrder))
	for _, id := range c.heapOrder {
		h, ok := c.heaps.Get(id)
		if ok {
			heaps = append(heaps, h)
		}
	}
	return heaps
}

// CalculateStatistics sums the statistics of every heap. Descriptor allocators are measured in
// slots rather than bytes and are not included.
func (c *Context) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	for _, h := range c.orderedHeaps() {
		h.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a json document describing every heap and descriptor allocator
func (c *Context) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	var total memutils.DetailedStatistics
	c.CalculateStatistics(&total)
	totalObj := obj.Name("Total").Object()
	total.WriteJson(&totalObj)
	totalObj.End()

	obj.Name("Submitted").Int(int(c.timeline.LastSubmitted()))
	obj.Name("Completed").Int(int(c.timeline.Completed()))

	heapsArr := obj.Name("Heaps").Array()
	for _, h := range c.orderedHeaps() {
		heapObj := heapsArr.Object()
		heapObj.Name("Kind").String(h.Kind().String())
		heap.WriteStats(h, &heapObj, detailed)
		heapObj.End()
	}
	heapsArr.End()

	if c.descriptors != nil {
		descObj := obj.Name("Descriptors").Object()
		c.descriptors.WriteStats(&descObj, detailed)
		descObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}

// Validate validates every heap and descriptor allocator
func (c *Context) Validate() error {
	for _, h := range c.orderedHeaps() {
		err := h.Validate()
		if err != nil {
			return errors.Wrapf(err, "heap '%s'", h.Name())
		}
	}

	if c.descriptors != nil {
		return c.descriptors.Validate()
	}
	return nil
}

// Destroy destroys the descriptor manager and then every heap in the reverse order of creation.
// Deferred deletes are released regardless of GPU progress; live allocations are reported.
func (c *Context) Destroy() error {
	c.logger.Debug("Context::Destroy")

	var err error
	if c.descriptors != nil {
		destroyErr := c.descriptors.Destroy()
		if destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		c.descriptors = nil
	}

	heaps := c.orderedHeaps()
	for i := len(heaps) - 1; i >= 0; i-- {
		destroyErr := heaps[i].Destroy()
		if destroyErr != nil {
			err = multierror.Append(err, errors.Wrapf(destroyErr, "heap '%s'", heaps[i].Name()))
		}
	}

	c.heapsMutex.Lock()
	c.heaps = swiss.NewMap[heap.HeapID, heap.Heap](8)
	c.heapOrder = nil
	c.heapsMutex.Unlock()

	return err
}
