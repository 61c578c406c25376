package vulkan

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memory"
	"github.com/vkngwrapper/arsenal/memory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"golang.org/x/exp/slog"
)

type allocatedMemory struct {
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	heapIndex       int
	size            int

	mapped    bool
	mapOffset int
	mapSize   int
}

// Device implements memory.Device on top of a core1_0.Device. It tracks every allocation it has
// made so that handles can be validated, keeps per-heap statistics, and enforces the
// PhysicalDevice's allocation count limit along with any heap size limits from CreateOptions.
type Device struct {
	logger              *slog.Logger
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	memoryCallbacks     memoryCallbacks

	deviceProperties          *core1_0.PhysicalDeviceProperties
	memoryProperties          *core1_0.PhysicalDeviceMemoryProperties
	heapLimits                []int
	externalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags

	// Number of live allocations, across all heaps
	memoryCount     uint32
	allocationCount [common.MaxMemoryHeaps]int32
	allocationBytes [common.MaxMemoryHeaps]int64
	mappedCount     [common.MaxMemoryHeaps]int32

	nextHandle atomic.Uintptr
	destroyed  atomic.Bool

	mutex       utils.OptionalRWMutex
	allocations *swiss.Map[memory.Handle, *allocatedMemory]
}

var _ memory.Device = &Device{}

func (d *Device) MemoryTypeCount() int {
	return len(d.memoryProperties.MemoryTypes)
}

func (d *Device) MemoryHeapCount() int {
	return len(d.memoryProperties.MemoryHeaps)
}

func (d *Device) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (d *Device) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (d *Device) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags
	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (d *Device) addAllocation(heapIndex, allocationSize int) {
	atomic.AddInt64(&d.allocationBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&d.allocationCount[heapIndex], 1)
}

func (d *Device) addAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) (common.VkResult, error) {
	for {
		currentVal := atomic.LoadInt64(&d.allocationBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
				"allocating %d bytes would exceed the %d byte limit of heap %d", allocationSize, maxAllocatable, heapIndex)
		}

		if atomic.CompareAndSwapInt64(&d.allocationBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&d.allocationCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (d *Device) removeAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&d.allocationBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&d.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateMemory allocates device memory and returns a new handle for it. The memory type index
// and allocation size are validated, and the allocation count and heap size limits are enforced,
// before the driver is called.
func (d *Device) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (handle memory.Handle, res common.VkResult, err error) {
	d.logger.Debug("Device::AllocateMemory")

	if d.destroyed.Load() {
		return memory.NullHandle, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory from a destroyed device")
	}

	memoryTypeIndex := allocateInfo.MemoryTypeIndex
	if memoryTypeIndex < 0 || memoryTypeIndex >= d.MemoryTypeCount() {
		return memory.NullHandle, core1_0.VKErrorUnknown, errors.Newf("invalid memory type index %d: the device has %d memory types", memoryTypeIndex, d.MemoryTypeCount())
	}
	if allocateInfo.AllocationSize <= 0 {
		return memory.NullHandle, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d: device memory allocations must be larger than 0 bytes", allocateInfo.AllocationSize)
	}

	newMemoryCount := atomic.AddUint32(&d.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the memory count increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&d.memoryCount, ^uint32(0))
		}
	}()

	if int(newMemoryCount) > d.deviceProperties.Limits.MaxMemoryAllocationCount {
		return memory.NullHandle, core1_0.VKErrorTooManyObjects, errors.Wrapf(core1_0.VKErrorTooManyObjects.ToError(),
			"the device cannot have more than %d live allocations", d.deviceProperties.Limits.MaxMemoryAllocationCount)
	}

	heapIndex := d.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := 0
	if len(d.heapLimits) > 0 {
		heapLimit = d.heapLimits[heapIndex]
	}

	if heapLimit <= 0 {
		d.addAllocation(heapIndex, allocateInfo.AllocationSize)
	} else {
		maxSize := heapLimit
		heapSize := d.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < maxSize {
			maxSize = heapSize
		}
		res, err = d.addAllocationWithBudget(heapIndex, allocateInfo.AllocationSize, maxSize)
		if err != nil {
			return memory.NullHandle, res, err
		}
	}
	defer func() {
		// If we failed out, roll back the heap statistics
		if err != nil {
			d.removeAllocation(heapIndex, allocateInfo.AllocationSize)
		}
	}()

	if len(d.externalMemoryHandleTypes) > 0 {
		externalMemoryType := d.externalMemoryHandleTypes[memoryTypeIndex]
		if externalMemoryType != 0 {
			var exportMemoryAllocInfo khr_external_memory.ExportMemoryAllocateInfo
			exportMemoryAllocInfo.HandleTypes = externalMemoryType
			exportMemoryAllocInfo.Next = allocateInfo.Next
			allocateInfo.Next = exportMemoryAllocInfo
		}
	}

	vulkanMemory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocateInfo)
	if err != nil {
		return memory.NullHandle, res, err
	}

	d.mutex.Lock()
	// Destroy may have run while the driver was allocating
	if d.destroyed.Load() {
		d.mutex.Unlock()
		vulkanMemory.Free(d.allocationCallbacks)
		return memory.NullHandle, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory from a destroyed device")
	}

	handle = memory.Handle(d.nextHandle.Add(1))
	d.allocations.Put(handle, &allocatedMemory{
		memory:          vulkanMemory,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		size:            allocateInfo.AllocationSize,
	})
	d.mutex.Unlock()

	d.memoryCallbacks.Allocate(memoryTypeIndex, vulkanMemory, allocateInfo.AllocationSize)

	return handle, res, nil
}

// FreeMemory frees memory allocated by AllocateMemory. Memory that is still mapped is implicitly
// unmapped. Freeing a handle this Device doesn't know about returns an error and does nothing else.
func (d *Device) FreeMemory(handle memory.Handle) error {
	d.logger.Debug("Device::FreeMemory")

	d.mutex.Lock()
	allocated, ok := d.allocations.Get(handle)
	if ok {
		d.allocations.Delete(handle)
	}
	d.mutex.Unlock()

	if !ok {
		return errors.Newf("attempted to free %s, which was not allocated from this device", handle)
	}

	d.memoryCallbacks.Free(allocated.memoryTypeIndex, allocated.memory, allocated.size)

	allocated.memory.Free(d.allocationCallbacks)

	if allocated.mapped {
		atomic.AddInt32(&d.mappedCount[allocated.heapIndex], -1)
	}
	d.removeAllocation(allocated.heapIndex, allocated.size)
	// Decrement
	atomic.AddUint32(&d.memoryCount, ^uint32(0))

	return nil
}

// MapMemory maps a range of host-visible memory. Memory may only be mapped once at a time: it
// must be unmapped before it can be mapped again.
func (d *Device) MapMemory(handle memory.Handle, offset, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	d.logger.Debug("Device::MapMemory")

	d.mutex.Lock()
	defer d.mutex.Unlock()

	allocated, ok := d.allocations.Get(handle)
	if !ok {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("attempted to map %s, which was not allocated from this device", handle)
	}
	if !d.IsMemoryTypeHostVisible(allocated.memoryTypeIndex) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("attempted to map %s, but memory type %d is not host visible", handle, allocated.memoryTypeIndex)
	}
	if allocated.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("attempted to map %s, but it is already mapped", handle)
	}
	if offset < 0 || offset >= allocated.size {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("offset %d is outside of %s, which is size %d", offset, handle, allocated.size)
	}
	if size != memory.WholeSize && (size <= 0 || offset+size > allocated.size) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("offset %d and size %d place the end of the mapping past the end of %s, which is size %d", offset, size, handle, allocated.size)
	}

	ptr, res, err := allocated.memory.Map(offset, size, flags)
	if err != nil {
		return nil, res, err
	}

	allocated.mapped = true
	allocated.mapOffset = offset
	allocated.mapSize = size
	if size == memory.WholeSize {
		allocated.mapSize = allocated.size - offset
	}
	atomic.AddInt32(&d.mappedCount[allocated.heapIndex], 1)

	return ptr, res, nil
}

// UnmapMemory unmaps memory mapped by MapMemory. Unmapping memory that isn't mapped is logged
// and otherwise ignored.
func (d *Device) UnmapMemory(handle memory.Handle) {
	d.logger.Debug("Device::UnmapMemory")

	d.mutex.Lock()
	defer d.mutex.Unlock()

	allocated, ok := d.allocations.Get(handle)
	if !ok || !allocated.mapped {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, "attempted to unmap memory that is not mapped",
			slog.String("memory", handle.String()),
			slog.Bool("known", ok),
		)
		return
	}

	allocated.memory.Unmap()
	allocated.mapped = false
	atomic.AddInt32(&d.mappedCount[allocated.heapIndex], -1)
}

// Flush makes host writes to a mapped range of non-coherent memory available to the device. The
// range is given in bytes from the start of the allocation, must lie within the current mapping,
// and is widened to the device's nonCoherentAtomSize. size may be memory.WholeSize to flush to
// the end of the mapping. Flushing host-coherent memory does nothing.
func (d *Device) Flush(source memory.HandleSource, offset, size int) (common.VkResult, error) {
	d.logger.Debug("Device::Flush")

	return d.flushOrInvalidate(source.Handle(), offset, size, cacheOperationFlush)
}

// Invalidate makes device writes to a mapped range of non-coherent memory visible to the host.
// The range follows the same rules as Flush.
func (d *Device) Invalidate(source memory.HandleSource, offset, size int) (common.VkResult, error) {
	d.logger.Debug("Device::Invalidate")

	return d.flushOrInvalidate(source.Handle(), offset, size, cacheOperationInvalidate)
}

func (d *Device) flushOrInvalidate(handle memory.Handle, offset, size int, operation cacheOperation) (common.VkResult, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	allocated, ok := d.allocations.Get(handle)
	if !ok {
		return core1_0.VKErrorUnknown, errors.Newf("attempted to %s %s, which was not allocated from this device", operation, handle)
	}
	if !allocated.mapped {
		return core1_0.VKErrorUnknown, errors.Newf("attempted to %s %s, but it is not mapped", operation, handle)
	}

	if size == 0 || !d.IsMemoryTypeHostNonCoherent(allocated.memoryTypeIndex) {
		return core1_0.VKSuccess, nil
	}
	if size < 0 && size != memory.WholeSize {
		return core1_0.VKErrorUnknown, errors.Newf("attempted to %s a negative number of bytes %d of %s", operation, size, handle)
	}

	mapEnd := allocated.mapOffset + allocated.mapSize
	if offset < allocated.mapOffset || offset >= mapEnd {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d is outside of the mapped range %d-%d of %s", offset, allocated.mapOffset, mapEnd, handle)
	}
	if size != memory.WholeSize && offset+size > mapEnd {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d places the end of the range %d past the end of the mapped range %d-%d of %s", offset, offset+size, allocated.mapOffset, mapEnd, handle)
	}

	nonCoherentAtomSize := d.deviceProperties.Limits.NonCoherentAtomSize
	if nonCoherentAtomSize < 1 {
		nonCoherentAtomSize = 1
	}

	memRange := core1_0.MappedMemoryRange{
		Memory: allocated.memory,
		Offset: memutils.AlignDown(offset, uint(nonCoherentAtomSize)),
	}
	// The driver extends a whole size range to the end of the current mapping
	memRange.Size = memory.WholeSize
	if size != memory.WholeSize {
		memRange.Size = allocated.size - memRange.Offset
		alignedSize := memutils.AlignUp(size+(offset-memRange.Offset), uint(nonCoherentAtomSize))
		if alignedSize < memRange.Size {
			memRange.Size = alignedSize
		}
	}

	switch operation {
	case cacheOperationFlush:
		return d.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{memRange})
	case cacheOperationInvalidate:
		return d.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{memRange})
	}

	return core1_0.VKErrorUnknown, errors.Newf("attempted to carry out invalid cache operation %s", operation)
}

// Memory returns the core1_0.DeviceMemory behind any value that represents memory allocated from
// this Device, for use with calls such as core1_0.Buffer.BindBufferMemory.
func (d *Device) Memory(source memory.HandleSource) (core1_0.DeviceMemory, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	allocated, ok := d.allocations.Get(source.Handle())
	if !ok {
		return nil, false
	}
	return allocated.memory, true
}

// AllocationCount returns the number of live allocations across every heap
func (d *Device) AllocationCount() int {
	return int(atomic.LoadUint32(&d.memoryCount))
}

// Statistics returns the current statistics for a single memory heap
func (d *Device) Statistics(heapIndex int) memutils.Statistics {
	return memutils.Statistics{
		AllocationCount: int(atomic.LoadInt32(&d.allocationCount[heapIndex])),
		AllocationBytes: int(atomic.LoadInt64(&d.allocationBytes[heapIndex])),
		MappedCount:     int(atomic.LoadInt32(&d.mappedCount[heapIndex])),
	}
}

// TotalStatistics returns statistics combined across every memory heap
func (d *Device) TotalStatistics() memutils.Statistics {
	var total memutils.Statistics
	total.Clear()

	for heapIndex := 0; heapIndex < d.MemoryHeapCount(); heapIndex++ {
		stats := d.Statistics(heapIndex)
		total.AddStatistics(&stats)
	}

	return total
}

// Destroy verifies that every allocation made from this Device has been freed, and prevents any
// further allocations. If allocations are still live, they are logged, an error is returned, and
// the Device remains usable. Destroy does not destroy the underlying core1_0.Device.
func (d *Device) Destroy() error {
	d.logger.Debug("Device::Destroy")

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.allocations.Count() > 0 {
		d.allocations.Iter(func(handle memory.Handle, allocated *allocatedMemory) bool {
			d.logUnreleasedMemory(handle, allocated)
			return false
		})

		return errors.Newf("%d allocations were not freed before the destruction of this device", d.allocations.Count())
	}

	d.destroyed.Store(true)
	return nil
}

func (d *Device) logUnreleasedMemory(handle memory.Handle, allocated *allocatedMemory) {
	d.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("memory", handle.String()),
		slog.Int("memoryTypeIndex", allocated.memoryTypeIndex),
		slog.Int("size", allocated.size),
		slog.Bool("mapped", allocated.mapped),
	)
}
