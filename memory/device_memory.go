package memory

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// sharedMemory is the state shared by every owner of a single allocation
type sharedMemory struct {
	handle          Handle
	device          Device
	allocationSize  int
	memoryTypeIndex int
	logger          *slog.Logger

	references atomic.Int32
	mappings   atomic.Int32
	freed      atomic.Bool
}

func (s *sharedMemory) Validate() error {
	if s.handle == NullHandle {
		return errors.New("device memory has a null handle")
	}
	if s.device == nil {
		return errors.Newf("device memory %s has no device", s.handle)
	}

	references := s.references.Load()
	if references < 0 {
		return errors.Newf("device memory %s has a negative reference count %d", s.handle, references)
	}
	if references == 0 && !s.freed.Load() {
		return errors.Newf("device memory %s has no references but was never freed", s.handle)
	}
	if references > 0 && s.freed.Load() {
		return errors.Newf("device memory %s was freed but still has %d references", s.handle, references)
	}

	mappings := s.mappings.Load()
	if mappings < 0 {
		return errors.Newf("device memory %s has a negative mapping count %d", s.handle, mappings)
	}

	return nil
}

func (s *sharedMemory) free() {
	if !s.freed.CompareAndSwap(false, true) {
		panic("attempted to free device memory that has already been freed")
	}

	if mappings := s.mappings.Load(); mappings > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "freeing device memory that is still mapped",
			slog.String("memory", s.handle.String()),
			slog.Int("mappings", int(mappings)),
		)
	}

	// Nobody is left to return this error to
	err := s.device.FreeMemory(s.handle)
	if err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free device memory",
			slog.String("memory", s.handle.String()),
			slog.Int("size", s.allocationSize),
			slog.Int("memoryTypeIndex", s.memoryTypeIndex),
			slog.Any("error", err),
		)
	}
}

// DeviceMemory is one owner of a single allocation of device memory. Any number of owners may
// exist for the same allocation (see Clone), in any number of goroutines. Each owner must be
// released with Release exactly once, and the allocation is freed when the last owner is released.
//
// The allocation holds on to the Device it came from until it is freed.
type DeviceMemory struct {
	shared   *sharedMemory
	released atomic.Bool
}

func newDeviceMemory(logger *slog.Logger, device Device, handle Handle, allocationSize, memoryTypeIndex int) *DeviceMemory {
	shared := &sharedMemory{
		handle:          handle,
		device:          device,
		allocationSize:  allocationSize,
		memoryTypeIndex: memoryTypeIndex,
		logger:          logger,
	}
	shared.references.Store(1)
	memutils.DebugValidate(shared)

	return &DeviceMemory{shared: shared}
}

func (m *DeviceMemory) live() *sharedMemory {
	if m.released.Load() {
		panic("attempted to use device memory that has already been released")
	}
	return m.shared
}

// Clone returns a new owner of the same allocation. The new owner must be released separately.
func (m *DeviceMemory) Clone() *DeviceMemory {
	shared := m.live()
	shared.logger.Debug("DeviceMemory::Clone")

	shared.references.Add(1)
	memutils.DebugValidate(shared)

	return &DeviceMemory{shared: shared}
}

// Release gives up this owner's claim on the allocation. If it was the last owner, the memory is
// freed on the calling goroutine. A failure to free is logged, since there is no caller that
// could act on it. Releasing the same owner twice panics.
func (m *DeviceMemory) Release() {
	if !m.released.CompareAndSwap(false, true) {
		panic("attempted to release device memory that has already been released")
	}

	shared := m.shared
	shared.logger.Debug("DeviceMemory::Release")

	remaining := shared.references.Add(-1)
	if remaining < 0 {
		panic("device memory reference count went negative")
	}
	if remaining == 0 {
		shared.free()
		memutils.DebugValidate(shared)
	}
}

// References returns the number of unreleased owners of this allocation
func (m *DeviceMemory) References() int {
	return int(m.shared.references.Load())
}

// Handle returns the handle the Device assigned to this allocation. Every owner of the
// allocation returns the same handle.
func (m *DeviceMemory) Handle() Handle {
	return m.live().handle
}

// Device returns the Device this memory was allocated from
func (m *DeviceMemory) Device() Device {
	return m.live().device
}

// AllocationSize returns the size of the allocation in bytes, as it was requested
func (m *DeviceMemory) AllocationSize() int {
	return m.live().allocationSize
}

// MemoryTypeIndex returns the index of the memory type this memory was allocated from
func (m *DeviceMemory) MemoryTypeIndex() int {
	return m.live().memoryTypeIndex
}

// Validate checks the internal consistency of this allocation's shared state
func (m *DeviceMemory) Validate() error {
	return m.shared.Validate()
}

// MapToPtr maps a range of this memory into host address space and returns the bare pointer.
// The caller is responsible for calling UnmapPtr, and for staying within the mapped range.
//
// offsetBytes + sizeBytes must not be larger than AllocationSize, and the memory must have been
// allocated from a host-visible memory type. Neither is checked here. The flags argument is
// reserved and is passed through to the Device.
func (m *DeviceMemory) MapToPtr(offsetBytes, sizeBytes int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	shared := m.live()
	shared.logger.Debug("DeviceMemory::MapToPtr")

	ptr, res, err := shared.device.MapMemory(shared.handle, offsetBytes, sizeBytes, flags)
	if err != nil {
		return nil, res, errors.Mark(
			errors.Wrapf(err, "could not map %d bytes at offset %d of %s", sizeBytes, offsetBytes, shared.handle),
			ErrMapFailed,
		)
	}

	return ptr, res, nil
}

// UnmapPtr unmaps memory that was mapped with MapToPtr. Memory mapped with Map must be unmapped
// with Unmap instead.
func (m *DeviceMemory) UnmapPtr() {
	shared := m.live()
	shared.logger.Debug("DeviceMemory::UnmapPtr")

	shared.device.UnmapMemory(shared.handle)
}

// Unmap unmaps a MemoryMapping created by Map. Passing a nil mapping, a mapping that was created
// from a different allocation, or one that has already been unmapped, panics. Handles are only
// unique within a single Device, so the mapping is matched against the allocation itself.
func (m *DeviceMemory) Unmap(mapping Mapping) {
	shared := m.live()
	shared.logger.Debug("DeviceMemory::Unmap")

	if mapping == nil {
		panic("cannot unmap memory: mapping is nil")
	}
	source := mapping.source()
	if source == nil {
		panic("cannot unmap memory: mapping is nil")
	}
	if source != shared || mapping.Handle() != shared.handle {
		panic("cannot unmap memory: memory mapping is from a different memory object")
	}

	mapping.invalidate()
	shared.mappings.Add(-1)
	shared.device.UnmapMemory(shared.handle)
	memutils.DebugValidate(shared)
}

// Map maps a range of memory into host address space and presents it as a slice of T with
// sizeBytes / sizeof(T) elements. Any remainder is not reachable through the mapping. If sizeBytes
// is WholeSize, the range extends to the end of the allocation.
//
// The same preconditions as DeviceMemory.MapToPtr apply. Nothing prevents overlapping mappings of
// the same memory from different goroutines: callers that do so must synchronize the entire
// map/access/unmap sequence themselves.
//
// The returned mapping must be unmapped with DeviceMemory.Unmap on the same DeviceMemory, and must
// not be used after that DeviceMemory is released.
func Map[T any](memory *DeviceMemory, offsetBytes, sizeBytes int, flags core1_0.MemoryMapFlags) (*MemoryMapping[T], common.VkResult, error) {
	var zero T
	elementSize := int(unsafe.Sizeof(zero))
	if elementSize == 0 {
		panic("cannot map memory to a zero-sized element type")
	}
	if sizeBytes < 0 && sizeBytes != WholeSize {
		panic("cannot map a negative number of bytes")
	}

	ptr, res, err := memory.MapToPtr(offsetBytes, sizeBytes, flags)
	if err != nil {
		return nil, res, err
	}

	if sizeBytes == WholeSize {
		sizeBytes = memory.AllocationSize() - offsetBytes
	}

	memory.shared.mappings.Add(1)
	return newMemoryMapping[T](memory, ptr, sizeBytes/elementSize), res, nil
}
