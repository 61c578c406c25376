package memory

import (
	"sync/atomic"
	"unsafe"
)

// Mapping is implemented by every MemoryMapping, whatever its element type, so that
// DeviceMemory.Unmap can accept any of them.
type Mapping interface {
	HandleSource
	source() *sharedMemory
	invalidate()
}

// MemoryMapping is a host-visible view of a range of device memory as a fixed-length slice of T.
// It is created by Map and is only valid until it is passed to DeviceMemory.Unmap or the
// DeviceMemory it was mapped through is released, whichever comes first. Using it after that
// panics, with the exception of the slice returned by Slice, which cannot be checked.
//
// Reads and writes are plain memory accesses and are not synchronized in any way.
type MemoryMapping[T any] struct {
	data     []T
	memory   Handle
	owner    *DeviceMemory
	unmapped atomic.Bool
}

func newMemoryMapping[T any](owner *DeviceMemory, ptr unsafe.Pointer, length int) *MemoryMapping[T] {
	var data []T
	if length > 0 {
		data = unsafe.Slice((*T)(ptr), length)
	}

	return &MemoryMapping[T]{
		data:   data,
		memory: owner.shared.handle,
		owner:  owner,
	}
}

func (m *MemoryMapping[T]) checkLive() {
	if m.unmapped.Load() {
		panic("attempted to access a memory mapping that has already been unmapped")
	}
	if m.owner.released.Load() {
		panic("attempted to access a memory mapping after its device memory was released")
	}
}

func (m *MemoryMapping[T]) source() *sharedMemory {
	if m == nil || m.owner == nil {
		return nil
	}
	return m.owner.shared
}

func (m *MemoryMapping[T]) invalidate() {
	if !m.unmapped.CompareAndSwap(false, true) {
		panic("cannot unmap memory: memory mapping has already been unmapped")
	}
	m.data = nil
}

// Handle returns the handle of the memory this mapping was created from
func (m *MemoryMapping[T]) Handle() Handle {
	return m.memory
}

// Len returns the number of whole elements of T in the mapped range
func (m *MemoryMapping[T]) Len() int {
	m.checkLive()
	return len(m.data)
}

func (m *MemoryMapping[T]) At(index int) T {
	m.checkLive()
	return m.data[index]
}

func (m *MemoryMapping[T]) Set(index int, value T) {
	m.checkLive()
	m.data[index] = value
}

// Slice returns the mapped memory itself. Writes to the slice go directly to device memory. The
// slice must not be retained past Unmap.
func (m *MemoryMapping[T]) Slice() []T {
	m.checkLive()
	return m.data
}

// Pointer returns the host address of the first mapped element, or nil if the mapping is empty
func (m *MemoryMapping[T]) Pointer() unsafe.Pointer {
	m.checkLive()
	if len(m.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&m.data[0])
}

// CopyFrom copies src into the start of the mapping and returns the number of elements copied,
// which is the smaller of len(src) and Len().
func (m *MemoryMapping[T]) CopyFrom(src []T) int {
	m.checkLive()
	return copy(m.data, src)
}

// CopyTo copies the start of the mapping into dst and returns the number of elements copied
func (m *MemoryMapping[T]) CopyTo(dst []T) int {
	m.checkLive()
	return copy(dst, m.data)
}
