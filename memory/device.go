package memory

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// WholeSize can be passed as a size to map from the offset to the end of the allocation
const WholeSize = -1

// Device is the set of primitive operations DeviceMemory needs from whatever owns the connection
// to the driver. The memory/vulkan package provides an implementation backed by a core1_0.Device.
type Device interface {
	// AllocateMemory performs a single native allocation. The returned Handle must not be NullHandle
	// when err is nil.
	AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (Handle, common.VkResult, error)
	// FreeMemory releases a native allocation. DeviceMemory calls it exactly once per Handle.
	FreeMemory(memory Handle) error
	// MapMemory maps size bytes starting at offset into host address space. A size of
	// WholeSize maps to the end of the allocation.
	MapMemory(memory Handle, offset, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error)
	// UnmapMemory ends the mapping previously created with MapMemory.
	UnmapMemory(memory Handle)
}
