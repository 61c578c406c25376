package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// DeviceMemoryBuilder collects the parameters of a single device memory allocation. The zero
// value, and the value returned by NewBuilder, requests 0 bytes from memory type 0.
type DeviceMemoryBuilder struct {
	allocationSize  int
	memoryTypeIndex int
	next            common.Options
	logger          *slog.Logger
}

// NewBuilder returns a DeviceMemoryBuilder with no parameters set
func NewBuilder() *DeviceMemoryBuilder {
	return &DeviceMemoryBuilder{}
}

// AllocationSize sets the size of the allocation in bytes. It is not checked against any device
// limits.
func (b *DeviceMemoryBuilder) AllocationSize(allocationSize int) *DeviceMemoryBuilder {
	b.allocationSize = allocationSize
	return b
}

// MemoryTypeIndex selects the memory type, and so the heap and memory properties, that the
// allocation will come from.
func (b *DeviceMemoryBuilder) MemoryTypeIndex(memoryTypeIndex int) *DeviceMemoryBuilder {
	b.memoryTypeIndex = memoryTypeIndex
	return b
}

// Next sets extension structures that will be chained onto the allocate info
func (b *DeviceMemoryBuilder) Next(next common.Options) *DeviceMemoryBuilder {
	b.next = next
	return b
}

// Logger sets the logger used by the DeviceMemory produced by Build. slog.Default is used
// if this is never called.
func (b *DeviceMemoryBuilder) Logger(logger *slog.Logger) *DeviceMemoryBuilder {
	b.logger = logger
	return b
}

func (b *DeviceMemoryBuilder) allocateInfo() core1_0.MemoryAllocateInfo {
	return core1_0.MemoryAllocateInfo{
		AllocationSize:  b.allocationSize,
		MemoryTypeIndex: b.memoryTypeIndex,
		NextOptions:     common.NextOptions{Next: b.next},
	}
}

// Build performs exactly one allocation against the provided Device and returns the only owner
// of the new DeviceMemory. Failures are marked with ErrAllocationFailed and are never retried.
func (b *DeviceMemoryBuilder) Build(device Device) (*DeviceMemory, common.VkResult, error) {
	if device == nil {
		panic("attempted to build device memory with a nil device")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("DeviceMemoryBuilder::Build")

	handle, res, err := device.AllocateMemory(b.allocateInfo())
	if err != nil {
		return nil, res, errors.Mark(
			errors.Wrapf(err, "could not allocate %d bytes from memory type %d", b.allocationSize, b.memoryTypeIndex),
			ErrAllocationFailed,
		)
	}
	if handle == NullHandle {
		panic("device reported a successful allocation but returned a null handle")
	}

	return newDeviceMemory(logger, device, handle, b.allocationSize, b.memoryTypeIndex), res, nil
}

// New allocates allocationSize bytes from the memory type at memoryTypeIndex. It is shorthand for
// NewBuilder().AllocationSize(allocationSize).MemoryTypeIndex(memoryTypeIndex).Build(device).
func New(device Device, allocationSize, memoryTypeIndex int) (*DeviceMemory, common.VkResult, error) {
	return NewBuilder().
		AllocationSize(allocationSize).
		MemoryTypeIndex(memoryTypeIndex).
		Build(device)
}
