package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memory"
	"github.com/vkngwrapper/arsenal/memory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific device behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this Device will not be synchronized internally.
	// The consumer must guarantee that it, and all DeviceMemory allocated from it, are used from only
	// one goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating a Device
type CreateOptions struct {
	// Flags indicates specific device behaviors to activate or deactivate
	Flags CreateFlags

	// VulkanCallbacks is an optional set of callbacks that will be passed to Vulkan when
	// allocating and freeing device memory
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever
	// device memory is allocated or freed through the Device
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice.
	// Each entry must be either the maximum number of bytes that should be allocated from the
	// corresponding heap, or 0 or less, indicating no limit.
	//
	// Heap memory limits are enforced at allocation time: allocating beyond the limit fails
	// with VKErrorOutOfDeviceMemory.
	HeapSizeLimits []int

	// ExternalMemoryHandleTypes can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of memory types in the PhysicalDevice.
	// Each entry must be either 0, indicating not to export memory of that type, or the handle
	// types that memory of that type should be exportable as.
	ExternalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags
}

// New creates a Device that allocates memory from the provided core1_0.Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device. Its properties are read once,
// here, and used to validate allocations and mappings.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options CreateOptions) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	memoryProperties := physicalDevice.MemoryProperties()

	if deviceProperties.Limits == nil {
		return nil, errors.New("the PhysicalDevice did not report any limits")
	}
	err = memutils.CheckPow2(deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("the PhysicalDevice reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	heapLimitCount := len(options.HeapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("vulkan.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heaps")
	}

	memoryTypeCount := len(memoryProperties.MemoryTypes)
	handleTypeCount := len(options.ExternalMemoryHandleTypes)
	if handleTypeCount > 0 && handleTypeCount != memoryTypeCount {
		return nil, errors.New("vulkan.CreateOptions.ExternalMemoryHandleTypes was provided, but the length does not equal the number of PhysicalDevice memory types")
	}

	d := &Device{
		logger:              logger,
		device:              device,
		allocationCallbacks: options.VulkanCallbacks,

		deviceProperties:          deviceProperties,
		memoryProperties:          memoryProperties,
		heapLimits:                options.HeapSizeLimits,
		externalMemoryHandleTypes: options.ExternalMemoryHandleTypes,

		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		allocations: swiss.NewMap[memory.Handle, *allocatedMemory](42),
	}
	d.memoryCallbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Device:    d,
	}

	return d, nil
}
