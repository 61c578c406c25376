package memory

import "github.com/cockroachdb/errors"

// ErrAllocationFailed marks every error returned from DeviceMemoryBuilder.Build when the device
// refused the allocation. The common.VkResult returned alongside carries the native reason.
var ErrAllocationFailed = errors.New("device memory allocation failed")

// ErrMapFailed marks every error returned from Map and DeviceMemory.MapToPtr when the device
// could not map the requested range.
var ErrMapFailed = errors.New("device memory map failed")
