package memory

import "fmt"

// Handle identifies a single allocation of device memory. It is only meaningful to the Device
// that issued it and is never dereferenced by this package.
type Handle uintptr

// NullHandle is never returned by a successful allocation.
const NullHandle Handle = 0

// HandleSource is implemented by anything that represents a device memory allocation, whether it
// owns that allocation or only refers to it. Functions that only need the Handle should accept a
// HandleSource so callers don't need to care which kind of value they are holding.
type HandleSource interface {
	Handle() Handle
}

func (h Handle) Handle() Handle {
	return h
}

func (h Handle) String() string {
	return fmt.Sprintf("DeviceMemory(%#x)", uintptr(h))
}
