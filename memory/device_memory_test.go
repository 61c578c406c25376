package memory

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

func readyMemory(t *testing.T, device *fakeDevice, size int) *DeviceMemory {
	memory, _, err := NewBuilder().
		AllocationSize(size).
		Logger(slog.New(slog.NewJSONHandler(io.Discard, nil))).
		Build(device)
	require.NoError(t, err)

	return memory
}

func TestRelease_LastOwnerFrees(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 128)
	handle := memory.Handle()

	owners := []*DeviceMemory{memory}
	for i := 0; i < 4; i++ {
		owners = append(owners, memory.Clone())
	}
	require.Equal(t, 5, memory.References())

	for _, owner := range owners[:4] {
		owner.Release()
		require.Equal(t, 0, device.freeCount())
	}
	require.Equal(t, 1, owners[4].References())
	require.Equal(t, handle, owners[4].Handle())

	owners[4].Release()
	require.Equal(t, []Handle{handle}, device.freed)
}

func TestRelease_Concurrent(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 128)

	var owners []*DeviceMemory
	for i := 0; i < 64; i++ {
		owners = append(owners, memory.Clone())
	}
	memory.Release()

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(owner *DeviceMemory) {
			defer wg.Done()
			owner.Release()
		}(owner)
	}
	wg.Wait()

	require.Equal(t, 1, device.freeCount())
}

func TestRelease_Twice(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 128)
	clone := memory.Clone()

	memory.Release()
	require.PanicsWithValue(t, "attempted to release device memory that has already been released", func() {
		memory.Release()
	})
	require.Equal(t, 1, clone.References())
	require.Equal(t, 0, device.freeCount())

	clone.Release()
	require.Equal(t, 1, device.freeCount())
}

func TestRelease_UseAfterRelease(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 128)
	memory.Release()

	require.PanicsWithValue(t, "attempted to use device memory that has already been released", func() {
		memory.Handle()
	})
	require.PanicsWithValue(t, "attempted to use device memory that has already been released", func() {
		memory.Clone()
	})
	require.PanicsWithValue(t, "attempted to use device memory that has already been released", func() {
		_, _, _ = Map[byte](memory, 0, 16, 0)
	})
}

func TestRelease_FreeFailureIsLogged(t *testing.T) {
	device := newFakeDevice()
	device.freeErr = errors.New("device lost")

	var logs bytes.Buffer
	memory, _, err := NewBuilder().
		AllocationSize(32).
		MemoryTypeIndex(3).
		Logger(slog.New(slog.NewJSONHandler(&logs, nil))).
		Build(device)
	require.NoError(t, err)

	require.NotPanics(t, memory.Release)
	require.Equal(t, 1, device.freeCount())
	require.Contains(t, logs.String(), "failed to free device memory")
	require.Contains(t, logs.String(), "device lost")
	require.Contains(t, logs.String(), `"memoryTypeIndex":3`)
}

func TestValidate(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 128)
	clone := memory.Clone()

	require.NoError(t, memory.Validate())

	_, _, err := Map[byte](memory, 0, 16, 0)
	require.NoError(t, err)
	require.NoError(t, memory.Validate())

	memory.Release()
	clone.Release()
	require.NoError(t, clone.Validate())
}

func TestMap_FloorLength(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, res, err := Map[uint32](memory, 0, 7, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 1, mapping.Len())
	require.Equal(t, memory.Handle(), mapping.Handle())

	memory.Unmap(mapping)
	require.Equal(t, 1, device.mapCalls)
	require.Equal(t, 1, device.unmapCalls)
}

func TestMap_WholeSize(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, _, err := Map[uint32](memory, 4, WholeSize, 0)
	require.NoError(t, err)
	require.Equal(t, 3, mapping.Len())

	memory.Unmap(mapping)
}

func TestMap_FlagsPassedThrough(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, _, err := Map[byte](memory, 0, 16, core1_0.MemoryMapFlags(4))
	require.NoError(t, err)
	memory.Unmap(mapping)

	require.Equal(t, []core1_0.MemoryMapFlags{4}, device.mapFlags)
}

func TestMap_Failure(t *testing.T) {
	device := newFakeDevice()
	device.mapRes = core1_0.VKErrorMemoryMapFailed
	device.mapErr = core1_0.VKErrorMemoryMapFailed.ToError()

	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, res, err := Map[uint32](memory, 0, 16, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMapFailed))
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
	require.Nil(t, mapping)
	require.Equal(t, 1, device.mapCalls)
	require.NoError(t, memory.Validate())
}

func TestMap_ZeroSizedElement(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	require.PanicsWithValue(t, "cannot map memory to a zero-sized element type", func() {
		_, _, _ = Map[struct{}](memory, 0, 16, 0)
	})
	require.Equal(t, 0, device.mapCalls)
}

func TestMap_RoundTrip(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 64)
	defer memory.Release()

	pattern := []uint16{0xdead, 0xbeef, 0xcafe, 0xf00d, 0x1234}

	mapping, _, err := Map[uint16](memory, 8, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 5, mapping.CopyFrom(pattern))
	memory.Unmap(mapping)

	mapping, _, err = Map[uint16](memory, 8, 10, 0)
	require.NoError(t, err)
	readBack := make([]uint16, 5)
	require.Equal(t, 5, mapping.CopyTo(readBack))
	require.Equal(t, pattern, readBack)
	require.Equal(t, uint16(0xcafe), mapping.At(2))
	memory.Unmap(mapping)

	bytesView, _, err := Map[byte](memory, 0, WholeSize, 0)
	require.NoError(t, err)
	require.Equal(t, 64, bytesView.Len())
	require.Equal(t, make([]byte, 8), bytesView.Slice()[:8])
	memory.Unmap(bytesView)
}

func TestMap_SetAndSlice(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, _, err := Map[uint32](memory, 0, 16, 0)
	require.NoError(t, err)

	mapping.Set(3, 42)
	mapping.Slice()[0] = 7
	require.Equal(t, []uint32{7, 0, 0, 42}, mapping.Slice())
	require.Equal(t, 2, mapping.CopyFrom([]uint32{1, 2}))
	require.Equal(t, []uint32{1, 2, 0, 42}, mapping.Slice())
	require.NotNil(t, mapping.Pointer())

	memory.Unmap(mapping)
}

func TestUnmap_DifferentMemory(t *testing.T) {
	device := newFakeDevice()
	first := readyMemory(t, device, 16)
	defer first.Release()
	second := readyMemory(t, device, 16)
	defer second.Release()

	mapping, _, err := Map[uint32](first, 0, 16, 0)
	require.NoError(t, err)

	require.PanicsWithValue(t, "cannot unmap memory: memory mapping is from a different memory object", func() {
		second.Unmap(mapping)
	})
	require.Equal(t, 0, device.unmapCalls)

	// The mapping is untouched and can still be unmapped from its own memory
	require.Equal(t, 4, mapping.Len())
	first.Unmap(mapping)
	require.Equal(t, 1, device.unmapCalls)
}

func TestUnmap_SameHandleOtherDevice(t *testing.T) {
	// Both devices hand out the same first handle
	firstDevice := newFakeDevice()
	secondDevice := newFakeDevice()

	first := readyMemory(t, firstDevice, 16)
	defer first.Release()
	second := readyMemory(t, secondDevice, 16)
	defer second.Release()
	require.Equal(t, first.Handle(), second.Handle())

	firstMapping, _, err := Map[uint32](first, 0, 16, 0)
	require.NoError(t, err)
	secondMapping, _, err := Map[uint32](second, 0, 16, 0)
	require.NoError(t, err)

	require.PanicsWithValue(t, "cannot unmap memory: memory mapping is from a different memory object", func() {
		second.Unmap(firstMapping)
	})
	require.Equal(t, 0, firstDevice.unmapCalls)
	require.Equal(t, 0, secondDevice.unmapCalls)

	// Neither mapping was touched
	require.Equal(t, 4, firstMapping.Len())
	require.Equal(t, 4, secondMapping.Len())

	first.Unmap(firstMapping)
	second.Unmap(secondMapping)
	require.Equal(t, 1, firstDevice.unmapCalls)
	require.Equal(t, 1, secondDevice.unmapCalls)
}

func TestUnmap_Nil(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	require.PanicsWithValue(t, "cannot unmap memory: mapping is nil", func() {
		memory.Unmap(nil)
	})

	var mapping *MemoryMapping[uint32]
	require.PanicsWithValue(t, "cannot unmap memory: mapping is nil", func() {
		memory.Unmap(mapping)
	})
	require.Equal(t, 0, device.unmapCalls)
	require.NoError(t, memory.Validate())
}

func TestUnmap_ThroughClone(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	clone := memory.Clone()

	mapping, _, err := Map[uint32](memory, 0, 16, 0)
	require.NoError(t, err)

	// Owners of the same allocation share a handle
	clone.Unmap(mapping)
	require.Equal(t, 1, device.unmapCalls)

	clone.Release()
	memory.Release()
}

func TestMapping_UseAfterUnmap(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, _, err := Map[uint32](memory, 0, 16, 0)
	require.NoError(t, err)
	memory.Unmap(mapping)

	require.PanicsWithValue(t, "attempted to access a memory mapping that has already been unmapped", func() {
		mapping.At(0)
	})
	require.PanicsWithValue(t, "cannot unmap memory: memory mapping has already been unmapped", func() {
		memory.Unmap(mapping)
	})
	require.Equal(t, 1, device.unmapCalls)
}

func TestMapping_UseAfterRelease(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	clone := memory.Clone()
	defer clone.Release()

	mapping, _, err := Map[uint32](memory, 0, 16, 0)
	require.NoError(t, err)
	memory.Release()

	require.PanicsWithValue(t, "attempted to access a memory mapping after its device memory was released", func() {
		mapping.Len()
	})

	clone.Unmap(mapping)
}

func TestMapToPtr(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	ptr, res, err := memory.MapToPtr(4, 4, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, &device.memory[memory.Handle()][4], (*byte)(ptr))

	memory.UnmapPtr()
	require.Equal(t, 1, device.mapCalls)
	require.Equal(t, 1, device.unmapCalls)
}

func handleOf(source HandleSource) Handle {
	return source.Handle()
}

func TestHandleSource(t *testing.T) {
	device := newFakeDevice()
	memory := readyMemory(t, device, 16)
	defer memory.Release()

	mapping, _, err := Map[byte](memory, 0, 16, 0)
	require.NoError(t, err)
	defer memory.Unmap(mapping)

	handle := memory.Handle()
	require.Equal(t, handle, handleOf(handle))
	require.Equal(t, handle, handleOf(memory))
	require.Equal(t, handle, handleOf(mapping))
	require.Equal(t, "DeviceMemory(0x1010)", handle.String())
}
