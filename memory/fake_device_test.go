package memory

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// fakeDevice backs every allocation with a Go byte slice and counts calls to each primitive
type fakeDevice struct {
	mutex      sync.Mutex
	nextHandle Handle
	memory     map[Handle][]byte

	allocateInfos []core1_0.MemoryAllocateInfo
	freed         []Handle
	mapCalls      int
	unmapCalls    int
	mapFlags      []core1_0.MemoryMapFlags

	allocateRes common.VkResult
	allocateErr error
	mapRes      common.VkResult
	mapErr      error
	freeErr     error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		nextHandle: 0x1000,
		memory:     make(map[Handle][]byte),
	}
}

func (d *fakeDevice) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (Handle, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.allocateInfos = append(d.allocateInfos, allocateInfo)
	if d.allocateErr != nil {
		return NullHandle, d.allocateRes, d.allocateErr
	}
	if allocateInfo.AllocationSize <= 0 {
		return NullHandle, core1_0.VKErrorUnknown, errors.New("allocation size must be greater than 0")
	}

	d.nextHandle += 0x10
	d.memory[d.nextHandle] = make([]byte, allocateInfo.AllocationSize)
	return d.nextHandle, core1_0.VKSuccess, nil
}

func (d *fakeDevice) FreeMemory(memory Handle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.freed = append(d.freed, memory)
	delete(d.memory, memory)
	return d.freeErr
}

func (d *fakeDevice) MapMemory(memory Handle, offset, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.mapCalls++
	d.mapFlags = append(d.mapFlags, flags)
	if d.mapErr != nil {
		return nil, d.mapRes, d.mapErr
	}

	data, ok := d.memory[memory]
	if !ok {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("unknown memory %s", memory)
	}

	return unsafe.Pointer(&data[offset]), core1_0.VKSuccess, nil
}

func (d *fakeDevice) UnmapMemory(memory Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.unmapCalls++
}

func (d *fakeDevice) freeCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.freed)
}
