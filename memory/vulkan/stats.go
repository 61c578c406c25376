package vulkan

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memory"
	"github.com/vkngwrapper/arsenal/memutils"
	"golang.org/x/exp/slices"
)

func printStatistics(json *jwriter.ObjectState, stats memutils.Statistics) {
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("Mapped").Int(stats.MappedCount)
}

func (a *allocatedMemory) printParameters(json *jwriter.ObjectState) {
	json.Name("MemoryTypeIndex").Int(a.memoryTypeIndex)
	json.Name("Size").Int(a.size)
	json.Name("Mapped").Bool(a.mapped)
}

// BuildStatsString returns a JSON document describing the statistics of every heap and every live
// allocation, ordered by handle
func (d *Device) BuildStatsString() string {
	d.logger.Debug("Device::BuildStatsString")

	writer := jwriter.NewWriter()
	root := writer.Object()

	total := root.Name("Total").Object()
	printStatistics(&total, d.TotalStatistics())
	total.End()

	heaps := root.Name("Heaps").Array()
	for heapIndex := 0; heapIndex < d.MemoryHeapCount(); heapIndex++ {
		heap := heaps.Object()
		heap.Name("Size").Int(d.memoryProperties.MemoryHeaps[heapIndex].Size)
		printStatistics(&heap, d.Statistics(heapIndex))
		heap.End()
	}
	heaps.End()

	d.mutex.RLock()
	handles := make([]memory.Handle, 0, d.allocations.Count())
	d.allocations.Iter(func(handle memory.Handle, _ *allocatedMemory) bool {
		handles = append(handles, handle)
		return false
	})
	slices.Sort(handles)

	allocations := root.Name("Allocations").Array()
	for _, handle := range handles {
		allocated, _ := d.allocations.Get(handle)

		json := allocations.Object()
		json.Name("Handle").String(handle.String())
		allocated.printParameters(&json)
		json.End()
	}
	allocations.End()
	d.mutex.RUnlock()

	root.End()

	return string(writer.Bytes())
}
