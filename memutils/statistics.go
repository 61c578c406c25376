package memutils

// Statistics summarizes the device memory allocated from one heap, or from several heaps when
// combined with AddStatistics
type Statistics struct {
	// AllocationCount is the number of live device memory allocations
	AllocationCount int
	// AllocationBytes is the total size of the live device memory allocations
	AllocationBytes int
	// MappedCount is the number of live allocations that are currently mapped into host memory
	MappedCount int
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.MappedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.MappedCount += other.MappedCount
}
