package memutils

import "math"

// Statistics is a cheap summary of a set of memory blocks and the allocations carved out of them
type Statistics struct {
	// BlockCount is the number of coarse memory blocks
	BlockCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// BlockBytes is the number of bytes held by coarse memory blocks
	BlockBytes int
	// AllocationBytes is the number of bytes occupied by live allocations
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of block bytes not occupied by an allocation
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with size ranges. It is more expensive to collect
// because every region of every block has to be visited.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

// Clear resets the statistics. Min fields are set to math.MaxInt so that the first
// added value always replaces them.
func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	widenRange(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, size, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	widenRange(&s.AllocationSizeMin, &s.AllocationSizeMax, size, size)
}

// AddDetailedStatistics folds other into s. Ranges of an empty other are left untouched
// because Clear leaves its minimums above its maximums.
func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	widenRange(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, other.UnusedRangeSizeMin, other.UnusedRangeSizeMax)
	widenRange(&s.AllocationSizeMin, &s.AllocationSizeMax, other.AllocationSizeMin, other.AllocationSizeMax)
}

func widenRange(rangeMin, rangeMax *int, low, high int) {
	if low < *rangeMin {
		*rangeMin = low
	}
	if high > *rangeMax {
		*rangeMax = high
	}
}
