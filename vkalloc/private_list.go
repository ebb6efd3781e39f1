package vkalloc

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/utils"
)

// privateAllocationList links together the private allocations of one memory type through
// the allocations themselves
type privateAllocationList struct {
	mutex utils.OptionalRWMutex

	count              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *privateAllocationList) Init(useMutex bool) {
	l.mutex = utils.NewOptionalRWMutex(useMutex)
}

func (l *privateAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	var prev *Allocation
	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextPrivateAlloc() {
		if alloc.prevPrivateAlloc() != prev {
			return errors.Errorf("private allocation %d does not link back to its predecessor", actualCount)
		}
		if alloc.memory == nil {
			return errors.Errorf("private allocation %d has no native memory", actualCount)
		}

		prev = alloc
		actualCount++
	}

	if prev != l.allocationListTail {
		return errors.New("the last private allocation in the list is not the list's tail")
	}

	if l.count != actualCount {
		return errors.Errorf("the listed number of private allocations in the list (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *privateAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextPrivateAlloc() {
		stats.BlockCount++
		stats.BlockBytes += item.size
		stats.AllocationCount++
		stats.AllocationBytes += item.size
	}
}

func (l *privateAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextPrivateAlloc() {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *privateAllocationList) BuildStatsString(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := writer.Array()
	defer s.End()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextPrivateAlloc() {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *privateAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *privateAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

func (l *privateAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pushAllocation(alloc)
}

// Unregister removes alloc from the list. An allocation that is not linked into this list is an
// internal consistency fault.
func (l *privateAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.contains(alloc) {
		panic(fmt.Sprintf("attempted to free a private allocation of memory type %d that is not registered with the allocator", alloc.memoryTypeIndex))
	}

	l.removeAllocation(alloc)
}

// PopAll unlinks every allocation from the list and returns them
func (l *privateAllocationList) PopAll() []*Allocation {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	allocs := make([]*Allocation, 0, l.count)
	for l.allocationListHead != nil {
		alloc := l.allocationListHead
		l.removeAllocation(alloc)
		allocs = append(allocs, alloc)
	}

	return allocs
}

func (l *privateAllocationList) contains(alloc *Allocation) bool {
	prev := alloc.prevPrivateAlloc()
	if prev == nil {
		return l.allocationListHead == alloc
	}

	return prev.nextPrivateAlloc() == alloc
}

func (l *privateAllocationList) removeAllocation(alloc *Allocation) {
	prev := alloc.prevPrivateAlloc()
	next := alloc.nextPrivateAlloc()

	if prev != nil {
		prev.setNext(next)
	} else {
		l.allocationListHead = next
	}

	if next != nil {
		next.setPrev(prev)
	} else {
		l.allocationListTail = prev
	}

	alloc.setNext(nil)
	alloc.setPrev(nil)

	l.count--
}

func (l *privateAllocationList) pushAllocation(alloc *Allocation) {
	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
		l.count = 1
		return
	}

	alloc.setPrev(l.allocationListTail)
	l.allocationListTail.setNext(alloc)

	l.allocationListTail = alloc
	l.count++
}
