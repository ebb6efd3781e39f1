package vkalloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
)

// Budget reports how much of a memory heap the allocator is using and how much it should use
type Budget = vulkan.Budget

// TotalStatistics summarizes every memory block and private allocation of an Allocator, by
// memory type, by heap and overall
type TotalStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics visits every region of every block. It is slow and should be used for
// debugging and diagnostics only.
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Total.Clear()
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		typeStats := &stats.MemoryTypes[typeIndex]
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(typeStats)
		a.privateAllocations[typeIndex].AddDetailedStatistics(typeStats)

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(typeStats)
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// HeapBudgets fills budgets with the budget of each heap, starting from firstHeap. It is cheap
// enough to call every frame.
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) error {
	if firstHeap < 0 || firstHeap+len(budgets) > a.deviceMemory.MemoryHeapCount() {
		return errors.Newf("requested budgets for heaps %d through %d, but the device only has %d heaps",
			firstHeap, firstHeap+len(budgets)-1, a.deviceMemory.MemoryHeapCount())
	}

	a.deviceMemory.HeapBudgets(firstHeap, budgets)
	return nil
}

// BuildStatsString returns a JSON document describing the allocator's heaps, memory types and
// statistics. When detailed is true, every block is dumped region by region, along with every
// private allocation.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats TotalStatistics
	a.CalculateStatistics(&stats)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	topObj := writer.Object()

	generalObj := topObj.Name("General").Object()
	generalObj.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.Name("BufferImageGranularity").Int(a.deviceMemory.CalculateBufferImageGranularity())
	generalObj.End()

	totalObj := topObj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	memoryInfoObj := topObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := memoryInfoObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapObj.Name("Flags").String(heap.Flags.String())
		heapObj.Name("Size").Int(heap.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, &stats.MemoryHeaps[heapIndex])
		statsObj.End()

		typesObj := heapObj.Name("MemoryPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

			typeStatsObj := typeObj.Name("Stats").Object()
			printDetailedStatistics(&typeStatsObj, &stats.MemoryTypes[typeIndex])
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	memoryInfoObj.End()

	if detailed {
		poolsObj := topObj.Name("DefaultPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			typeObj := poolsObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			blockList := a.memoryBlockLists[typeIndex]
			typeObj.Name("PreferredBlockSize").Int(blockList.PreferredBlockSize())

			blockList.PrintDetailedMap(typeObj.Name("Blocks"))
			a.privateAllocations[typeIndex].BuildStatsString(typeObj.Name("PrivateAllocations"))

			typeObj.End()
		}
		poolsObj.End()
	}

	topObj.End()
	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
