package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Budget is a snapshot of the memory a single heap has handed out
type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes of coarse native memory currently allocated from the heap
	Usage int
	// Budget is the number of bytes the heap is expected to hold before allocations start failing
	Budget int
}

// MemoryCallbacks receives a notification for every coarse native allocation and free
type MemoryCallbacks interface {
	Allocate(memoryType int, memory native.Memory, size int)
	Free(memoryType int, memory native.Memory, size int)
}

// DeviceMemoryProperties owns the memory type and heap tables of a device, performs coarse
// native allocations and keeps per-heap usage counters
type DeviceMemoryProperties struct {
	// Number and size of coarse native allocations per heap
	blockCount [common.MaxMemoryHeaps]atomic.Int32
	blockBytes [common.MaxMemoryHeaps]atomic.Int64
	// Number and size of allocations handed to callers per heap: block suballocations plus
	// private allocations
	allocationCount [common.MaxMemoryHeaps]atomic.Int32
	allocationBytes [common.MaxMemoryHeaps]atomic.Int64

	memoryCount atomic.Uint32

	useMutex        bool
	memoryCallbacks MemoryCallbacks
	heapLimits      []int

	device           native.Device
	limits           *core1_0.PhysicalDeviceLimits
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	device native.Device,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	if device == nil {
		return nil, errors.New("attempted to create device memory properties for a nil device")
	}

	properties := &DeviceMemoryProperties{
		useMutex:         useMutex,
		memoryCallbacks:  memoryCallbacks,
		device:           device,
		limits:           device.Limits(),
		memoryProperties: device.MemoryProperties(),
	}

	if properties.limits == nil {
		return nil, errors.New("device did not provide physical device limits")
	}
	if properties.memoryProperties == nil {
		return nil, errors.New("device did not provide memory properties")
	}

	err := memutils.CheckPow2(properties.limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(properties.limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	typeCount := properties.MemoryTypeCount()
	heapCount := properties.MemoryHeapCount()
	if typeCount > common.MaxMemoryTypes {
		return nil, errors.Newf("device reported %d memory types, but at most %d are supported", typeCount, common.MaxMemoryTypes)
	}
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("device reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range properties.memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.New("vkalloc.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heap types")
	}
	properties.heapLimits = heapSizeLimits

	return properties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) Limits() *core1_0.PhysicalDeviceLimits {
	return m.limits
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the alignment every allocation from the memory type must honor.
// Host-visible memory that is not coherent is flushed in whole atoms, so allocations are kept
// on atom boundaries.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if !m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) || m.limits.NonCoherentAtomSize < 1 {
		return 1
	}

	return uint(m.limits.NonCoherentAtomSize)
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	granularity := m.limits.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

// AllocationCount is the number of live coarse native allocations across all heaps
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return m.memoryCount.Load()
}

func (m *DeviceMemoryProperties) heapLimit(heapIndex int) int {
	heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
	if len(m.heapLimits) == 0 {
		return heapSize
	}

	limit := m.heapLimits[heapIndex]
	if limit <= 0 || limit > heapSize {
		return heapSize
	}
	return limit
}

func (m *DeviceMemoryProperties) hasHeapLimit(heapIndex int) bool {
	return len(m.heapLimits) > 0 && m.heapLimits[heapIndex] > 0
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex, allocationSize int) {
	m.blockBytes[heapIndex].Add(int64(allocationSize))
	m.blockCount[heapIndex].Add(1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) (common.VkResult, error) {
	for {
		currentVal := m.blockBytes[heapIndex].Load()
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if m.blockBytes[heapIndex].CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	m.blockCount[heapIndex].Add(1)
	return core1_0.VKSuccess, nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	if m.blockBytes[heapIndex].Add(int64(-allocationSize)) < 0 {
		panic(fmt.Sprintf("block bytes for heap %d went negative", heapIndex))
	}

	if m.blockCount[heapIndex].Add(-1) < 0 {
		panic(fmt.Sprintf("block count for heap %d went negative", heapIndex))
	}
}

// AllocateMemory performs one coarse native allocation. It fails with VKErrorTooManyObjects when
// the device allocation count limit is reached and with VKErrorOutOfDeviceMemory when a configured
// heap size limit would be exceeded.
func (m *DeviceMemoryProperties) AllocateMemory(
	allocateInfo core1_0.MemoryAllocateInfo,
) (mem *SynchronizedMemory, res common.VkResult, err error) {
	newMemoryCount := m.memoryCount.Add(1)
	defer func() {
		if err != nil {
			m.memoryCount.Add(^uint32(0))
		}
	}()

	if m.limits.MaxMemoryAllocationCount > 0 && int(newMemoryCount) > m.limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	if m.hasHeapLimit(heapIndex) {
		res, err = m.addBlockAllocationWithBudget(heapIndex, allocateInfo.AllocationSize, m.heapLimit(heapIndex))
		if err != nil {
			return nil, res, err
		}
	} else {
		m.addBlockAllocation(heapIndex, allocateInfo.AllocationSize)
	}
	defer func() {
		if err != nil {
			m.removeBlockAllocation(heapIndex, allocateInfo.AllocationSize)
		}
	}()

	nativeMemory, res, err := m.device.AllocateMemory(allocateInfo)
	if err != nil {
		return nil, res, err
	}

	mem = newSynchronizedMemory(nativeMemory, m.useMutex)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(allocateInfo.MemoryTypeIndex, nativeMemory, allocateInfo.AllocationSize)
	}

	return mem, res, nil
}

// FreeMemory releases a coarse native allocation made by AllocateMemory
func (m *DeviceMemoryProperties) FreeMemory(memoryTypeIndex int, size int, memory *SynchronizedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory.Memory(), size)
	}

	memory.free()

	m.removeBlockAllocation(m.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)
	m.memoryCount.Add(^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	m.allocationBytes[heapIndex].Add(int64(size))
	m.allocationCount[heapIndex].Add(1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	if m.allocationBytes[heapIndex].Add(int64(-size)) < 0 {
		panic(fmt.Sprintf("allocation bytes for heap %d went negative", heapIndex))
	}

	if m.allocationCount[heapIndex].Add(-1) < 0 {
		panic(fmt.Sprintf("allocation count for heap %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) HeapBudget(heapIndex int, budget *Budget) {
	budget.Statistics.BlockCount = int(m.blockCount[heapIndex].Load())
	budget.Statistics.AllocationCount = int(m.allocationCount[heapIndex].Load())
	budget.Statistics.BlockBytes = int(m.blockBytes[heapIndex].Load())
	budget.Statistics.AllocationBytes = int(m.allocationBytes[heapIndex].Load())

	budget.Usage = budget.Statistics.BlockBytes
	budget.Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
	if m.hasHeapLimit(heapIndex) && m.heapLimit(heapIndex) < budget.Budget {
		budget.Budget = m.heapLimit(heapIndex)
	}
}

func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := range budgets {
		m.HeapBudget(firstHeap+i, &budgets[i])
	}
}
