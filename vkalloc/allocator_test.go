package vkalloc

import (
	"fmt"
	"io"
	"testing"

	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/orrery-gfx/arsenal/vkalloc/native/mocks"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	testHeapSize  = 8 * 1024 * 1024
	testBlockSize = testHeapSize / 8
)

type AllocatorSetup struct {
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
	Limits           *core1_0.PhysicalDeviceLimits
	AllocatorOptions CreateOptions
}

func deviceLocalSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  testHeapSize,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}
}

func hostVisibleSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size: testHeapSize,
			},
		},
	}
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) (*mocks.MockDevice, *Allocator) {
	limits := setup.Limits
	if limits == nil {
		limits = &core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:   1,
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 4096,
		}
	}

	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().Limits().Return(limits).AnyTimes()
	device.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, device, setup.AllocatorOptions)
	require.NoError(t, err)

	return device, allocator
}

func blockInfo(size, memoryTypeIndex int) core1_0.MemoryAllocateInfo {
	return core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}
}

func requirements(size, alignment int) *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      alignment,
		MemoryTypeBits: 0xffffffff,
	}
}

func TestNewAllocatorErrors(t *testing.T) {
	testCases := map[string]struct {
		Options CreateOptions
	}{
		"Negative Large Heap Block Size": {
			Options: CreateOptions{PreferredLargeHeapBlockSize: -1},
		},
		"Negative Small Heap Block Size": {
			Options: CreateOptions{PreferredSmallHeapBlockSize: -1},
		},
		"Heap Limit Count Mismatch": {
			Options: CreateOptions{HeapSizeLimits: []int{1024, 1024}},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			device := mocks.NewMockDevice(ctrl)
			device.EXPECT().Limits().Return(&core1_0.PhysicalDeviceLimits{
				BufferImageGranularity: 1,
				NonCoherentAtomSize:    1,
			}).AnyTimes()
			device.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
				MemoryTypes: deviceLocalSetup().MemoryTypes,
				MemoryHeaps: deviceLocalSetup().MemoryHeaps,
			}).AnyTimes()

			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			_, err := New(logger, device, testCase.Options)
			require.Error(t, err)
		})
	}

	_, err := New(nil, mocks.NewMockDevice(gomock.NewController(t)), CreateOptions{})
	require.Error(t, err)
}

func TestPreferredBlockSize(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{HeapIndex: 0},
			{HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 4 * 1024 * 1024 * 1024},
			{Size: testHeapSize},
		},
	})
	require.Equal(t, defaultLargeHeapBlockSize, allocator.memoryBlockLists[0].PreferredBlockSize())
	require.Equal(t, testBlockSize, allocator.memoryBlockLists[1].PreferredBlockSize())

	_, allocator = readyAllocator(t, ctrl, AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{HeapIndex: 0},
			{HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 4 * 1024 * 1024 * 1024},
			{Size: testHeapSize},
		},
		AllocatorOptions: CreateOptions{
			PreferredLargeHeapBlockSize: 64*1024*1024 + 1,
			PreferredSmallHeapBlockSize: 65536,
		},
	})
	require.Equal(t, 64*1024*1024+32, allocator.memoryBlockLists[0].PreferredBlockSize())
	require.Equal(t, 65536, allocator.memoryBlockLists[1].PreferredBlockSize())
}

func TestFindMemoryTypeIndex(t *testing.T) {
	testCases := map[string]struct {
		MemoryTypeBits uint32
		Requirements   AllocationRequirements
		ExpectedIndex  int
		ExpectedResult common.VkResult
	}{
		"GPU Only": {
			MemoryTypeBits: 0xf,
			Requirements:   AllocationRequirements{Usage: MemoryUsageGPUOnly},
			ExpectedIndex:  0,
			ExpectedResult: core1_0.VKSuccess,
		},
		"CPU Only": {
			MemoryTypeBits: 0xf,
			Requirements:   AllocationRequirements{Usage: MemoryUsageCPUOnly},
			ExpectedIndex:  1,
			ExpectedResult: core1_0.VKSuccess,
		},
		"CPU To GPU Prefers Device Local": {
			MemoryTypeBits: 0xf,
			Requirements:   AllocationRequirements{Usage: MemoryUsageCPUToGPU},
			ExpectedIndex:  3,
			ExpectedResult: core1_0.VKSuccess,
		},
		"GPU To CPU Prefers Cached": {
			MemoryTypeBits: 0xf,
			Requirements:   AllocationRequirements{Usage: MemoryUsageGPUToCPU},
			ExpectedIndex:  2,
			ExpectedResult: core1_0.VKSuccess,
		},
		"GPU Only Falls Back To Fewest Missing Flags": {
			MemoryTypeBits: 0x6,
			Requirements:   AllocationRequirements{Usage: MemoryUsageGPUOnly},
			ExpectedIndex:  1,
			ExpectedResult: core1_0.VKSuccess,
		},
		"Requirement Bits Narrow The Mask": {
			MemoryTypeBits: 0xf,
			Requirements:   AllocationRequirements{MemoryTypeBits: 0x8},
			ExpectedIndex:  3,
			ExpectedResult: core1_0.VKSuccess,
		},
		"Preferred Flags": {
			MemoryTypeBits: 0xf,
			Requirements: AllocationRequirements{
				PreferredFlags: core1_0.MemoryPropertyHostCached,
			},
			ExpectedIndex:  2,
			ExpectedResult: core1_0.VKSuccess,
		},
		"No Type Has Required Flags": {
			MemoryTypeBits: 0xf,
			Requirements: AllocationRequirements{
				RequiredFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCached,
			},
			ExpectedIndex:  -1,
			ExpectedResult: core1_0.VKErrorOutOfDeviceMemory,
		},
		"Empty Mask": {
			MemoryTypeBits: 0,
			Requirements:   AllocationRequirements{},
			ExpectedIndex:  -1,
			ExpectedResult: core1_0.VKErrorOutOfDeviceMemory,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			_, allocator := readyAllocator(t, ctrl, AllocatorSetup{
				MemoryTypes: []core1_0.MemoryType{
					{
						PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
						HeapIndex:     0,
					},
					{
						PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
						HeapIndex:     1,
					},
					{
						PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
						HeapIndex:     1,
					},
					{
						PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
						HeapIndex:     0,
					},
				},
				MemoryHeaps: []core1_0.MemoryHeap{
					{
						Size:  testHeapSize,
						Flags: core1_0.MemoryHeapDeviceLocal,
					},
					{
						Size: testHeapSize,
					},
				},
			})

			index, res, err := allocator.FindMemoryTypeIndex(testCase.MemoryTypeBits, testCase.Requirements)
			require.Equal(t, testCase.ExpectedIndex, index)
			require.Equal(t, testCase.ExpectedResult, res)
			if testCase.ExpectedResult == core1_0.VKSuccess {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestAllocateMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var first, second Allocation
	res, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{
		UserData: 5,
		Name:     "first",
	}, metadata.SuballocationBuffer, &first)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	res, err = allocator.AllocateMemory(requirements(1000, 256), AllocationRequirements{}, metadata.SuballocationBuffer, &second)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.True(t, first.IsLive())
	require.False(t, first.IsPrivate())
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 1000, first.Size())
	require.Equal(t, 5, first.UserData())
	require.Equal(t, "first", first.Name())
	require.Equal(t, native.Memory(memory), first.Memory())
	require.Equal(t, metadata.SuballocationBuffer, first.SuballocationType())
	require.Equal(t, core1_0.MemoryPropertyDeviceLocal, first.MemoryType().PropertyFlags)

	require.Equal(t, 1024, second.Offset())
	require.Equal(t, uint(256), second.Alignment())
	require.Equal(t, native.Memory(memory), second.Memory())
	require.NoError(t, allocator.Validate())

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.BlockCount)
	require.Equal(t, testBlockSize, stats.Total.BlockBytes)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 2000, stats.Total.AllocationBytes)
	require.Equal(t, 2, stats.Total.UnusedRangeCount)
	require.Equal(t, stats.Total, stats.MemoryHeaps[0])
	require.Equal(t, stats.Total, stats.MemoryTypes[0])

	require.NoError(t, allocator.FreeMemory(&first))
	require.False(t, first.IsLive())
	require.NoError(t, second.Free())
	require.NoError(t, allocator.Validate())

	// The last empty block is retained
	require.Equal(t, 1, allocator.memoryBlockLists[0].BlockCount())
	require.Equal(t, 1, allocator.memoryBlockLists[0].EmptyBlockCount())

	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemoryInvalidRequests(t *testing.T) {
	testCases := map[string]struct {
		Requirements *core1_0.MemoryRequirements
		Options      AllocationRequirements
	}{
		"Nil Requirements": {
			Requirements: nil,
		},
		"Zero Size": {
			Requirements: requirements(0, 1),
		},
		"Alignment Not Power Of Two": {
			Requirements: requirements(1000, 48),
		},
		"Never Allocate With Private Memory": {
			Requirements: requirements(1000, 1),
			Options: AllocationRequirements{
				Flags:         AllocationCreateNeverAllocate,
				PrivateMemory: true,
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			_, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

			var alloc Allocation
			res, err := allocator.AllocateMemory(testCase.Requirements, testCase.Options, metadata.SuballocationBuffer, &alloc)
			require.Error(t, err)
			require.Equal(t, core1_0.VKErrorUnknown, res)
			require.False(t, alloc.IsLive())
		})
	}

	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	res, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, nil)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestAllocateIntoLiveAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)

	res, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
	require.Equal(t, 0, alloc.Offset())

	require.NoError(t, alloc.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestLargeAllocationsArePrivate(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize/2+1, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(testBlockSize/2+1, 1), AllocationRequirements{}, metadata.SuballocationUnknown, &alloc)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.True(t, alloc.IsPrivate())
	require.Equal(t, 0, alloc.Offset())
	require.Equal(t, testBlockSize/2+1, alloc.Size())
	require.Equal(t, 0, allocator.memoryBlockLists[0].BlockCount())
	require.Equal(t, 1, allocator.privateAllocations[0].Count())
	require.NoError(t, allocator.Validate())

	budgets := make([]Budget, 1)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, testBlockSize/2+1, budgets[0].Usage)
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)

	memory.EXPECT().Free()
	require.NoError(t, allocator.FreeMemory(&alloc))
	require.True(t, allocator.privateAllocations[0].IsEmpty())

	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 0, budgets[0].Statistics.AllocationCount)

	require.NoError(t, allocator.Destroy())
}

func TestPrivateMemoryRequested(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(256, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(256, 1), AllocationRequirements{PrivateMemory: true}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.True(t, alloc.IsPrivate())

	memory.EXPECT().Free()
	require.NoError(t, alloc.Free())
	require.NoError(t, allocator.Destroy())
}

func TestNewBlockSizeHalvesOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize/2, 0)).Return(memory, core1_0.VKSuccess, nil),
	)

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.False(t, alloc.IsPrivate())
	require.Equal(t, testBlockSize/2, allocator.memoryBlockLists[0].blocks[0].Size())

	require.NoError(t, alloc.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestPrivateFallbackWhenBlocksFail(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize/2, 0)).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize/4, 0)).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		device.EXPECT().AllocateMemory(blockInfo(100, 0)).Return(memory, core1_0.VKSuccess, nil),
	)

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.True(t, alloc.IsPrivate())
	require.Equal(t, 0, allocator.memoryBlockLists[0].BlockCount())

	memory.EXPECT().Free()
	require.NoError(t, alloc.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFallbackToNextMemoryType(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  testHeapSize,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	})

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any()).DoAndReturn(func(info core1_0.MemoryAllocateInfo) (native.Memory, common.VkResult, error) {
		if info.MemoryTypeIndex == 0 {
			return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		require.Equal(t, blockInfo(testBlockSize, 1), info)
		return memory, core1_0.VKSuccess, nil
	}).Times(5)

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{Usage: MemoryUsageGPUOnly}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 1, alloc.MemoryTypeIndex())

	require.NoError(t, alloc.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestAllocationFailsWhenEveryTypeFails(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	device.EXPECT().AllocateMemory(gomock.Any()).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()).Times(4)

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.False(t, alloc.IsLive())
	require.NoError(t, allocator.Validate())
}

func TestNeverAllocate(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{
		Flags: AllocationCreateNeverAllocate,
	}, metadata.SuballocationBuffer, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var existing Allocation
	_, err = allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &existing)
	require.NoError(t, err)

	// Room in an existing block is still usable
	res, err = allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{
		Flags: AllocationCreateNeverAllocate,
	}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 100, alloc.Offset())

	require.NoError(t, alloc.Free())
	require.NoError(t, existing.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestNoNewAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := deviceLocalSetup()
	setup.AllocatorOptions.NoNewAllocations = true
	device, allocator := readyAllocator(t, ctrl, setup)
	require.True(t, allocator.NoNewAllocations())

	var alloc Allocation
	res, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	res, err = allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{PrivateMemory: true}, metadata.SuballocationBuffer, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	allocator.SetNoNewAllocations(false)
	require.False(t, allocator.NoNewAllocations())

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	_, err = allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)

	require.NoError(t, alloc.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestOnlyOneEmptyBlockRetained(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	firstMemory := mocks.NewMockMemory(ctrl)
	secondMemory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(firstMemory, core1_0.VKSuccess, nil),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(secondMemory, core1_0.VKSuccess, nil),
	)

	const size = 400 * 1024
	allocs := make([]Allocation, 3)
	for i := range allocs {
		_, err := allocator.AllocateMemory(requirements(size, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &allocs[i])
		require.NoError(t, err)
		require.False(t, allocs[i].IsPrivate())
	}

	require.Equal(t, native.Memory(firstMemory), allocs[0].Memory())
	require.Equal(t, native.Memory(firstMemory), allocs[1].Memory())
	require.Equal(t, native.Memory(secondMemory), allocs[2].Memory())
	require.Equal(t, 2, allocator.memoryBlockLists[0].BlockCount())

	// The block with the most free space is searched first
	require.Same(t, allocs[2].blockData.block, allocator.memoryBlockLists[0].blocks[0])

	require.NoError(t, allocs[2].Free())
	require.Equal(t, 2, allocator.memoryBlockLists[0].BlockCount())
	require.Equal(t, 1, allocator.memoryBlockLists[0].EmptyBlockCount())

	require.NoError(t, allocs[0].Free())
	firstMemory.EXPECT().Free()
	require.NoError(t, allocs[1].Free())

	require.Equal(t, 1, allocator.memoryBlockLists[0].BlockCount())
	require.Equal(t, 1, allocator.memoryBlockLists[0].EmptyBlockCount())
	require.NoError(t, allocator.Validate())

	secondMemory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestEmptyBlockReleasedOverBudget(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := deviceLocalSetup()
	setup.AllocatorOptions.HeapSizeLimits = []int{testBlockSize}
	device, allocator := readyAllocator(t, ctrl, setup)

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)

	budgets := make([]Budget, 1)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, testBlockSize, budgets[0].Budget)
	require.Equal(t, testBlockSize, budgets[0].Usage)

	memory.EXPECT().Free()
	require.NoError(t, alloc.Free())
	require.Equal(t, 0, allocator.memoryBlockLists[0].BlockCount())

	require.NoError(t, allocator.Destroy())
}

func TestDoubleFree(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)

	require.NoError(t, allocator.FreeMemory(&alloc))
	require.Error(t, allocator.FreeMemory(&alloc))
	require.Error(t, alloc.Free())
	require.Error(t, allocator.FreeMemory(nil))

	var neverAllocated Allocation
	require.Error(t, neverAllocated.Free())

	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestFreeStaleCopyPanics(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	alloc := &Allocation{}
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, alloc)
	require.NoError(t, err)

	stale := *alloc
	require.NoError(t, alloc.Free())

	require.Panics(t, func() {
		_ = allocator.FreeMemory(&stale)
	})

	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}

func TestFreeFromOtherAllocator(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())
	_, other := readyAllocator(t, ctrl, deviceLocalSetup())

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)

	require.Error(t, other.FreeMemory(&alloc))
	require.True(t, alloc.IsLive())

	require.NoError(t, alloc.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
	require.NoError(t, other.Destroy())
}

func TestDestroyReportsLeaks(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	blockMemory := mocks.NewMockMemory(ctrl)
	privateMemory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(blockMemory, core1_0.VKSuccess, nil),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(privateMemory, core1_0.VKSuccess, nil),
	)

	var blockAlloc, privateAlloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{Name: "leaked"}, metadata.SuballocationBuffer, &blockAlloc)
	require.NoError(t, err)
	_, err = allocator.AllocateMemory(requirements(testBlockSize, 1), AllocationRequirements{UserData: "private"}, metadata.SuballocationBuffer, &privateAlloc)
	require.NoError(t, err)
	require.True(t, privateAlloc.IsPrivate())

	blockMemory.EXPECT().Free()
	privateMemory.EXPECT().Free()
	require.Error(t, allocator.Destroy())

	require.False(t, blockAlloc.IsLive())
	require.False(t, privateAlloc.IsLive())
	require.Error(t, blockAlloc.Free())

	budgets := make([]Budget, 1)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 0, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 0, budgets[0].Statistics.BlockCount)
}

func TestDestroyReportsLeaksFromEveryBlock(t *testing.T) {
	ctrl := gomock.NewController(t)

	device, allocator := readyAllocator(t, ctrl, deviceLocalSetup())

	firstMemory := mocks.NewMockMemory(ctrl)
	secondMemory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(firstMemory, core1_0.VKSuccess, nil),
		device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(secondMemory, core1_0.VKSuccess, nil),
	)

	// Two of these fill the first block, so the third opens a second one
	allocSize := testBlockSize * 3 / 8
	allocs := make([]Allocation, 3)
	for i := range allocs {
		_, err := allocator.AllocateMemory(requirements(allocSize, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &allocs[i])
		require.NoError(t, err)
		require.False(t, allocs[i].IsPrivate())
	}

	firstBlock := allocs[0].blockData.block.id
	secondBlock := allocs[2].blockData.block.id
	require.NotEqual(t, firstBlock, secondBlock)

	firstMemory.EXPECT().Free()
	secondMemory.EXPECT().Free()
	err := allocator.Destroy()
	require.Error(t, err)

	report := fmt.Sprintf("%+v", err)
	require.Contains(t, report, fmt.Sprintf("destruction of memory block %d", firstBlock))
	require.Contains(t, report, fmt.Sprintf("destruction of memory block %d", secondBlock))
}

func TestMemoryCallbackOptions(t *testing.T) {
	ctrl := gomock.NewController(t)

	var allocated, freed []int
	setup := deviceLocalSetup()
	setup.AllocatorOptions.MemoryCallbackOptions = &MemoryCallbackOptions{
		Allocate: func(allocator *Allocator, memoryType int, memory native.Memory, size int, userData any) {
			require.Equal(t, "callbacks", userData)
			allocated = append(allocated, size)
		},
		Free: func(allocator *Allocator, memoryType int, memory native.Memory, size int, userData any) {
			require.Equal(t, "callbacks", userData)
			freed = append(freed, size)
		},
		UserData: "callbacks",
	}
	device, allocator := readyAllocator(t, ctrl, setup)

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var alloc Allocation
	_, err := allocator.AllocateMemory(requirements(1000, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &alloc)
	require.NoError(t, err)
	require.Equal(t, []int{testBlockSize}, allocated)
	require.Empty(t, freed)

	require.NoError(t, alloc.Free())
	require.Empty(t, freed)

	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
	require.Equal(t, []int{testBlockSize}, freed)
}

func TestBufferImageGranularity(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := deviceLocalSetup()
	setup.Limits = &core1_0.PhysicalDeviceLimits{
		BufferImageGranularity:   4096,
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 4096,
	}
	device, allocator := readyAllocator(t, ctrl, setup)

	memory := mocks.NewMockMemory(ctrl)
	device.EXPECT().AllocateMemory(blockInfo(testBlockSize, 0)).Return(memory, core1_0.VKSuccess, nil)

	var buffer, image Allocation
	_, err := allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationBuffer, &buffer)
	require.NoError(t, err)
	_, err = allocator.AllocateMemory(requirements(100, 1), AllocationRequirements{}, metadata.SuballocationImageOptimal, &image)
	require.NoError(t, err)

	require.Equal(t, 0, buffer.Offset())
	require.Equal(t, 4096, image.Offset())
	require.NoError(t, allocator.Validate())

	require.NoError(t, buffer.Free())
	require.NoError(t, image.Free())
	memory.EXPECT().Free()
	require.NoError(t, allocator.Destroy())
}
