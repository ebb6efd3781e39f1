package metadata

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildThreeBuffers(t *testing.T) *FreeListBlockMetadata {
	md := NewFreeListBlockMetadata(1)
	md.Init(1024)

	for i := 0; i < 3; i++ {
		success, request, err := md.CreateAllocationRequest(100, 1, SuballocationBuffer, AllocationStrategyMinMemory)
		require.NoError(t, err)
		require.True(t, success)
		require.NoError(t, md.Alloc(request, SuballocationBuffer, nil))
	}
	require.NoError(t, md.Free(100))
	require.NoError(t, md.Validate())

	// {0,100,Buffer} {100,100,Free} {200,100,Buffer} {300,724,Free}
	return md
}

func nodeAtOffset(md *FreeListBlockMetadata, offset int) int {
	for node := md.suballocations.Front(); node != noNode; node = md.suballocations.Next(node) {
		if md.suballocations.At(node).Offset == offset {
			return node
		}
	}

	return noNode
}

var validationTestCases = map[string]struct {
	Corrupt  func(md *FreeListBlockMetadata)
	Expected ValidationResult
}{
	"Zero Memory Size": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.size = 0
		},
		Expected: ValidationZeroMemorySize,
	},
	"Incorrect Suballoc Offset": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.suballocations.At(nodeAtOffset(md, 200)).Offset = 210
		},
		Expected: ValidationIncorrectSuballocOffset,
	},
	"Need Merge Suballocs": {
		Corrupt: func(md *FreeListBlockMetadata) {
			node := nodeAtOffset(md, 200)
			md.offsets.Delete(200)
			md.suballocations.At(node).Type = SuballocationFree
		},
		Expected: ValidationNeedMergeSuballocs,
	},
	"Registered Count Mismatch": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.freeSuballocationsBySize = md.freeSuballocationsBySize[1:]
		},
		Expected: ValidationFreeSuballocCountMismatch,
	},
	"Used Suballoc In Free List": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.freeSuballocationsBySize[0] = nodeAtOffset(md, 0)
		},
		Expected: ValidationUsedSuballocInFreeList,
	},
	"Free Suballoc Sort Incorrect": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.freeSuballocationsBySize[0], md.freeSuballocationsBySize[1] = md.freeSuballocationsBySize[1], md.freeSuballocationsBySize[0]
		},
		Expected: ValidationFreeSuballocSortIncorrect,
	},
	"Final Size Mismatch": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.size = 2048
		},
		Expected: ValidationFinalSizeMismatch,
	},
	"Final Free Size Mismatch": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.sumFreeSize -= 10
		},
		Expected: ValidationFinalFreeSizeMismatch,
	},
	"Free Count Mismatch": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.freeCount++
		},
		Expected: ValidationFreeSuballocCountMismatch,
	},
	"Used Suballoc Index Missing": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.offsets.Delete(0)
		},
		Expected: ValidationUsedSuballocIndexMismatch,
	},
	"Allocation Count Mismatch": {
		Corrupt: func(md *FreeListBlockMetadata) {
			md.allocCount--
		},
		Expected: ValidationUsedSuballocIndexMismatch,
	},
}

func TestFreeListValidationResults(t *testing.T) {
	for name, testCase := range validationTestCases {
		t.Run(name, func(t *testing.T) {
			md := buildThreeBuffers(t)
			testCase.Corrupt(md)

			err := md.Validate()
			require.Error(t, err)

			result, ok := ValidationResultOf(err)
			require.True(t, ok)
			require.Equal(t, testCase.Expected, result)
		})
	}
}

func TestValidationResultOf(t *testing.T) {
	result, ok := ValidationResultOf(nil)
	require.True(t, ok)
	require.Equal(t, ValidationPassed, result)

	_, ok = ValidationResultOf(ErrSuballocationNotFound)
	require.False(t, ok)

	err := NewValidationError(ValidationNullMemoryHandle, "block %d", 3)
	result, ok = ValidationResultOf(err)
	require.True(t, ok)
	require.Equal(t, ValidationNullMemoryHandle, result)
	require.Equal(t, "block validation failed with NULL_MEMORY_HANDLE: block 3", err.Error())
}

func TestFreeListCheckSuballocation(t *testing.T) {
	md := NewFreeListBlockMetadata(256)
	md.Init(1024)

	success, request, err := md.CreateAllocationRequest(200, 1, SuballocationBuffer, AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, md.Alloc(request, SuballocationBuffer, nil))

	freeNode := nodeAtOffset(md, 200)

	offset, ok := md.checkSuballocation(freeNode, 64, 1, SuballocationBuffer)
	require.True(t, ok)
	require.Equal(t, 200, offset)

	offset, ok = md.checkSuballocation(freeNode, 64, 1, SuballocationImageOptimal)
	require.True(t, ok)
	require.Equal(t, 256, offset)

	offset, ok = md.checkSuballocation(freeNode, 64, 128, SuballocationBuffer)
	require.True(t, ok)
	require.Equal(t, 256, offset)

	// Re-aligning to the next page leaves only 768 bytes
	_, ok = md.checkSuballocation(freeNode, 800, 1, SuballocationImageOptimal)
	require.False(t, ok)

	_, ok = md.checkSuballocation(freeNode, 800, 1, SuballocationBuffer)
	require.True(t, ok)

	_, ok = md.checkSuballocation(nodeAtOffset(md, 0), 16, 1, SuballocationBuffer)
	require.False(t, ok)
}

func TestFreeListAllocRejectsForeignRegion(t *testing.T) {
	md := buildThreeBuffers(t)

	success, request, err := md.CreateAllocationRequest(50, 1, SuballocationBuffer, AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	request.node = nodeAtOffset(md, 0)
	require.ErrorIs(t, md.Alloc(request, SuballocationBuffer, nil), ErrRegionNotFree)

	request.node = 1000
	require.ErrorIs(t, md.Alloc(request, SuballocationBuffer, nil), ErrRegionNotFree)
	require.NoError(t, md.Validate())
}

var allocationTypes = []SuballocationType{
	SuballocationUnknown,
	SuballocationBuffer,
	SuballocationImageUnknown,
	SuballocationImageLinear,
	SuballocationImageOptimal,
}

var strategies = []AllocationStrategy{
	AllocationStrategyMinMemory,
	AllocationStrategyMinTime,
	AllocationStrategyMinOffset,
}

type liveAllocation struct {
	offset    int
	size      int
	alignment uint
	allocType SuballocationType
}

func checkNoGranularityConflicts(t *testing.T, md *FreeListBlockMetadata) {
	granularity := md.Granularity()
	if granularity <= 1 {
		return
	}

	regions := md.Suballocations()
	for i := 0; i < len(regions); i++ {
		if regions[i].Type == SuballocationFree {
			continue
		}

		for j := i + 1; j < len(regions); j++ {
			if regions[j].Type == SuballocationFree {
				continue
			}

			// Pages only grow further apart from here
			lastPage := (regions[i].Offset + regions[i].Size - 1) / granularity
			if regions[j].Offset/granularity != lastPage {
				break
			}

			require.False(t, AllocationsConflict(regions[i].Type, regions[j].Type),
				"%s at %d and %s at %d share a page", regions[i].Type, regions[i].Offset, regions[j].Type, regions[j].Offset)
		}
	}
}

func TestFreeListRandomizedProperties(t *testing.T) {
	granularities := map[string]int{
		"No Granularity":  1,
		"256 Granularity": 256,
		"4K Granularity":  4096,
	}

	for name, granularity := range granularities {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(20240517))
			const blockSize = 1 << 20

			md := NewFreeListBlockMetadata(granularity)
			md.Init(blockSize)

			var live []liveAllocation

			for step := 0; step < 4000; step++ {
				if len(live) > 0 && rng.Intn(100) < 45 {
					index := rng.Intn(len(live))
					alloc := live[index]
					live[index] = live[len(live)-1]
					live = live[:len(live)-1]

					userData, err := md.AllocationUserData(alloc.offset)
					require.NoError(t, err)
					require.Equal(t, alloc, userData)

					require.NoError(t, md.Free(alloc.offset))
					require.ErrorIs(t, md.Free(alloc.offset), ErrSuballocationNotFound)
				} else {
					size := 1 + rng.Intn(8192)
					alignment := uint(1) << rng.Intn(9)
					allocType := allocationTypes[rng.Intn(len(allocationTypes))]
					strategy := strategies[rng.Intn(len(strategies))]

					sumFreeBefore := md.SumFreeSize()
					success, request, err := md.CreateAllocationRequest(size, alignment, allocType, strategy)
					require.NoError(t, err)
					if !success {
						require.Equal(t, sumFreeBefore, md.SumFreeSize())
						continue
					}

					require.Zero(t, request.Offset%int(alignment))

					alloc := liveAllocation{
						offset:    request.Offset,
						size:      size,
						alignment: alignment,
						allocType: allocType,
					}
					require.NoError(t, md.Alloc(request, allocType, alloc))
					require.Equal(t, sumFreeBefore-size, md.SumFreeSize())
					live = append(live, alloc)
				}

				require.NoError(t, md.Validate())
				require.Equal(t, len(live), md.AllocationCount())
				checkNoGranularityConflicts(t, md)
			}

			for _, alloc := range live {
				require.NoError(t, md.Free(alloc.offset))
				require.NoError(t, md.Validate())
			}

			require.Equal(t, []Suballocation{{Offset: 0, Size: blockSize, Type: SuballocationFree}}, md.Suballocations())
			require.Equal(t, 1, md.FreeRegionsCount())
			require.Equal(t, blockSize, md.SumFreeSize())
		})
	}
}

func TestFreeListInitDropsUserData(t *testing.T) {
	md := NewFreeListBlockMetadata(1)
	md.Init(1024)

	owner := &struct{ name string }{name: "vertices"}
	for i := 0; i < 4; i++ {
		success, request, err := md.CreateAllocationRequest(128, 1, SuballocationBuffer, AllocationStrategyMinMemory)
		require.NoError(t, err)
		require.True(t, success)
		require.NoError(t, md.Alloc(request, SuballocationBuffer, owner))
	}

	md.Init(2048)

	nodes := md.suballocations.nodes[:cap(md.suballocations.nodes)]
	require.Greater(t, len(nodes), 1)
	for index, node := range nodes {
		require.Nil(t, node.UserData, "node %d", index)
	}
	require.NoError(t, md.Validate())
}
