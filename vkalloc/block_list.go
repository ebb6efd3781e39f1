package vkalloc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/utils"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// maxNewBlockSizeShift is the number of times a failed block creation is retried at half the size
const maxNewBlockSizeShift = 2

var blockPool = sync.Pool{
	New: func() any {
		return &memoryBlock{}
	},
}

// memoryBlockList owns every memory block carved from one memory type
type memoryBlockList struct {
	parentAllocator *Allocator
	deviceMemory    *vulkan.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	preferredBlockSize     int
	bufferImageGranularity int
	minAllocationAlignment uint

	mutex       utils.OptionalRWMutex
	blocks      []*memoryBlock
	nextBlockId int
}

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	memoryTypeIndex int,
	preferredBlockSize int,
	bufferImageGranularity int,
	minAllocationAlignment uint,
) {
	l.parentAllocator = allocator
	l.deviceMemory = allocator.deviceMemory
	l.logger = allocator.logger
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.bufferImageGranularity = bufferImageGranularity
	l.minAllocationAlignment = minAllocationAlignment
	l.mutex = utils.NewOptionalRWMutex(useMutex)
}

func (l *memoryBlockList) MemoryTypeIndex() int    { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int { return l.preferredBlockSize }

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

func (l *memoryBlockList) EmptyBlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	count := 0
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			count++
		}
	}
	return count
}

// Destroy releases every block in the list, including blocks that still hold allocations. The
// returned error reports the leaked allocations.
func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var err error
	for _, block := range l.blocks {
		blockErr := block.Destroy()
		if blockErr != nil {
			err = cerrors.CombineErrors(err, errors.Wrapf(blockErr, "memory type %d", l.memoryTypeIndex))
		}
		blockPool.Put(block)
	}
	l.blocks = nil

	return err
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex, block := range l.blocks {
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex, block := range l.blocks {
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	emptyBlocks := 0
	for blockIndex, block := range l.blocks {
		if block == nil {
			return errors.Errorf("memory type %d has a nil block at index %d", l.memoryTypeIndex, blockIndex)
		}
		if block.memoryTypeIndex != l.memoryTypeIndex {
			return errors.Errorf("block %d belongs to memory type %d but is held by memory type %d", block.id, block.memoryTypeIndex, l.memoryTypeIndex)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "memory type %d block %d", l.memoryTypeIndex, block.id)
		}

		if block.metadata.IsEmpty() {
			emptyBlocks++
		}
	}

	if emptyBlocks > 1 {
		return errors.Errorf("memory type %d is retaining %d empty blocks", l.memoryTypeIndex, emptyBlocks)
	}

	return nil
}

func (l *memoryBlockList) createBlock(blockSize int) (*memoryBlock, common.VkResult, error) {
	memory, res, err := l.deviceMemory.AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  blockSize,
		MemoryTypeIndex: l.memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	block := blockPool.Get().(*memoryBlock)
	block.Init(l.logger, l.deviceMemory, l.memoryTypeIndex, memory, blockSize, l.nextBlockId, l.bufferImageGranularity)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	return block, res, nil
}

func (l *memoryBlockList) remove(block *memoryBlock) {
	blockIndex := slices.Index(l.blocks, block)
	if blockIndex < 0 {
		panic("attempted to remove a block from a block list that did not belong to it")
	}

	l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
}

// Allocate places a suballocation of size bytes in one of the list's blocks, creating a new block
// if none of the existing ones has room and the options allow it
func (l *memoryBlockList) Allocate(
	size int,
	alignment uint,
	options *AllocationRequirements,
	suballocType metadata.SuballocationType,
	outAlloc *Allocation,
) (common.VkResult, error) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// Early reject: requested allocation size is larger than maximum block size for this block list
	if size > l.preferredBlockSize {
		return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	canCreateNewBlock := options.Flags&AllocationCreateNeverAllocate == 0 &&
		!l.parentAllocator.noNewAllocations.Load()
	strategy := options.Flags.strategy()

	// 1. Search existing blocks in collection order
	for blockIndex, currentBlock := range l.blocks {
		if currentBlock == nil {
			panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
		}

		res, err := l.allocFromBlock(currentBlock, size, alignment, options, suballocType, strategy, outAlloc)
		if err != nil {
			return res, err
		} else if res == core1_0.VKSuccess {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
			l.incrementallySortBlocks()
			return res, nil
		}
	}

	if !canCreateNewBlock {
		return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	// 2. Try to create a new block, halving its size when the device refuses
	newBlockSize := l.preferredBlockSize
	block, res, err := l.createBlock(newBlockSize)
	for newBlockSizeShift := 0; err != nil && newBlockSizeShift < maxNewBlockSizeShift; newBlockSizeShift++ {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize < size {
			break
		}

		newBlockSize = smallerNewBlockSize
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Retrying block creation at a smaller size", slog.Int("size", newBlockSize))
		block, res, err = l.createBlock(newBlockSize)
	}
	if err != nil {
		return res, err
	}

	if block.metadata.Size() < size {
		panic(fmt.Sprintf("created a new block %d to hold an allocation of size %d but the created block was somehow only size %d", block.id, size, block.metadata.Size()))
	}

	res, err = l.allocFromBlock(block, size, alignment, options, suballocType, strategy, outAlloc)
	if err != nil {
		return res, err
	} else if res == core1_0.VKSuccess {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block", slog.Int("block.id", block.id), slog.Int("size", newBlockSize))
		l.SortByFreeSize()
		return res, nil
	}

	return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
}

// allocFromBlock returns VKErrorOutOfDeviceMemory with a nil error when the block has no room
func (l *memoryBlockList) allocFromBlock(
	block *memoryBlock,
	size int,
	alignment uint,
	options *AllocationRequirements,
	suballocType metadata.SuballocationType,
	strategy metadata.AllocationStrategy,
	outAlloc *Allocation,
) (common.VkResult, error) {
	success, request, err := block.metadata.CreateAllocationRequest(size, alignment, suballocType, strategy)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	} else if !success {
		return core1_0.VKErrorOutOfDeviceMemory, nil
	}

	return l.commitAllocationRequest(request, block, alignment, options, suballocType, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(
	request metadata.AllocationRequest,
	block *memoryBlock,
	alignment uint,
	options *AllocationRequirements,
	suballocType metadata.SuballocationType,
	outAlloc *Allocation,
) (common.VkResult, error) {
	memoryType := l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex)
	isMappingAllowed := memoryType.PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
	mapped := options.Flags&AllocationCreateMapped != 0

	if mapped {
		_, res, err := block.memory.Map(1)
		if err != nil {
			return res, err
		}
	}

	outAlloc.init(l.parentAllocator, isMappingAllowed)
	err := block.metadata.Alloc(request, suballocType, outAlloc)
	if err != nil {
		if mapped {
			_ = block.memory.Unmap(1)
		}
		outAlloc.reset()
		return core1_0.VKErrorUnknown, err
	}

	outAlloc.initBlockAllocation(block, request.Offset, alignment, request.Size, suballocType, mapped)
	outAlloc.SetUserData(options.UserData)
	outAlloc.SetName(options.Name)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, request.Size)

	memutils.DebugValidate(block)

	return core1_0.VKSuccess, nil
}

// Free returns alloc's region to its block. A block that becomes empty is destroyed when the list
// already retains an empty block or the heap is over budget.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	blockToDelete, err := l.freeWithLock(alloc, heapIndex)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation, heapIndex int) (blockToDelete *memoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block
	if block == nil || !slices.Contains(l.blocks, block) {
		panic(fmt.Sprintf("attempted to free an allocation from memory type %d whose block is not owned by the allocator", l.memoryTypeIndex))
	}

	userData, err := block.metadata.AllocationUserData(alloc.blockData.offset)
	if err != nil || userData != alloc {
		panic(fmt.Sprintf("attempted to free an allocation at offset %d of block %d, but the block does not hold that allocation; was the handle copied?", alloc.blockData.offset, block.id))
	}

	heapBudget := vulkan.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &heapBudget)
	budgetExceeded := heapBudget.Usage >= heapBudget.Budget

	references := alloc.mapReferences()
	if references > 0 {
		err = block.memory.Unmap(references)
		if err != nil {
			return nil, err
		}
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(alloc.blockData.offset)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation at offset %d in metadata: %+v", alloc.blockData.offset, err))
	}
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("block.id", block.id), slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) {
		blockToDelete = block
		l.remove(block)
	}

	l.incrementallySortBlocks()

	return blockToDelete, nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// incrementallySortBlocks performs a single swap toward descending free size
func (l *memoryBlockList) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() < l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

// SortByFreeSize orders the blocks so that the one with the most free space comes first.
// The caller must hold the list's lock.
func (l *memoryBlockList) SortByFreeSize() {
	slices.SortStableFunc(l.blocks, func(left, right *memoryBlock) int {
		return right.metadata.SumFreeSize() - left.metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for _, block := range l.blocks {
		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(blockObj)

		l.printDetailedMapAllocations(block.metadata, blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(offset int, size int, userData any, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String(metadata.SuballocationFree.String())
			obj.Name("Size").Int(size)
			return nil
		}

		alloc, isAllocation := userData.(*Allocation)
		if isAllocation && alloc != nil {
			alloc.printParameters(&obj)
		} else if userData != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}

		return nil
	})
}
