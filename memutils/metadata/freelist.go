package metadata

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// MinFreeSuballocationSizeToRegister is the smallest free region that is tracked in the
// size-sorted free array. Smaller regions still exist in the suballocation list but are never
// offered to CreateAllocationRequest's size search.
const MinFreeSuballocationSizeToRegister = 16

var (
	// ErrSuballocationNotFound is returned from Free and the user data accessors when no live
	// allocation starts at the provided offset. Freeing the same offset twice produces this error.
	ErrSuballocationNotFound = errors.New("no live suballocation exists at the requested offset")
	// ErrStaleRequest is returned from Alloc when the block was modified after the request was created
	ErrStaleRequest = errors.New("allocation request predates the latest modification of the block")
	// ErrRegionNotFree is returned from Alloc when the request does not describe a free region of
	// this block that can hold the allocation
	ErrRegionNotFree = errors.New("allocation request does not describe a free region of this block")
)

// FreeListBlockMetadata is a BlockMetadata implementation that keeps every region of the block,
// used or free, in an offset-ordered list. Free regions of at least MinFreeSuballocationSizeToRegister
// bytes are also kept in an array sorted by size so that a best fit can be found with a binary search.
// Used regions are indexed by offset so that Free does not need to walk the list.
//
// Adjacent free regions are always merged, so the list alternates between used regions and
// single free regions.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	freeCount   int
	sumFreeSize int
	allocCount  int

	suballocations           suballocationList
	freeSuballocationsBySize []int
	offsets                  *swiss.Map[int, int]

	mutations uint64
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a FreeListBlockMetadata that honors the provided buffer-image
// granularity. Init must be called before it is used.
func NewFreeListBlockMetadata(bufferImageGranularity int) *FreeListBlockMetadata {
	memutils.DebugCheckPow2(bufferImageGranularity, "bufferImageGranularity")

	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity),
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	m.suballocations.Reset()
	m.freeSuballocationsBySize = m.freeSuballocationsBySize[:0]
	if m.offsets == nil {
		m.offsets = swiss.NewMap[int, int](42)
	} else {
		m.offsets.Clear()
	}

	m.allocCount = 0
	m.freeCount = 1
	m.sumFreeSize = size

	node := m.suballocations.PushBack(Suballocation{
		Offset: 0,
		Size:   size,
		Type:   SuballocationFree,
	})
	m.registerFreeSuballocation(node)
	m.mutations++
}

func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocCount }
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.freeCount }
func (m *FreeListBlockMetadata) SumFreeSize() int     { return m.sumFreeSize }
func (m *FreeListBlockMetadata) IsEmpty() bool        { return m.allocCount == 0 }

// Suballocations returns a copy of every region in the block in offset order
func (m *FreeListBlockMetadata) Suballocations() []Suballocation {
	regions := make([]Suballocation, 0, m.suballocations.Len())
	for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
		regions = append(regions, *m.suballocations.At(node))
	}

	return regions
}

// FreeSuballocationsBySize returns a copy of the registered free regions in the order they
// are searched, smallest first
func (m *FreeListBlockMetadata) FreeSuballocationsBySize() []Suballocation {
	regions := make([]Suballocation, 0, len(m.freeSuballocationsBySize))
	for _, node := range m.freeSuballocationsBySize {
		regions = append(regions, *m.suballocations.At(node))
	}

	return regions
}

func (m *FreeListBlockMetadata) compareFreeNodes(left, right int) int {
	leftSuballoc := m.suballocations.At(left)
	rightSuballoc := m.suballocations.At(right)

	switch {
	case leftSuballoc.Size < rightSuballoc.Size:
		return -1
	case leftSuballoc.Size > rightSuballoc.Size:
		return 1
	case leftSuballoc.Offset < rightSuballoc.Offset:
		return -1
	case leftSuballoc.Offset > rightSuballoc.Offset:
		return 1
	}

	return 0
}

func (m *FreeListBlockMetadata) registerFreeSuballocation(node int) {
	suballoc := m.suballocations.At(node)
	if suballoc.Type != SuballocationFree {
		panic(fmt.Sprintf("attempted to register suballocation at offset %d, which is not free", suballoc.Offset))
	}

	if suballoc.Size < MinFreeSuballocationSizeToRegister {
		return
	}

	index, _ := slices.BinarySearchFunc(m.freeSuballocationsBySize, node, m.compareFreeNodes)
	m.freeSuballocationsBySize = slices.Insert(m.freeSuballocationsBySize, index, node)
}

// unregisterFreeSuballocation must be called before the region's offset or size change
func (m *FreeListBlockMetadata) unregisterFreeSuballocation(node int) {
	suballoc := m.suballocations.At(node)
	if suballoc.Type != SuballocationFree {
		panic(fmt.Sprintf("attempted to unregister suballocation at offset %d, which is not free", suballoc.Offset))
	}

	if suballoc.Size < MinFreeSuballocationSizeToRegister {
		return
	}

	index, found := slices.BinarySearchFunc(m.freeSuballocationsBySize, node, m.compareFreeNodes)
	if !found || m.freeSuballocationsBySize[index] != node {
		panic(fmt.Sprintf("free suballocation at offset %d with size %d was never registered", suballoc.Offset, suballoc.Size))
	}

	m.freeSuballocationsBySize = slices.Delete(m.freeSuballocationsBySize, index, index+1)
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType SuballocationType,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	err := memutils.CheckSize(allocSize, "allocSize")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	err = memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	if allocType == SuballocationFree {
		return false, AllocationRequest{}, errors.New("cannot request an allocation of type SuballocationFree")
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}

	if m.sumFreeSize < allocSize || len(m.freeSuballocationsBySize) == 0 {
		return false, AllocationRequest{}, nil
	}

	switch strategy {
	case AllocationStrategyMinTime:
		for i := len(m.freeSuballocationsBySize) - 1; i >= 0; i-- {
			node := m.freeSuballocationsBySize[i]
			if m.suballocations.At(node).Size < allocSize {
				break
			}

			offset, ok := m.checkSuballocation(node, allocSize, allocAlignment, allocType)
			if ok {
				return true, m.buildRequest(node, offset, allocSize, allocType), nil
			}
		}
	case AllocationStrategyMinOffset:
		for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
			offset, ok := m.checkSuballocation(node, allocSize, allocAlignment, allocType)
			if ok {
				return true, m.buildRequest(node, offset, allocSize, allocType), nil
			}
		}
	default:
		start, _ := slices.BinarySearchFunc(m.freeSuballocationsBySize, allocSize, func(node int, size int) int {
			nodeSize := m.suballocations.At(node).Size
			if nodeSize < size {
				return -1
			} else if nodeSize > size {
				return 1
			}
			return 0
		})

		for i := start; i < len(m.freeSuballocationsBySize); i++ {
			node := m.freeSuballocationsBySize[i]
			offset, ok := m.checkSuballocation(node, allocSize, allocAlignment, allocType)
			if ok {
				return true, m.buildRequest(node, offset, allocSize, allocType), nil
			}
		}
	}

	return false, AllocationRequest{}, nil
}

func (m *FreeListBlockMetadata) buildRequest(node, offset, allocSize int, allocType SuballocationType) AllocationRequest {
	return AllocationRequest{
		Offset:    offset,
		Size:      allocSize,
		Item:      *m.suballocations.At(node),
		AllocType: allocType,
		node:      node,
		mutation:  m.mutations,
	}
}

// checkSuballocation finds the lowest offset within the free region at node where an allocation of
// allocSize bytes can be placed, honoring alignment and the block's buffer-image granularity against
// both neighbors.
func (m *FreeListBlockMetadata) checkSuballocation(node int, allocSize int, allocAlignment uint, allocType SuballocationType) (int, bool) {
	suballoc := m.suballocations.At(node)
	if suballoc.Type != SuballocationFree || suballoc.Size < allocSize {
		return 0, false
	}

	granularity := m.allocationGranularity
	offset := memutils.AlignUp(suballoc.Offset, allocAlignment)

	if granularity > 1 {
		for prev := m.suballocations.Prev(node); prev != noNode; prev = m.suballocations.Prev(prev) {
			prevSuballoc := m.suballocations.At(prev)
			if !memutils.BlocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, offset, granularity) {
				break
			}

			if AllocationsConflict(prevSuballoc.Type, allocType) {
				offset = memutils.AlignUp(offset, uint(granularity))
				break
			}
		}
	}

	paddingBegin := offset - suballoc.Offset
	if paddingBegin+allocSize > suballoc.Size {
		return 0, false
	}

	if granularity > 1 {
		for next := m.suballocations.Next(node); next != noNode; next = m.suballocations.Next(next) {
			nextSuballoc := m.suballocations.At(next)
			if !memutils.BlocksOnSamePage(offset, allocSize, nextSuballoc.Offset, granularity) {
				break
			}

			if AllocationsConflict(allocType, nextSuballoc.Type) {
				return 0, false
			}
		}
	}

	return offset, true
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, allocType SuballocationType, userData any) error {
	if request.mutation != m.mutations {
		return errors.Wrapf(ErrStaleRequest, "request for offset %d", request.Offset)
	}

	if allocType == SuballocationFree {
		return errors.New("cannot allocate a suballocation of type SuballocationFree")
	}

	if !m.suballocations.IsLive(request.node) {
		return errors.Wrapf(ErrRegionNotFree, "request for offset %d", request.Offset)
	}

	suballoc := m.suballocations.At(request.node)
	if suballoc.Type != SuballocationFree ||
		suballoc.Offset != request.Item.Offset ||
		suballoc.Size != request.Item.Size ||
		request.Size < 1 ||
		request.PaddingBegin() < 0 ||
		request.PaddingEnd() < 0 {
		return errors.Wrapf(ErrRegionNotFree, "request for offset %d", request.Offset)
	}

	paddingBegin := request.PaddingBegin()
	paddingEnd := request.PaddingEnd()

	m.unregisterFreeSuballocation(request.node)

	suballoc.Offset = request.Offset
	suballoc.Size = request.Size
	suballoc.Type = allocType
	suballoc.UserData = userData

	// Inserting may grow the arena, suballoc must not be used past this point
	if paddingEnd > 0 {
		paddingNode := m.suballocations.InsertAfter(request.node, Suballocation{
			Offset: request.Offset + request.Size,
			Size:   paddingEnd,
			Type:   SuballocationFree,
		})
		m.registerFreeSuballocation(paddingNode)
	}

	if paddingBegin > 0 {
		paddingNode := m.suballocations.InsertBefore(request.node, Suballocation{
			Offset: request.Item.Offset,
			Size:   paddingBegin,
			Type:   SuballocationFree,
		})
		m.registerFreeSuballocation(paddingNode)
	}

	m.freeCount--
	if paddingBegin > 0 {
		m.freeCount++
	}
	if paddingEnd > 0 {
		m.freeCount++
	}

	m.sumFreeSize -= request.Size
	m.offsets.Put(request.Offset, request.node)
	m.allocCount++
	m.mutations++

	memutils.DebugValidate(m)
	return nil
}

func (m *FreeListBlockMetadata) Free(offset int) error {
	node, ok := m.offsets.Get(offset)
	if !ok {
		return errors.Wrapf(ErrSuballocationNotFound, "free at offset %d", offset)
	}
	m.offsets.Delete(offset)

	suballoc := m.suballocations.At(node)
	suballoc.Type = SuballocationFree
	suballoc.UserData = nil

	m.sumFreeSize += suballoc.Size
	m.freeCount++
	m.allocCount--

	next := m.suballocations.Next(node)
	if next != noNode && m.suballocations.At(next).Type == SuballocationFree {
		m.unregisterFreeSuballocation(next)
		m.mergeFreeWithNext(node)
	}

	prev := m.suballocations.Prev(node)
	if prev != noNode && m.suballocations.At(prev).Type == SuballocationFree {
		m.unregisterFreeSuballocation(prev)
		m.mergeFreeWithNext(prev)
		node = prev
	}

	m.registerFreeSuballocation(node)
	m.mutations++

	memutils.DebugValidate(m)
	return nil
}

// mergeFreeWithNext absorbs the free region after node into node. Neither region may be registered.
func (m *FreeListBlockMetadata) mergeFreeWithNext(node int) {
	next := m.suballocations.Next(node)

	m.suballocations.At(node).Size += m.suballocations.At(next).Size
	m.suballocations.Remove(next)
	m.freeCount--
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.size == 0 {
		return NewValidationError(ValidationZeroMemorySize, "block was initialized with a size of 0")
	}

	var calculatedOffset, calculatedFreeCount, calculatedSumFreeSize, freeToRegister, allocCount int
	prevFree := false

	for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
		suballoc := m.suballocations.At(node)

		if suballoc.Offset != calculatedOffset {
			return NewValidationError(ValidationIncorrectSuballocOffset,
				"suballocation at offset %d should begin at offset %d", suballoc.Offset, calculatedOffset)
		}

		free := suballoc.Type == SuballocationFree
		if free && prevFree {
			return NewValidationError(ValidationNeedMergeSuballocs,
				"free suballocation at offset %d follows another free suballocation", suballoc.Offset)
		}
		prevFree = free

		if free {
			calculatedFreeCount++
			calculatedSumFreeSize += suballoc.Size
			if suballoc.Size >= MinFreeSuballocationSizeToRegister {
				freeToRegister++
			}
		} else {
			allocCount++

			indexed, ok := m.offsets.Get(suballoc.Offset)
			if !ok || indexed != node {
				return NewValidationError(ValidationUsedSuballocIndexMismatch,
					"suballocation at offset %d is missing from the offset index", suballoc.Offset)
			}
		}

		calculatedOffset += suballoc.Size
	}

	if len(m.freeSuballocationsBySize) != freeToRegister {
		return NewValidationError(ValidationFreeSuballocCountMismatch,
			"%d free suballocations are registered but %d should be", len(m.freeSuballocationsBySize), freeToRegister)
	}

	for i, node := range m.freeSuballocationsBySize {
		if !m.suballocations.IsLive(node) || m.suballocations.At(node).Type != SuballocationFree {
			return NewValidationError(ValidationUsedSuballocInFreeList,
				"entry %d of the free list does not refer to a free suballocation", i)
		}

		suballoc := m.suballocations.At(node)
		if suballoc.Size < MinFreeSuballocationSizeToRegister {
			return NewValidationError(ValidationFreeSuballocCountMismatch,
				"free suballocation at offset %d is registered with size %d", suballoc.Offset, suballoc.Size)
		}

		if i > 0 && m.compareFreeNodes(m.freeSuballocationsBySize[i-1], node) >= 0 {
			return NewValidationError(ValidationFreeSuballocSortIncorrect,
				"entry %d of the free list is not larger than the entry before it", i)
		}
	}

	if calculatedOffset != m.size {
		return NewValidationError(ValidationFinalSizeMismatch,
			"suballocations add up to %d bytes but the block is %d bytes", calculatedOffset, m.size)
	}

	if calculatedSumFreeSize != m.sumFreeSize {
		return NewValidationError(ValidationFinalFreeSizeMismatch,
			"free suballocations add up to %d bytes but the block records %d free bytes", calculatedSumFreeSize, m.sumFreeSize)
	}

	if calculatedFreeCount != m.freeCount {
		return NewValidationError(ValidationFreeSuballocCountMismatch,
			"block has %d free suballocations but records %d", calculatedFreeCount, m.freeCount)
	}

	if allocCount != m.allocCount || m.offsets.Count() != allocCount {
		return NewValidationError(ValidationUsedSuballocIndexMismatch,
			"block has %d used suballocations, records %d and indexes %d", allocCount, m.allocCount, m.offsets.Count())
	}

	return nil
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(offset int, size int, userData any, free bool) error) error {
	for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
		suballoc := m.suballocations.At(node)
		err := handleRegion(suballoc.Offset, suballoc.Size, suballoc.UserData, suballoc.Type == SuballocationFree)
		if err != nil {
			return err
		}
	}

	return nil
}

// DebugLogAllAllocations calls logFunc once for each live allocation in the block
func (m *FreeListBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
		suballoc := m.suballocations.At(node)
		if suballoc.Type != SuballocationFree {
			logFunc(logger, suballoc.Offset, suballoc.Size, suballoc.UserData)
		}
	}
}

func (m *FreeListBlockMetadata) AllocationUserData(offset int) (any, error) {
	node, ok := m.offsets.Get(offset)
	if !ok {
		return nil, errors.Wrapf(ErrSuballocationNotFound, "user data at offset %d", offset)
	}

	return m.suballocations.At(node).UserData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(offset int, userData any) error {
	node, ok := m.offsets.Get(offset)
	if !ok {
		return errors.Wrapf(ErrSuballocationNotFound, "user data at offset %d", offset)
	}

	m.suballocations.At(node).UserData = userData
	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for node := m.suballocations.Front(); node != noNode; node = m.suballocations.Next(node) {
		suballoc := m.suballocations.At(node)
		if suballoc.Type == SuballocationFree {
			stats.AddUnusedRange(suballoc.Size)
		} else {
			stats.AddAllocation(suballoc.Size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.writeJsonHeader(json, m.sumFreeSize, m.allocCount, m.freeCount)
}
