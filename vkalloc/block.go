package vkalloc

import (
	"context"

	"github.com/pkg/errors"
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"golang.org/x/exp/slog"
)

// memoryBlock is one coarse native allocation together with the bookkeeping for the
// suballocations carved out of it
type memoryBlock struct {
	id              int
	memoryTypeIndex int
	memory          *vulkan.SynchronizedMemory
	logger          *slog.Logger

	metadata     *metadata.FreeListBlockMetadata
	deviceMemory *vulkan.DeviceMemoryProperties
}

func (b *memoryBlock) Init(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	memory *vulkan.SynchronizedMemory,
	size int,
	id int,
	bufferImageGranularity int,
) {
	if b.memory != nil {
		panic("attempting to initialize a memory block that is already in use")
	}

	b.id = id
	b.memoryTypeIndex = memoryTypeIndex
	b.memory = memory
	b.logger = logger
	b.deviceMemory = deviceMemory

	// Pooled blocks keep their metadata so the suballocation arena can be reused
	if b.metadata == nil || b.metadata.Granularity() != bufferImageGranularity {
		b.metadata = metadata.NewFreeListBlockMetadata(bufferImageGranularity)
	}
	b.metadata.Init(size)
}

func (b *memoryBlock) Size() int { return b.metadata.Size() }

// Destroy releases the block's native memory. A block that still holds allocations logs each of
// them, releases the memory anyway and reports how many allocations were lost.
func (b *memoryBlock) Destroy() error {
	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing native memory handle")
	}

	var leaked int
	if !b.metadata.IsEmpty() {
		leaked = b.metadata.AllocationCount()
		b.metadata.DebugLogAllAllocations(b.logger, b.logUnreleasedMemory)
		b.releaseAllocations()
	}

	b.deviceMemory.FreeMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)
	b.memory = nil

	if leaked > 0 {
		return errors.Errorf("%d allocations were not freed before the destruction of memory block %d", leaked, b.id)
	}
	return nil
}

// releaseAllocations detaches every live handle from the block so that a later free reports an
// error instead of touching released memory
func (b *memoryBlock) releaseAllocations() {
	heapIndex := b.deviceMemory.MemoryTypeIndexToHeapIndex(b.memoryTypeIndex)

	_ = b.metadata.VisitAllRegions(func(offset, size int, userData any, free bool) error {
		if free {
			return nil
		}

		b.deviceMemory.RemoveAllocation(heapIndex, size)
		allocation, isAllocation := userData.(*Allocation)
		if isAllocation && allocation != nil {
			allocation.reset()
		}
		return nil
	})
}

func (b *memoryBlock) logUnreleasedMemory(logger *slog.Logger, offset, size int, userData any) {
	name := "empty"
	var customData any

	allocation, isAllocation := userData.(*Allocation)
	if isAllocation && allocation != nil {
		customData = allocation.UserData()
		if allocation.Name() != "" {
			name = allocation.Name()
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", customData),
		slog.String("name", name),
	)
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return metadata.NewValidationError(metadata.ValidationNullMemoryHandle, "memory block %d has no native memory", b.id)
	}

	err := b.metadata.VisitAllRegions(func(offset, size int, userData any, free bool) error {
		if free {
			return nil
		}

		allocation, isAllocation := userData.(*Allocation)
		if !isAllocation || allocation == nil {
			return errors.Errorf("the region at offset %d is marked as allocated but has no allocation object", offset)
		}
		if allocation.blockData.block != b || allocation.blockData.offset != offset {
			return errors.Errorf("the allocation at offset %d does not point back to memory block %d", offset, b.id)
		}
		if allocation.size != size {
			return errors.Errorf("the allocation at offset %d has size %d, but its region has size %d", offset, allocation.size, size)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
