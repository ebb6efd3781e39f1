package vkalloc

import (
	"context"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Allocator places buffers, images and raw memory requests into a small number of large native
// allocations. Each memory type has its own collection of memory blocks; requests too large to
// share a block get a private native allocation instead.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	device   native.Device

	createFlags                 CreateFlags
	preferredLargeHeapBlockSize int
	preferredSmallHeapBlockSize int

	deviceMemory       *vulkan.DeviceMemoryProperties
	memoryBlockLists   [common.MaxMemoryTypes]*memoryBlockList
	privateAllocations [common.MaxMemoryTypes]*privateAllocationList

	noNewAllocations atomic.Bool
}

// SetNoNewAllocations switches off the creation of new memory blocks and private allocations.
// While set, allocations can only be placed in free space of existing blocks.
func (a *Allocator) SetNoNewAllocations(noNewAllocations bool) {
	a.logger.Debug("Allocator::SetNoNewAllocations", slog.Bool("NoNewAllocations", noNewAllocations))
	a.noNewAllocations.Store(noNewAllocations)
}

func (a *Allocator) NoNewAllocations() bool {
	return a.noNewAllocations.Load()
}

// FindMemoryTypeIndex returns the memory type that best fits the provided requirements.
//
// memoryTypeBits - a bitmask of acceptable memory types, usually taken from
// core1_0.MemoryRequirements
//
// o - the requirements of the allocation. Usage, RequiredFlags, PreferredFlags and
// MemoryTypeBits are considered.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationRequirements,
) (int, common.VkResult, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationRequirements,
) (int, common.VkResult, error) {
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	usageRequired, usagePreferred := o.Usage.propertyFlags()
	requiredFlags := o.RequiredFlags | usageRequired
	preferredFlags := o.PreferredFlags | usagePreferred

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1) << memTypeIndex

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}

// AllocateMemory allocates memory satisfying memoryRequirements into outAlloc. outAlloc must not
// be live. When the best memory type is exhausted, the next best type is tried.
//
// suballocType - the kind of resource that will be bound to the memory. It is used to keep linear
// and optimal resources apart when the device has a buffer-image granularity.
func (a *Allocator) AllocateMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	o AllocationRequirements,
	suballocType metadata.SuballocationType,
	outAlloc *Allocation,
) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	return a.allocateMemory(memoryRequirements, &o, suballocType, outAlloc)
}

func (a *Allocator) allocateMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	options *AllocationRequirements,
	suballocType metadata.SuballocationType,
	outAlloc *Allocation,
) (common.VkResult, error) {
	if outAlloc == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate into a nil allocation")
	} else if memoryRequirements == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate with nil memory requirements")
	} else if outAlloc.IsLive() {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate into an allocation that is still live")
	}

	err := memutils.CheckPow2(memoryRequirements.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	if memoryRequirements.Size < 1 {
		return core1_0.VKErrorUnknown, errors.New("provided memory requirement size was not a positive integer")
	}

	if options.Flags&AllocationCreateNeverAllocate != 0 && options.PrivateMemory {
		return core1_0.VKErrorUnknown, errors.New("AllocationCreateNeverAllocate and PrivateMemory cannot be specified together")
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, res, err := a.findMemoryTypeIndex(memoryBits, options)
	if err != nil {
		return res, err
	}

	for err == nil {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return core1_0.VKErrorUnknown, errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		res, err = a.allocateMemoryOfType(
			memoryRequirements.Size,
			uint(memoryRequirements.Alignment),
			options,
			memoryTypeIndex,
			suballocType,
			a.privateAllocations[memoryTypeIndex],
			blockList,
			outAlloc,
		)

		// Allocation succeeded (or irrevocably failed)
		if err == nil || res == core1_0.VKErrorUnknown {
			return res, err
		}

		// Remove memory type index from possibilities
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		memoryTypeIndex, _, err = a.findMemoryTypeIndex(memoryBits, options)
	}

	return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
}

func (a *Allocator) allocateMemoryOfType(
	size int,
	alignment uint,
	createInfo *AllocationRequirements,
	memoryTypeIndex int,
	suballocationType metadata.SuballocationType,
	privateAllocations *privateAllocationList,
	blockAllocations *memoryBlockList,
	outAlloc *Allocation,
) (common.VkResult, error) {
	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", size))

	finalCreateInfo := *createInfo

	// If memory type is not HOST_VISIBLE, disable MAPPED
	if finalCreateInfo.Flags&AllocationCreateMapped != 0 &&
		a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		finalCreateInfo.Flags &= ^AllocationCreateMapped
	}

	canAllocatePrivate := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 && !a.noNewAllocations.Load()

	if finalCreateInfo.PrivateMemory {
		if !canAllocatePrivate {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		return a.allocatePrivateMemory(size, suballocationType, privateAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
	}

	// Allocate private memory if requested size is more than half of preferred block size
	privatePreferred := size > blockAllocations.PreferredBlockSize()/2
	if privatePreferred && canAllocatePrivate {
		res, err := a.allocatePrivateMemory(size, suballocationType, privateAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
		if err == nil {
			a.logger.Debug("  Allocated as PrivateMemory")
			return res, nil
		}
	}

	res, err := blockAllocations.Allocate(size, alignment, &finalCreateInfo, suballocationType, outAlloc)
	if err == nil {
		return res, nil
	}

	// Try private memory
	if canAllocatePrivate && !privatePreferred {
		res, err = a.allocatePrivateMemory(size, suballocationType, privateAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
		if err == nil {
			a.logger.Debug("  Allocated as PrivateMemory")
			return res, nil
		}
	}

	a.logger.Debug("  AllocateMemory FAILED")
	return res, err
}

func (a *Allocator) allocatePrivateMemory(
	size int,
	suballocationType metadata.SuballocationType,
	privateAllocations *privateAllocationList,
	memoryTypeIndex int,
	options *AllocationRequirements,
	outAlloc *Allocation,
) (res common.VkResult, err error) {
	mem, res, err := a.deviceMemory.AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		a.logger.Debug("    Allocator::allocatePrivateMemory FAILED")
		return res, err
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocatePrivateMemory FAILED")
			a.deviceMemory.FreeMemory(memoryTypeIndex, size, mem)
		}
	}()

	doMap := options.Flags&AllocationCreateMapped != 0
	if doMap {
		// Set up our persistent map
		_, res, err = mem.Map(1)
		if err != nil {
			return res, err
		}
	}

	isMappingAllowed := a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
	outAlloc.init(a, isMappingAllowed)
	outAlloc.initPrivateAllocation(memoryTypeIndex, mem, suballocationType, size, doMap)
	outAlloc.SetUserData(options.UserData)
	outAlloc.SetName(options.Name)

	privateAllocations.Register(outAlloc)
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated PrivateMemory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	return core1_0.VKSuccess, nil
}

// FreeMemory returns alloc's memory to the allocator and resets the handle. Freeing a handle that
// is not live returns an error.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}
	a.logger.Debug("Allocator::FreeMemory")

	if !alloc.IsLive() {
		return errors.New("attempted to free an allocation that is not live")
	} else if alloc.parentAllocator != a {
		return errors.New("attempted to free an allocation that belongs to a different allocator")
	}

	var err error
	switch alloc.allocationType {
	case allocationTypeBlock:
		err = a.memoryBlockLists[alloc.memoryTypeIndex].Free(alloc)
	case allocationTypePrivate:
		err = a.freePrivateMemory(alloc)
	default:
		return errors.Newf("attempted to free an allocation of unknown type %s", alloc.allocationType)
	}
	if err != nil {
		return err
	}

	alloc.reset()
	return nil
}

func (a *Allocator) freePrivateMemory(alloc *Allocation) error {
	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	a.privateAllocations[memoryTypeIndex].Unregister(alloc)
	a.deviceMemory.FreeMemory(memoryTypeIndex, alloc.Size(), alloc.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	return nil
}

// Validate runs the consistency checks of every memory block and private allocation list. It
// returns nil when the allocator is healthy.
func (a *Allocator) Validate() error {
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if blockList := a.memoryBlockLists[memoryTypeIndex]; blockList != nil {
			err := blockList.Validate()
			if err != nil {
				return err
			}
		}

		if privateList := a.privateAllocations[memoryTypeIndex]; privateList != nil {
			err := privateList.Validate()
			if err != nil {
				return errors.Wrapf(err, "private allocations of memory type %d", memoryTypeIndex)
			}
		}
	}

	return nil
}

// Destroy releases every native allocation the allocator still owns. Allocations that were never
// freed are logged, their handles are reset, and an error reporting them is returned. The
// allocator must not be used afterward.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var err error
	for memoryTypeIndex := a.deviceMemory.MemoryTypeCount() - 1; memoryTypeIndex >= 0; memoryTypeIndex-- {
		if privateList := a.privateAllocations[memoryTypeIndex]; privateList != nil {
			leaked := privateList.PopAll()
			for _, alloc := range leaked {
				a.logUnreleasedPrivateMemory(alloc)

				heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
				a.deviceMemory.FreeMemory(memoryTypeIndex, alloc.Size(), alloc.memory)
				a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())
				alloc.reset()
			}

			if len(leaked) > 0 {
				err = errors.CombineErrors(err, errors.Newf("%d private allocations of memory type %d were not freed before the allocator was destroyed", len(leaked), memoryTypeIndex))
			}
		}

		if blockList := a.memoryBlockLists[memoryTypeIndex]; blockList != nil {
			err = errors.CombineErrors(err, blockList.Destroy())
		}
	}

	return err
}

func (a *Allocator) logUnreleasedPrivateMemory(alloc *Allocation) {
	name := alloc.Name()
	if name == "" {
		name = "empty"
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed private allocation",
		slog.Int("memoryTypeIndex", alloc.MemoryTypeIndex()),
		slog.Int("size", alloc.Size()),
		slog.Any("userData", alloc.UserData()),
		slog.String("name", name),
	)
}
