package vkalloc

import (
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized disables the allocator's internal mutexes. The caller
	// must guarantee that the allocator and every Allocation made from it are used from one
	// goroutine at a time.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

// AllocationCreateFlags exposes several options for allocation behavior
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateNeverAllocate only places the allocation in existing memory blocks. No new
	// block is created and no private allocation is made; if no block has room the allocation fails
	// with core1_0.VKErrorOutOfDeviceMemory.
	AllocationCreateNeverAllocate AllocationCreateFlags = 1 << iota
	// AllocationCreateMapped keeps the allocation's memory mapped for its whole lifetime. The pointer
	// is available from Allocation.MappedData. The flag is ignored for memory types that are not
	// host visible.
	AllocationCreateMapped
	// AllocationCreateDontBind makes Allocator.CreateBuffer and Allocator.CreateImage return the
	// resource and its allocation without binding them together
	AllocationCreateDontBind
	// AllocationCreateStrategyMinMemory places the allocation in the smallest free region that fits.
	// This is the default strategy.
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime places the allocation in the first free region found while
	// searching from the largest region down
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset places the allocation at the lowest offset that fits
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func (f AllocationCreateFlags) strategy() metadata.AllocationStrategy {
	switch f & AllocationCreateStrategyMask {
	case AllocationCreateStrategyMinTime:
		return metadata.AllocationStrategyMinTime
	case AllocationCreateStrategyMinOffset:
		return metadata.AllocationStrategyMinOffset
	default:
		return metadata.AllocationStrategyMinMemory
	}
}

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")

	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateDontBind.Register("AllocationCreateDontBind")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}
