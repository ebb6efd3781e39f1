package vkalloc

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage is passed in AllocationRequirements.Usage to describe how the memory will be
// accessed. It expands into required and preferred memory property flags.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown adds no flags: only AllocationRequirements.RequiredFlags and
	// AllocationRequirements.PreferredFlags are used to pick a memory type
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers device-local memory. Mapping is possible only if the chosen memory
	// type happens to be host visible.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly requires host visible, host coherent memory. Staging buffers belong here.
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU requires host visible memory and prefers device-local memory. Use it for
	// resources written by the host every frame and read by the device.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU requires host visible memory and prefers cached memory. Use it for
	// resources written by the device and read back by the host.
	MemoryUsageGPUToCPU
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:  "MemoryUsageUnknown",
	MemoryUsageGPUOnly:  "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:  "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU: "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU: "MemoryUsageGPUToCPU",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

func (u MemoryUsage) propertyFlags() (required, preferred core1_0.MemoryPropertyFlags) {
	switch u {
	case MemoryUsageGPUOnly:
		preferred = core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageCPUOnly:
		required = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		required = core1_0.MemoryPropertyHostVisible
		preferred = core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageGPUToCPU:
		required = core1_0.MemoryPropertyHostVisible
		preferred = core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached
	}

	return required, preferred
}

// AllocationRequirements describes a new allocation made by Allocator.AllocateMemory,
// Allocator.AllocateForBuffer, Allocator.AllocateForImage, Allocator.CreateBuffer or
// Allocator.CreateImage
type AllocationRequirements struct {
	Flags AllocationCreateFlags
	// PrivateMemory gives the allocation its own coarse native allocation instead of placing it
	// in a shared memory block
	PrivateMemory bool
	// Usage expands into additional required and preferred memory property flags
	Usage MemoryUsage

	// RequiredFlags must all be present on the chosen memory type
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are counted when several memory types qualify: the type missing the fewest
	// preferred flags wins
	PreferredFlags core1_0.MemoryPropertyFlags
	// MemoryTypeBits restricts the memory types that may be chosen. 0 permits all of them.
	MemoryTypeBits uint32

	// UserData is an arbitrary value returned by Allocation.UserData
	UserData any
	// Name is an arbitrary label returned by Allocation.Name and written to statistics dumps
	Name string
}
