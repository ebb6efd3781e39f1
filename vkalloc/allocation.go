package vkalloc

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypePrivate
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:    "allocationTypeNone",
	allocationTypeBlock:   "allocationTypeBlock",
	allocationTypePrivate: "allocationTypePrivate",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
)

var allocationFlagsMapping = common.NewFlagStringMapping[allocationFlags]()

func (f allocationFlags) String() string {
	return allocationFlagsMapping.FlagsToString(f)
}

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "allocationMappingAllowed")
}

type blockData struct {
	offset int
	block  *memoryBlock
}

type privateData struct {
	nextAlloc *Allocation
	prevAlloc *Allocation
}

// Allocation is the handle for a region of device memory handed out by an Allocator. It is
// either a suballocation of a shared memory block or a private allocation that owns its own
// coarse native memory. The zero value is an empty handle that can be passed to any of the
// Allocator's allocation methods.
//
// An Allocation must not be copied while it is live: the Allocator tracks it by address. Once
// freed, the handle is reset and may be reused.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType metadata.SuballocationType
	mapCount          int
	memory            *vulkan.SynchronizedMemory

	parentAllocator *Allocator

	blockData   blockData
	privateData privateData
}

func (a *Allocation) init(allocator *Allocator, mappingAllowed bool) {
	if a.allocationType != allocationTypeNone {
		panic(fmt.Sprintf("attempting to init an allocation that is still live as %s", a.allocationType))
	}

	*a = Allocation{
		alignment:       1,
		parentAllocator: allocator,
	}
	if mappingAllowed {
		a.flags = allocationMappingAllowed
	}
}

func (a *Allocation) initBlockAllocation(
	block *memoryBlock,
	offset int,
	alignment uint,
	size int,
	suballocationType metadata.SuballocationType,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	if mapped && !a.IsMappingAllowed() {
		panic("attempting to persistently map an allocation from memory that is not host visible")
	} else if mapped {
		a.flags |= allocationPersistentMap
	}

	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = block.memoryTypeIndex
	a.suballocationType = suballocationType
	a.memory = block.memory
	a.blockData.offset = offset
	a.blockData.block = block
}

func (a *Allocation) initPrivateAllocation(
	memoryTypeIndex int,
	memory *vulkan.SynchronizedMemory,
	suballocationType metadata.SuballocationType,
	size int,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a private allocation using a nil device memory")
	}
	if mapped && !a.IsMappingAllowed() {
		panic("attempting to persistently map an allocation from memory that is not host visible")
	} else if mapped {
		a.flags |= allocationPersistentMap
	}

	a.allocationType = allocationTypePrivate
	a.alignment = 1
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocationType
	a.memory = memory
}

// reset returns the handle to the empty state after its memory has been released. The parent
// allocator is kept so that a second free can be reported.
func (a *Allocation) reset() {
	*a = Allocation{parentAllocator: a.parentAllocator}
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) MemoryTypeIndex() int                          { return a.memoryTypeIndex }
func (a *Allocation) Size() int                                     { return a.size }
func (a *Allocation) Alignment() uint                               { return a.alignment }
func (a *Allocation) SuballocationType() metadata.SuballocationType { return a.suballocationType }
func (a *Allocation) IsLive() bool                                  { return a.allocationType != allocationTypeNone }
func (a *Allocation) IsPrivate() bool                               { return a.allocationType == allocationTypePrivate }
func (a *Allocation) IsMappingAllowed() bool                        { return a.flags&allocationMappingAllowed != 0 }
func (a *Allocation) isPersistentMap() bool                         { return a.flags&allocationPersistentMap != 0 }

// Offset is the allocation's offset within its native memory. Private allocations always start at 0.
func (a *Allocation) Offset() int {
	if a.allocationType == allocationTypeBlock {
		return a.blockData.offset
	}

	return 0
}

// Memory returns the native memory the allocation lives in, or nil for an empty handle
func (a *Allocation) Memory() native.Memory {
	if a.memory == nil {
		return nil
	}
	return a.memory.Memory()
}

func (a *Allocation) MemoryType() core1_0.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// MappedData returns a pointer to the start of the allocation when it was created with
// AllocationCreateMapped, and nil otherwise
func (a *Allocation) MappedData() unsafe.Pointer {
	if !a.isPersistentMap() {
		return nil
	}

	data := a.memory.MappedData()
	if data == nil {
		return nil
	}
	return unsafe.Add(data, a.Offset())
}

// Map returns a pointer to the start of the allocation. Every call to Map must be paired with
// a call to Unmap. The underlying native memory is mapped once and shared by every allocation
// that lives in it.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if a.allocationType == allocationTypeNone {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to map an allocation that is not live")
	}
	a.parentAllocator.logger.Debug("Allocation::Map")

	if !a.IsMappingAllowed() {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("attempted to perform a map for an allocation that does not permit mapping")
	}

	ptr, res, err := a.memory.Map(1)
	if err != nil {
		return nil, res, err
	}
	a.mapCount++

	return unsafe.Add(ptr, a.Offset()), res, nil
}

func (a *Allocation) Unmap() error {
	if a.allocationType == allocationTypeNone {
		return errors.New("attempted to unmap an allocation that is not live")
	}
	a.parentAllocator.logger.Debug("Allocation::Unmap")

	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	err := a.memory.Unmap(1)
	if err != nil {
		return err
	}
	a.mapCount--
	return nil
}

// BindBufferMemory binds buffer to the start of this allocation
func (a *Allocation) BindBufferMemory(buffer native.Buffer) (common.VkResult, error) {
	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil buffer")
	} else if a.allocationType == allocationTypeNone {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a buffer to an allocation that is not live")
	}
	a.parentAllocator.logger.Debug("Allocation::BindBufferMemory")

	return a.memory.BindBuffer(a.Offset(), buffer)
}

// BindImageMemory binds image to the start of this allocation
func (a *Allocation) BindImageMemory(image native.Image) (common.VkResult, error) {
	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil image")
	} else if a.allocationType == allocationTypeNone {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind an image to an allocation that is not live")
	}
	a.parentAllocator.logger.Debug("Allocation::BindImageMemory")

	return a.memory.BindImage(a.Offset(), image)
}

// Free releases the allocation's memory back to the Allocator that created it. It is equivalent
// to calling Allocator.FreeMemory.
func (a *Allocation) Free() error {
	if a.parentAllocator == nil {
		return errors.New("attempted to free an allocation that was never allocated")
	}

	return a.parentAllocator.FreeMemory(a)
}

// mapReferences is the number of mapping references this allocation holds on its native memory
func (a *Allocation) mapReferences() int {
	references := a.mapCount
	if a.isPersistentMap() {
		references++
	}
	return references
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) nextPrivateAlloc() *Allocation {
	if a.allocationType != allocationTypePrivate {
		panic("attempted to get the next private allocation in the linked list, but this is not a private allocation")
	}
	return a.privateData.nextAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	if a.allocationType != allocationTypePrivate {
		panic("attempted to set the next private allocation in the linked list, but this is not a private allocation")
	}
	a.privateData.nextAlloc = alloc
}

func (a *Allocation) prevPrivateAlloc() *Allocation {
	if a.allocationType != allocationTypePrivate {
		panic("attempted to get the prev private allocation in the linked list, but this is not a private allocation")
	}
	return a.privateData.prevAlloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	if a.allocationType != allocationTypePrivate {
		panic("attempted to set the prev private allocation in the linked list, but this is not a private allocation")
	}
	a.privateData.prevAlloc = alloc
}
