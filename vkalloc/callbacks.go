package vkalloc

import "github.com/orrery-gfx/arsenal/vkalloc/native"

// AllocateDeviceMemoryCallback is called after the allocator makes a coarse native allocation
type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory native.Memory,
	size int,
	userData any,
)

// FreeDeviceMemoryCallback is called before the allocator releases a coarse native allocation
type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory native.Memory,
	size int,
	userData any,
)

// MemoryCallbackOptions is an optional pair of callbacks that observe every coarse native
// allocation the allocator makes, whether for a memory block or a private allocation
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, memory native.Memory, size int) {
	if c.options != nil && c.options.Allocate != nil {
		c.options.Allocate(c.allocator, memoryType, memory, size, c.options.UserData)
	}
}

func (c *memoryCallbacks) Free(memoryType int, memory native.Memory, size int) {
	if c.options != nil && c.options.Free != nil {
		c.options.Free(c.allocator, memoryType, memory, size, c.options.UserData)
	}
}
