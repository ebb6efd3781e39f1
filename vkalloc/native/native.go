// Package native holds the narrow set of device capabilities the allocator consumes. The
// vkalloc/vulkan package binds them to vkngwrapper devices; tests bind them to gomock mocks.
package native

//go:generate mockgen -source native.go -destination ./mocks/mocks.go -package mocks

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Device is a logical device together with the properties of the physical device it was
// created from
type Device interface {
	// Limits returns the physical device limits relevant to memory placement
	Limits() *core1_0.PhysicalDeviceLimits
	// MemoryProperties returns the memory type and heap tables of the physical device
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	// AllocateMemory performs one coarse native allocation
	AllocateMemory(info core1_0.MemoryAllocateInfo) (Memory, common.VkResult, error)
	CreateBuffer(info core1_0.BufferCreateInfo) (Buffer, common.VkResult, error)
	CreateImage(info core1_0.ImageCreateInfo) (Image, common.VkResult, error)
}

// Memory is a single coarse native allocation
type Memory interface {
	Map(offset int, size int) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	Free()
}

// Buffer is a buffer resource that has not necessarily been bound to memory yet
type Buffer interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory Memory, offset int) (common.VkResult, error)
	Destroy()
}

// Image is an image resource that has not necessarily been bound to memory yet
type Image interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory Memory, offset int) (common.VkResult, error)
	Destroy()
}
