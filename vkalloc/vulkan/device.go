// Package vulkan binds the allocator's native capabilities to vkngwrapper devices
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

type device struct {
	device           core1_0.Device
	callbacks        *driver.AllocationCallbacks
	limits           *core1_0.PhysicalDeviceLimits
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

// NewDevice wraps a vkngwrapper device so that a vkalloc.Allocator can allocate from it.
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// callbacks - Optional host allocation callbacks passed to every native call. May be nil.
func NewDevice(physicalDevice core1_0.PhysicalDevice, logicalDevice core1_0.Device, callbacks *driver.AllocationCallbacks) (native.Device, error) {
	if physicalDevice == nil {
		return nil, errors.New("attempted to wrap a device with a nil physical device")
	} else if logicalDevice == nil {
		return nil, errors.New("attempted to wrap a nil device")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	return &device{
		device:           logicalDevice,
		callbacks:        callbacks,
		limits:           properties.Limits,
		memoryProperties: physicalDevice.MemoryProperties(),
	}, nil
}

func (d *device) Limits() *core1_0.PhysicalDeviceLimits {
	return d.limits
}

func (d *device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *device) AllocateMemory(info core1_0.MemoryAllocateInfo) (native.Memory, common.VkResult, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, info)
	if err != nil {
		return nil, res, err
	}

	return &deviceMemory{memory: memory, callbacks: d.callbacks}, res, nil
}

func (d *device) CreateBuffer(info core1_0.BufferCreateInfo) (native.Buffer, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, info)
	if err != nil {
		return nil, res, err
	}

	return &Buffer{Buffer: buffer, callbacks: d.callbacks}, res, nil
}

func (d *device) CreateImage(info core1_0.ImageCreateInfo) (native.Image, common.VkResult, error) {
	image, res, err := d.device.CreateImage(d.callbacks, info)
	if err != nil {
		return nil, res, err
	}

	return &Image{Image: image, callbacks: d.callbacks}, res, nil
}

type deviceMemory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
}

func (m *deviceMemory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(offset, size, 0)
}

func (m *deviceMemory) Unmap() {
	m.memory.Unmap()
}

func (m *deviceMemory) Free() {
	m.memory.Free(m.callbacks)
}

func unwrapMemory(memory native.Memory) (core1_0.DeviceMemory, error) {
	wrapped, ok := memory.(*deviceMemory)
	if !ok || wrapped == nil {
		return nil, errors.Newf("attempted to bind memory of unexpected type %T", memory)
	}

	return wrapped.memory, nil
}

// DeviceMemory returns the vkngwrapper memory object behind memory, or nil when memory was not
// allocated through a device returned by NewDevice
func DeviceMemory(memory native.Memory) core1_0.DeviceMemory {
	unwrapped, err := unwrapMemory(memory)
	if err != nil {
		return nil
	}
	return unwrapped
}

// Buffer is a vkngwrapper buffer created through a device returned by NewDevice. The embedded
// core1_0.Buffer is available for recording commands.
type Buffer struct {
	core1_0.Buffer
	callbacks *driver.AllocationCallbacks
}

func (b *Buffer) BindMemory(memory native.Memory, offset int) (common.VkResult, error) {
	unwrapped, err := unwrapMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return b.Buffer.BindBufferMemory(unwrapped, offset)
}

func (b *Buffer) Destroy() {
	b.Buffer.Destroy(b.callbacks)
}

// Image is a vkngwrapper image created through a device returned by NewDevice. The embedded
// core1_0.Image is available for recording commands and creating views.
type Image struct {
	core1_0.Image
	callbacks *driver.AllocationCallbacks
}

func (i *Image) BindMemory(memory native.Memory, offset int) (common.VkResult, error) {
	unwrapped, err := unwrapMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return i.Image.BindImageMemory(unwrapped, offset)
}

func (i *Image) Destroy() {
	i.Image.Destroy(i.callbacks)
}
