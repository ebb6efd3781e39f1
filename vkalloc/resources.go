package vkalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// AllocateForBuffer allocates memory suitable for buffer into outAlloc. The buffer is not bound.
func (a *Allocator) AllocateForBuffer(buffer native.Buffer, o AllocationRequirements, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForBuffer")

	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil buffer")
	}

	return a.allocateMemory(buffer.MemoryRequirements(), &o, metadata.SuballocationBuffer, outAlloc)
}

// AllocateForImage allocates memory suitable for image into outAlloc. The image is not bound.
// Because the image's tiling is not known, it is kept apart from both buffers and images of
// either tiling when the device has a buffer-image granularity.
func (a *Allocator) AllocateForImage(image native.Image, o AllocationRequirements, outAlloc *Allocation) (common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateForImage")

	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to allocate for a nil image")
	}

	return a.allocateMemory(image.MemoryRequirements(), &o, metadata.SuballocationImageUnknown, outAlloc)
}

// CreateBuffer creates a buffer, allocates memory for it and binds the two together unless
// AllocationCreateDontBind is set. On failure nothing is left behind.
func (a *Allocator) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, o AllocationRequirements) (native.Buffer, *Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateBuffer")

	if bufferInfo.Size < 1 {
		return nil, nil, core1_0.VKErrorUnknown, errors.New("attempted to create a buffer of size 0")
	}

	buffer, res, err := a.device.CreateBuffer(bufferInfo)
	if err != nil {
		return nil, nil, res, err
	}

	alloc := &Allocation{}
	res, err = a.allocateMemory(buffer.MemoryRequirements(), &o, metadata.SuballocationBuffer, alloc)
	if err != nil {
		buffer.Destroy()
		return nil, nil, res, err
	}

	if o.Flags&AllocationCreateDontBind == 0 {
		res, err = alloc.BindBufferMemory(buffer)
		if err != nil {
			a.freeAfterFailedBind(alloc)
			buffer.Destroy()
			return nil, nil, res, err
		}
	}

	return buffer, alloc, core1_0.VKSuccess, nil
}

// CreateImage creates an image, allocates memory for it and binds the two together unless
// AllocationCreateDontBind is set. On failure nothing is left behind.
func (a *Allocator) CreateImage(imageInfo core1_0.ImageCreateInfo, o AllocationRequirements) (native.Image, *Allocation, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateImage")

	image, res, err := a.device.CreateImage(imageInfo)
	if err != nil {
		return nil, nil, res, err
	}

	suballocType := metadata.SuballocationImageLinear
	if imageInfo.Tiling == core1_0.ImageTilingOptimal {
		suballocType = metadata.SuballocationImageOptimal
	}

	alloc := &Allocation{}
	res, err = a.allocateMemory(image.MemoryRequirements(), &o, suballocType, alloc)
	if err != nil {
		image.Destroy()
		return nil, nil, res, err
	}

	if o.Flags&AllocationCreateDontBind == 0 {
		res, err = alloc.BindImageMemory(image)
		if err != nil {
			a.freeAfterFailedBind(alloc)
			image.Destroy()
			return nil, nil, res, err
		}
	}

	return image, alloc, core1_0.VKSuccess, nil
}

func (a *Allocator) freeAfterFailedBind(alloc *Allocation) {
	freeErr := a.FreeMemory(alloc)
	if freeErr != nil {
		a.logger.Error("error attempting to free an allocation after a failed bind", slog.Any("error", freeErr))
	}
}

// DestroyBuffer destroys buffer and then frees alloc. Either may be nil.
func (a *Allocator) DestroyBuffer(buffer native.Buffer, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyBuffer")

	if buffer != nil {
		buffer.Destroy()
	}

	if alloc == nil {
		return nil
	}
	return a.FreeMemory(alloc)
}

// DestroyImage destroys image and then frees alloc. Either may be nil.
func (a *Allocator) DestroyImage(image native.Image, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyImage")

	if image != nil {
		image.Destroy()
	}

	if alloc == nil {
		return nil
	}
	return a.FreeMemory(alloc)
}
