package vkalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/orrery-gfx/arsenal/memutils"
	"github.com/orrery-gfx/arsenal/vkalloc/internal/vulkan"
	"github.com/orrery-gfx/arsenal/vkalloc/native"
	"golang.org/x/exp/slog"
)

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024

	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte
	PreferredLargeHeapBlockSize int
	// PreferredSmallHeapBlockSize is the block size to use when allocating from heaps of a
	// gigabyte or less. When left at 0, an eighth of the heap's size is used.
	PreferredSmallHeapBlockSize int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when native memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the device
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or -1 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int

	// NoNewAllocations is the initial value of Allocator.NoNewAllocations
	NoNewAllocations bool
}

// New creates a new Allocator
//
// logger - Receives debug traces of allocator activity and error reports about leaked memory
//
// device - The device that memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device native.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator with a nil logger")
	} else if options.PreferredLargeHeapBlockSize < 0 {
		return nil, errors.Newf("CreateOptions.PreferredLargeHeapBlockSize must not be negative, but was %d", options.PreferredLargeHeapBlockSize)
	} else if options.PreferredSmallHeapBlockSize < 0 {
		return nil, errors.Newf("CreateOptions.PreferredSmallHeapBlockSize must not be negative, but was %d", options.PreferredSmallHeapBlockSize)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex: useMutex,
		logger:   logger,
		device:   device,

		createFlags:                 options.Flags,
		preferredLargeHeapBlockSize: options.PreferredLargeHeapBlockSize,
		preferredSmallHeapBlockSize: options.PreferredSmallHeapBlockSize,
	}
	allocator.noNewAllocations.Store(options.NoNewAllocations)

	if allocator.preferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		useMutex,
		&memoryCallbacks{
			options:   options.MemoryCallbackOptions,
			allocator: allocator,
		},
		device,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		preferredBlockSize, err := allocator.calculatePreferredBlockSize(typeIndex)
		if err != nil {
			return nil, err
		}

		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			useMutex,
			allocator,
			typeIndex,
			preferredBlockSize,
			allocator.deviceMemory.CalculateBufferImageGranularity(),
			allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
		)

		allocator.privateAllocations[typeIndex] = &privateAllocationList{}
		allocator.privateAllocations[typeIndex].Init(useMutex)
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) (int, error) {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = a.preferredSmallHeapBlockSize
		if rawSize == 0 {
			rawSize = heapSize / 8
		}
	}

	blockSize := memutils.AlignUp(rawSize, 32)
	if blockSize < 1 {
		return 0, errors.Newf("memory heap %d of size %d is too small to hold a memory block", heapIndex, heapSize)
	}

	return blockSize, nil
}
