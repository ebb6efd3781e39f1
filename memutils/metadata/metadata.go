package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/orrery-gfx/arsenal/memutils"
	"golang.org/x/exp/slog"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It resets the metadata to a single free
	// region spanning the size in bytes of the block of memory it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks are linear in the
	// number of suballocations. When the implementation is functioning correctly, it should not be
	// possible for this method to return an error. Errors wrap a *ValidationError.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of free regions in the block. Adjacent free regions are
	// always merged, so this is also the number of gaps between allocations.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. It stops at the first error returned by the callback.
	VisitAllRegions(handleRegion func(offset int, size int, userData any, free bool) error) error
	// DebugLogAllAllocations calls logFunc once for each live allocation in the block. It is used to
	// report leaked allocations when a block is torn down.
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))
	// AllocationUserData returns the userData value provided for the allocation at offset
	AllocationUserData(offset int) (any, error)
	// SetAllocationUserData replaces the userData value of the allocation at offset
	SetAllocationUserData(offset int, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where the implementation
	// would place the requested memory. That object can be passed to Alloc to commit the allocation.
	// The boolean return value is false when no free region can hold the allocation, which is not an
	// error.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. It must be a power of two,
	// and 0 is treated as 1.
	// allocType - the kind of resource that will occupy the allocation. Used to honor the block's
	// buffer-image granularity.
	// strategy - Whether to prioritize memory usage, memory offset, or allocation speed when choosing
	// a place for the requested allocation.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		allocType SuballocationType,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within the block based
	// on the data described in the AllocationRequest. The implementation returns an error if the
	// block was modified after the request was created.
	Alloc(request AllocationRequest, allocType SuballocationType, userData any) error

	// Free frees the suballocation at offset, causing it to become a free region once again and
	// merging it with free neighbors. It returns an error wrapping ErrSuballocationNotFound if
	// no live allocation starts at offset.
	Free(offset int) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size                  int
	allocationGranularity int
}

// NewBlockMetadata creates a new BlockMetadataBase from a buffer-image granularity value. If your
// memory system does not have granularity requirements, then allocationGranularity should be 1.
func NewBlockMetadata(allocationGranularity int) BlockMetadataBase {
	return BlockMetadataBase{
		size:                  0,
		allocationGranularity: allocationGranularity,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// Granularity returns the buffer-image granularity the block honors
func (m *BlockMetadataBase) Granularity() int { return m.allocationGranularity }

func (m *BlockMetadataBase) writeJsonHeader(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
