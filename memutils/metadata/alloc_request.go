package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. It can be committed with BlockMetadata.Alloc as long as
// the block has not been modified in between.
type AllocationRequest struct {
	// Offset is the aligned offset within the block where the allocation will be placed
	Offset int
	// Size is the size of the allocation in bytes
	Size int
	// Item is a snapshot of the free region the allocation will be carved from
	Item Suballocation
	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType SuballocationType

	node     int
	mutation uint64
}

// PaddingBegin is the number of bytes between the start of the chosen free region and
// the aligned offset
func (r AllocationRequest) PaddingBegin() int {
	return r.Offset - r.Item.Offset
}

// PaddingEnd is the number of bytes left free after the allocation within the chosen free region
func (r AllocationRequest) PaddingEnd() int {
	return r.Item.Offset + r.Item.Size - r.Offset - r.Size
}
