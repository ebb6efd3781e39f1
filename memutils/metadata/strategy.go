package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// If none is chosen, AllocationStrategyMinMemory is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest registered free region that can hold the
	// allocation, minimizing fragmentation at the cost of a binary search and a forward scan
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime tries the largest registered free regions first, which usually
	// succeeds on the first candidate
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the lowest offset in the block that can hold the allocation
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "AllocationStrategyDefault"
	}
	return str
}
