package metadata

// SuballocationType describes what kind of resource occupies a region of a block. It
// drives the buffer-image granularity rules.
type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:         "SuballocationFree",
	SuballocationUnknown:      "SuballocationUnknown",
	SuballocationBuffer:       "SuballocationBuffer",
	SuballocationImageUnknown: "SuballocationImageUnknown",
	SuballocationImageLinear:  "SuballocationImageLinear",
	SuballocationImageOptimal: "SuballocationImageOptimal",
}

func (s SuballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}

// Suballocation is a single region of a block, either free or bound to one resource
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     SuballocationType
}

// AllocationsConflict reports whether two resource kinds may not share a page of
// buffer-image granularity. Free regions never conflict, unknown regions conflict with
// every other used region.
func AllocationsConflict(firstAllocType, secondAllocType SuballocationType) bool {
	if firstAllocType > secondAllocType {
		firstAllocType, secondAllocType = secondAllocType, firstAllocType
	}

	switch firstAllocType {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return secondAllocType == SuballocationImageUnknown || secondAllocType == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return secondAllocType == SuballocationImageUnknown || secondAllocType == SuballocationImageLinear ||
			secondAllocType == SuballocationImageOptimal
	case SuballocationImageLinear:
		return secondAllocType == SuballocationImageOptimal
	case SuballocationImageOptimal:
		return false
	}

	return false
}
