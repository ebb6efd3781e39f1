package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// CheckPow2 returns a wrapped PowerOfTwoError if number is not a power of two. Zero is
// accepted and treated by the alignment helpers as an alignment of 1.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckSize returns a wrapped NonPositiveSizeError if size is less than 1
func CheckSize(size int, name string) error {
	if size < 1 {
		return cerrors.Wrapf(NonPositiveSizeError, "%s is %d", name, size)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	if alignment == 0 {
		return value
	}
	return value & int(^(alignment - 1))
}

// BlocksOnSamePage reports whether the last byte of resource A and the first byte of resource B
// fall on the same page. Resource A must be placed before resource B and pageSize must be a
// power of two.
func BlocksOnSamePage(resourceAOffset, resourceASize, resourceBOffset, pageSize int) bool {
	if resourceAOffset+resourceASize > resourceBOffset || resourceASize < 1 || pageSize < 1 {
		panic("BlocksOnSamePage requires a non-empty resource A placed before resource B")
	}

	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := resourceAEnd & ^(pageSize - 1)
	resourceBStartPage := resourceBOffset & ^(pageSize - 1)
	return resourceAEndPage == resourceBStartPage
}
