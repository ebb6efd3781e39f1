package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is returned from CheckPow2 when the tested number is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")
	// NonPositiveSizeError is returned from CheckSize when a size is zero or negative
	NonPositiveSizeError error = errors.New("size must be a positive integer")
)
