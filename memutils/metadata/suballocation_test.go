package metadata_test

import (
	"testing"

	"github.com/orrery-gfx/arsenal/memutils/metadata"
	"github.com/stretchr/testify/require"
)

var conflictTestCases = map[string]struct {
	Type1    metadata.SuballocationType
	Type2    metadata.SuballocationType
	Conflict bool
}{
	"Frees Dont Conflict": {
		Type1:    metadata.SuballocationFree,
		Type2:    metadata.SuballocationFree,
		Conflict: false,
	},
	"Unknowns Conflict": {
		Type1:    metadata.SuballocationUnknown,
		Type2:    metadata.SuballocationUnknown,
		Conflict: true,
	},
	"Frees Dont Conflict With Unknown": {
		Type1:    metadata.SuballocationUnknown,
		Type2:    metadata.SuballocationFree,
		Conflict: false,
	},
	"Unknown Conflicts With Buffer": {
		Type1:    metadata.SuballocationBuffer,
		Type2:    metadata.SuballocationUnknown,
		Conflict: true,
	},
	"Buffers Dont Conflict With Buffers": {
		Type1:    metadata.SuballocationBuffer,
		Type2:    metadata.SuballocationBuffer,
		Conflict: false,
	},
	"Buffers Dont Conflict With Linear Image": {
		Type1:    metadata.SuballocationBuffer,
		Type2:    metadata.SuballocationImageLinear,
		Conflict: false,
	},
	"Buffers Conflict With Unknown Image": {
		Type1:    metadata.SuballocationImageUnknown,
		Type2:    metadata.SuballocationBuffer,
		Conflict: true,
	},
	"Buffers Conflict With Optimal Image": {
		Type1:    metadata.SuballocationBuffer,
		Type2:    metadata.SuballocationImageOptimal,
		Conflict: true,
	},
	"Unknown Image Conflicts With Optimal Image": {
		Type1:    metadata.SuballocationImageOptimal,
		Type2:    metadata.SuballocationImageUnknown,
		Conflict: true,
	},
	"Free Doesnt Conflict With Unknown Image": {
		Type1:    metadata.SuballocationFree,
		Type2:    metadata.SuballocationImageUnknown,
		Conflict: false,
	},
	"Linear Image Conflicts With Optimal Image": {
		Type1:    metadata.SuballocationImageOptimal,
		Type2:    metadata.SuballocationImageLinear,
		Conflict: true,
	},
	"Optimal Images Dont Conflict": {
		Type1:    metadata.SuballocationImageOptimal,
		Type2:    metadata.SuballocationImageOptimal,
		Conflict: false,
	},
	"Linear Images Dont Conflict": {
		Type1:    metadata.SuballocationImageLinear,
		Type2:    metadata.SuballocationImageLinear,
		Conflict: false,
	},
}

func TestAllocationsConflict(t *testing.T) {
	for testName, testCase := range conflictTestCases {
		t.Run(testName, func(t *testing.T) {
			require.Equal(t, testCase.Conflict, metadata.AllocationsConflict(testCase.Type1, testCase.Type2))
			require.Equal(t, testCase.Conflict, metadata.AllocationsConflict(testCase.Type2, testCase.Type1))
		})
	}
}

func TestSuballocationTypeString(t *testing.T) {
	require.Equal(t, "SuballocationImageOptimal", metadata.SuballocationImageOptimal.String())
	require.Equal(t, "unknown SuballocationType", metadata.SuballocationType(99).String())
}
