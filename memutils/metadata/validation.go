package metadata

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationResult identifies which consistency rule a block failed
type ValidationResult int

const (
	ValidationPassed ValidationResult = iota
	ValidationNullMemoryHandle
	ValidationZeroMemorySize
	ValidationIncorrectSuballocOffset
	ValidationNeedMergeSuballocs
	ValidationFreeSuballocCountMismatch
	ValidationUsedSuballocInFreeList
	ValidationFreeSuballocSortIncorrect
	ValidationFinalSizeMismatch
	ValidationFinalFreeSizeMismatch
	ValidationUsedSuballocIndexMismatch
)

var validationResultMapping = map[ValidationResult]string{
	ValidationPassed:                    "VALIDATION_PASSED",
	ValidationNullMemoryHandle:          "NULL_MEMORY_HANDLE",
	ValidationZeroMemorySize:            "ZERO_MEMORY_SIZE",
	ValidationIncorrectSuballocOffset:   "INCORRECT_SUBALLOC_OFFSET",
	ValidationNeedMergeSuballocs:        "NEED_MERGE_SUBALLOCS",
	ValidationFreeSuballocCountMismatch: "FREE_SUBALLOC_COUNT_MISMATCH",
	ValidationUsedSuballocInFreeList:    "USED_SUBALLOC_IN_FREE_LIST",
	ValidationFreeSuballocSortIncorrect: "FREE_SUBALLOC_SORT_INCORRECT",
	ValidationFinalSizeMismatch:         "FINAL_SIZE_MISMATCH",
	ValidationFinalFreeSizeMismatch:     "FINAL_FREE_SIZE_MISMATCH",
	ValidationUsedSuballocIndexMismatch: "USED_SUBALLOC_INDEX_MISMATCH",
}

func (r ValidationResult) String() string {
	str, ok := validationResultMapping[r]
	if !ok {
		return fmt.Sprintf("ValidationResult(%d)", int(r))
	}
	return str
}

// ValidationError is returned from Validate when a block's bookkeeping is inconsistent
type ValidationError struct {
	Result ValidationResult
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block validation failed with %s: %s", e.Result.String(), e.Detail)
}

// NewValidationError builds a *ValidationError carrying result
func NewValidationError(result ValidationResult, format string, args ...any) error {
	return &ValidationError{
		Result: result,
		Detail: fmt.Sprintf(format, args...),
	}
}

// ValidationResultOf extracts the ValidationResult from an error returned by Validate. A nil
// error is ValidationPassed. Errors that do not wrap a *ValidationError report ok as false.
func ValidationResultOf(err error) (result ValidationResult, ok bool) {
	if err == nil {
		return ValidationPassed, true
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Result, true
	}

	return ValidationPassed, false
}
