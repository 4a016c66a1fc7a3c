// Package assembler joins downloaded chunk buffers back into a file.
package assembler

import (
	"errors"
	"fmt"
)

// UnknownSize disables the total length check.
const UnknownSize int64 = -1

// ErrSizeMismatch is matched by SizeMismatchError.
var ErrSizeMismatch = errors.New("assembled size mismatch")

// SizeMismatchError reports an assembled length different from the
// registered file size.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%v: expected %d bytes, got %d", ErrSizeMismatch, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}

// Assemble concatenates buffers in slice order. buffers[i] must hold chunk i.
func Assemble(buffers [][]byte, totalSize int64) ([]byte, error) {
	var n int64
	for _, b := range buffers {
		n += int64(len(b))
	}
	if totalSize >= 0 && n != totalSize {
		return nil, &SizeMismatchError{Expected: totalSize, Actual: n}
	}

	out := make([]byte, 0, n)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out, nil
}
