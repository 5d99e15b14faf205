// AngelaMos | 2026
// errors.go

package user

import (
	"errors"
	"fmt"
)

// ErrDirectory matches every *DirectoryError via errors.Is.
var ErrDirectory = errors.New("user directory unavailable")

// DirectoryError reports a directory transport or authorization failure.
// Callers must treat it as "role unknown", never as "role granted".
type DirectoryError struct {
	Op  string
	Err error
}

func newDirectoryError(op string, err error) *DirectoryError {
	return &DirectoryError{Op: op, Err: err}
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) Is(target error) bool {
	return target == ErrDirectory
}
