package availability

import (
	"errors"
)

var (
	ErrUnimplemented    = NewError("not implemented")
	ErrBusy             = NewError("device or resource busy")
	ErrNoDevice         = NewError("no such device")
	ErrPermissionDenied = NewError("permission denied")
)

type errorString struct {
	s string
}

// NewError creates an error reporting that a device can't be used right now.
// Such errors are detected with IsError.
func NewError(text string) error {
	return &errorString{text}
}

// IsError reports whether err, or anything it wraps, is an availability error.
func IsError(err error) bool {
	var target *errorString
	return errors.As(err, &target)
}

func (e *errorString) Error() string {
	return e.s
}
