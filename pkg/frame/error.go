package frame

import "fmt"

// FormatError reports a frame that can't be converted. It is never fatal to
// a capture session: the frame is dropped and its buffer released.
type FormatError struct {
	Format Format
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported %s frame: %s", e.Format, e.Reason)
}

func formatErrorf(f Format, format string, a ...interface{}) error {
	return &FormatError{Format: f, Reason: fmt.Sprintf(format, a...)}
}
