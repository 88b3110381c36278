package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is reported when the device goes away while in use.
	ErrDisconnected = errors.New("capture: device disconnected")
	// ErrConfigurationFailed is reported when the device rejects the session.
	ErrConfigurationFailed = errors.New("capture: session configuration failed")
	// ErrReleased is passed to a pending start callback when Release wins the
	// race against the device becoming active.
	ErrReleased = errors.New("capture: released before becoming active")

	errNoProvider       = errors.New("capture: provider is required")
	errInvalidMaxImages = errors.New("capture: max images must be at least 1")
	errNegativeDuration = errors.New("capture: durations must not be negative")
)

// DeviceError is reported when the device signals a fatal error.
type DeviceError struct {
	DeviceID string
	Code     int
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: device %s failed with code %d", e.DeviceID, e.Code)
}

// ResourceCloseError wraps a failure to close one resource during teardown.
// Teardown carries on regardless, so several of these may be combined into a
// single error; use multierr.Errors to split them.
type ResourceCloseError struct {
	Resource string
	Err      error
}

func (e *ResourceCloseError) Error() string {
	return fmt.Sprintf("capture: failed to close %s: %v", e.Resource, e.Err)
}

func (e *ResourceCloseError) Unwrap() error {
	return e.Err
}
