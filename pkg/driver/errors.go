package driver

import "github.com/codergym/capture/pkg/driver/availability"

// Errors providers return synchronously from OpenDevice.
var (
	ErrPermissionDenied = availability.ErrPermissionDenied
	ErrBusy             = availability.ErrBusy
	ErrNoDevice         = availability.ErrNoDevice
)
