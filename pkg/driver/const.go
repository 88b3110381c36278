package driver

// DeviceType represents human readable device type. DeviceType
// can be useful to filter the drivers too.
type DeviceType string

const (
	// Camera represents camera devices
	Camera DeviceType = "camera"
	// Screen represents screen devices
	Screen DeviceType = "screen"
	// Synthetic represents generated test sources
	Synthetic DeviceType = "synthetic"
	// CmdSource represents external commands writing raw frames to stdout
	CmdSource DeviceType = "cmdsource"
)

// Info describes a device a provider can open.
type Info struct {
	// ID is what Provider.OpenDevice expects.
	ID         string
	Label      string
	DeviceType DeviceType
	// FrontFacing is only meaningful for cameras that report it.
	FrontFacing bool
	// SensorOrientation is the clockwise rotation in degrees needed to show
	// frames upright, if known.
	SensorOrientation int
}

// Error codes passed to DeviceCallbacks.OnError.
const (
	// ErrorCodeInUse means another client holds the device.
	ErrorCodeInUse = iota + 1
	// ErrorCodeMaxInUse means too many devices are open.
	ErrorCodeMaxInUse
	// ErrorCodeDisabled means policy forbids opening the device.
	ErrorCodeDisabled
	// ErrorCodeDevice means the device hit a fatal error.
	ErrorCodeDevice
	// ErrorCodeService means the capture stack itself failed.
	ErrorCodeService
)
