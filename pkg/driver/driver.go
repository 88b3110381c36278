package driver

import (
	"github.com/codergym/capture/pkg/io/video"
)

// Executor runs device and session callbacks. Providers must never invoke a
// callback on the goroutine that issued the request.
type Executor = video.Executor

// Dispatch runs fn on exec, or inline when exec refuses the task. Late
// callbacks therefore still run after their executor stopped, which lets the
// receiver close resources it no longer wants.
func Dispatch(exec Executor, fn func()) {
	if exec == nil || !exec.Post(fn) {
		fn()
	}
}

// Provider opens capture devices.
type Provider interface {
	// OpenDevice starts opening device id and returns immediately. The outcome
	// is delivered through callbacks on exec. A returned error means no
	// callback will ever fire.
	OpenDevice(id string, callbacks DeviceCallbacks, exec Executor) error
}

// Lister is implemented by providers able to enumerate their devices.
type Lister interface {
	Devices() ([]Info, error)
}

// DeviceCallbacks receive the asynchronous outcome of OpenDevice.
type DeviceCallbacks struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(d Device, code int)
}

// Device is an opened capture device.
type Device interface {
	ID() string
	// CreateCaptureSession starts configuring a session and returns
	// immediately. The outcome is delivered through config's callbacks.
	CreateCaptureSession(config SessionConfig) error
	Close() error
}

// SessionConfig describes the outputs a capture session streams into.
// Preview is optional; Analysis is required.
type SessionConfig struct {
	Preview  Target
	Analysis *video.ImageReader
	Executor Executor

	OnConfigured      func(Session)
	OnConfigureFailed func(Session)
}

// Session is a configured capture session.
type Session interface {
	// SetRepeatingRequest starts streaming, replacing any previous request.
	SetRepeatingRequest(req Request) error
	Close() error
}

// Template is the intent a request is built for.
type Template int

// TemplatePreview streams continuously to preview and analysis outputs.
const TemplatePreview Template = 0

// AFMode selects the device autofocus behavior.
type AFMode int

const (
	AFModeOff AFMode = iota
	AFModeContinuousPicture
)

// AEMode selects the device auto exposure behavior.
type AEMode int

const (
	AEModeOff AEMode = iota
	AEModeOn
)

// Request is a repeating capture request.
type Request struct {
	Template     Template
	Preview      Target
	Analysis     *video.ImageReader
	AutoFocus    AFMode
	AutoExposure AEMode
}

// NewPreviewRequest builds the request used for live preview plus analysis:
// continuous autofocus and auto exposure.
func NewPreviewRequest(preview Target, analysis *video.ImageReader) Request {
	return Request{
		Template:     TemplatePreview,
		Preview:      preview,
		Analysis:     analysis,
		AutoFocus:    AFModeContinuousPicture,
		AutoExposure: AEModeOn,
	}
}
