// Package capture drives a live video capture device: it opens the device,
// builds a session streaming into an optional preview target and an analysis
// reader, throttles and converts analysis frames to NV21, and tears all of it
// down safely whatever order lifecycle events arrive in.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codergym/capture/internal/worker"
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/io/video"
	"github.com/codergym/capture/pkg/prop"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// FrameListener receives analysis frames as NV21. It runs on the controller's
// worker goroutine. nv21 is allocated per frame and owned by the listener.
type FrameListener func(nv21 []byte, width, height int)

// Controller owns one capture device. All methods are safe for concurrent use.
type Controller struct {
	ControllerOptions

	id       string
	provider driver.Provider
	media    prop.Media
	log      logging.LeveledLogger

	// state is written with mu held and read lock free.
	state int32

	mu        sync.Mutex
	gen       uint64 // bumped by every Start
	seq       uint64 // bumped by every session configuration
	targetSeq uint64 // bumped by every SetTarget
	// targetSeq at the time the current session was configured
	configuredTargetSeq uint64

	worker    *worker.Worker
	device    driver.Device
	session   driver.Session
	reader    *video.ImageReader
	preview   driver.Target
	target    driver.Target
	gate      *video.Gate
	onStarted func(error)
	waiters   []func()

	listener   atomic.Value // FrameListener
	processing int32
	stats      stats
}

// New creates an idle controller for the device described by media.
func New(provider driver.Provider, media prop.Media, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errNoProvider
	}
	if err := media.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		ControllerOptions: o,
		id:                uuid.NewString(),
		provider:          provider,
		media:             media,
		log:               o.loggerFactory.NewLogger("capture"),
		gate:              video.NewGate(o.minFrameInterval, o.clock),
	}
	c.listener.Store(FrameListener(nil))
	return c, nil
}

// ID identifies the controller in logs.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// IsActive reports whether the controller holds, or is acquiring, a device.
func (c *Controller) IsActive() bool {
	return c.State().running()
}

func (c *Controller) setState(s State) {
	prev := State(atomic.SwapInt32(&c.state, int32(s)))
	if prev != s {
		c.log.Debugf("%s: %s -> %s", c.id, prev, s)
	}
}

// SetOnFrameListener replaces the analysis consumer. nil detaches it.
func (c *Controller) SetOnFrameListener(l FrameListener) {
	c.listener.Store(l)
}

// Start opens the device. It does nothing unless the controller is Idle.
//
// A non-nil error means the device couldn't even be requested, e.g.
// driver.ErrPermissionDenied; the controller stays Idle and onStarted is
// never called. Otherwise onStarted, if non-nil, is called exactly once: with
// nil when the controller first becomes Active, or with the error that ended
// the attempt.
func (c *Controller) Start(onStarted func(error)) error {
	c.mu.Lock()
	if c.State() != Idle {
		c.mu.Unlock()
		return nil
	}

	c.gen++
	gen := c.gen
	w := worker.Start("capture-" + c.id)
	c.worker = w
	c.onStarted = onStarted
	c.gate.Reset()
	c.setState(Starting)
	c.log.Debugf("%s: opening %s on %s, analysis every %v", c.id, c.media.DeviceID, w.Name(), c.gate.MinInterval())

	err := c.provider.OpenDevice(c.media.DeviceID, c.deviceCallbacks(gen), w)
	if err != nil {
		c.worker = nil
		c.onStarted = nil
		c.setState(Idle)
	}
	c.mu.Unlock()

	if err != nil {
		w.Quit()
		c.log.Warnf("%s: failed to open %s: %v", c.id, c.media.DeviceID, err)
		return fmt.Errorf("capture: open %s: %w", c.media.DeviceID, err)
	}
	return nil
}

func (c *Controller) deviceCallbacks(gen uint64) driver.DeviceCallbacks {
	return driver.DeviceCallbacks{
		OnOpened: func(d driver.Device) {
			c.onDeviceOpened(gen, d)
		},
		OnDisconnected: func(d driver.Device) {
			c.onDeviceLost(gen, d, ErrDisconnected)
		},
		OnError: func(d driver.Device, code int) {
			c.onDeviceLost(gen, d, &DeviceError{DeviceID: c.media.DeviceID, Code: code})
		},
	}
}

func (c *Controller) onDeviceOpened(gen uint64, d driver.Device) {
	c.mu.Lock()
	if c.gen != gen || c.State() != Starting {
		c.mu.Unlock()
		c.log.Debugf("%s: closing device %s opened after its start was abandoned", c.id, d.ID())
		if err := d.Close(); err != nil {
			c.reportCloseErrors(&ResourceCloseError{Resource: "device", Err: err})
		}
		return
	}

	c.device = d
	if err := c.configureLocked(); err != nil {
		finish := c.terminateLocked(fmt.Errorf("capture: configure session: %w", err))
		c.mu.Unlock()
		finish()
		return
	}
	c.mu.Unlock()
}

func (c *Controller) onDeviceLost(gen uint64, d driver.Device, cause error) {
	c.mu.Lock()
	if c.gen != gen || !c.State().running() {
		c.mu.Unlock()
		return
	}

	c.log.Errorf("%s: %v", c.id, cause)
	if c.device == nil {
		// Lost before it was ever handed to us.
		c.device = d
	}
	finish := c.terminateLocked(cause)
	c.mu.Unlock()
	finish()
}

// configureLocked builds a fresh analysis reader and asks the device for a
// session streaming into it and the current target, if ready.
func (c *Controller) configureLocked() error {
	reader, err := video.NewImageReader(c.media.Width, c.media.Height, c.maxImages)
	if err != nil {
		return err
	}
	reader.SetOnImageAvailable(c.onImageAvailable, c.worker)

	var preview driver.Target
	if c.target != nil && c.target.Ready() {
		preview = c.target
	}

	c.seq++
	seq := c.seq
	c.reader = reader
	c.preview = preview
	c.configuredTargetSeq = c.targetSeq

	return c.device.CreateCaptureSession(driver.SessionConfig{
		Preview:  preview,
		Analysis: reader,
		Executor: c.worker,
		OnConfigured: func(s driver.Session) {
			c.onSessionConfigured(seq, s)
		},
		OnConfigureFailed: func(s driver.Session) {
			c.onSessionConfigureFailed(seq, s)
		},
	})
}

func (c *Controller) onSessionConfigured(seq uint64, s driver.Session) {
	c.mu.Lock()
	state := c.State()
	if c.seq != seq || (state != Starting && state != Restarting) {
		c.mu.Unlock()
		c.log.Debugf("%s: closing stale session", c.id)
		if err := s.Close(); err != nil {
			c.reportCloseErrors(&ResourceCloseError{Resource: "session", Err: err})
		}
		return
	}

	c.session = s
	if err := s.SetRepeatingRequest(driver.NewPreviewRequest(c.preview, c.reader)); err != nil {
		finish := c.terminateLocked(fmt.Errorf("capture: start streaming: %w", err))
		c.mu.Unlock()
		finish()
		return
	}

	c.setState(Active)
	onStarted := c.onStarted
	c.onStarted = nil
	retarget := c.targetSeq != c.configuredTargetSeq && c.target != nil && c.target.Ready()
	c.mu.Unlock()

	if onStarted != nil {
		onStarted(nil)
	}
	if retarget {
		c.RestartPreview()
	}
}

func (c *Controller) onSessionConfigureFailed(seq uint64, s driver.Session) {
	c.mu.Lock()
	state := c.State()
	if c.seq != seq || (state != Starting && state != Restarting) {
		c.mu.Unlock()
		if s != nil {
			if err := s.Close(); err != nil {
				c.reportCloseErrors(&ResourceCloseError{Resource: "session", Err: err})
			}
		}
		return
	}

	if s != nil && c.session == nil {
		c.session = s
	}
	finish := c.terminateLocked(ErrConfigurationFailed)
	c.mu.Unlock()
	finish()
}

// SetTarget replaces the preview target. nil detaches it. If the controller
// is Active and t is ready the session is rebuilt to render into t.
func (c *Controller) SetTarget(t driver.Target) {
	c.mu.Lock()
	c.target = t
	c.targetSeq++
	restart := c.State() == Active && t != nil && t.Ready()
	c.mu.Unlock()

	if restart {
		c.RestartPreview()
	}
}

// RestartPreview rebuilds the session against the current target, keeping
// the device open. It does nothing unless the controller is Active.
func (c *Controller) RestartPreview() {
	c.mu.Lock()
	if c.State() != Active {
		c.mu.Unlock()
		return
	}

	c.setState(Restarting)
	errs := c.closeSessionLocked()
	if err := c.configureLocked(); err != nil {
		finish := c.terminateLocked(fmt.Errorf("capture: reconfigure session: %w", err))
		c.mu.Unlock()
		c.reportCloseErrors(errs)
		finish()
		return
	}
	c.mu.Unlock()

	c.reportCloseErrors(errs)
}

// Release closes the session, the analysis reader and the device, waits for
// in-flight frame work to finish, and leaves the controller Idle. It may be
// called from any state and any number of times. onComplete, if non-nil, is
// called once the controller is Idle: immediately when it already is, or when
// the release in flight completes.
//
// The release timeout bounds only the wait for the worker. Closing the session
// and the device happens before it and takes as long as the provider needs,
// e.g. up to a frame wait for V4L2 cameras or a few seconds for command
// sources that ignore the interrupt.
func (c *Controller) Release(onComplete func()) {
	c.mu.Lock()
	switch c.State() {
	case Idle:
		c.mu.Unlock()
		if onComplete != nil {
			onComplete()
		}
		return
	case Releasing:
		if onComplete != nil {
			c.waiters = append(c.waiters, onComplete)
		}
		c.mu.Unlock()
		return
	}

	c.setState(Releasing)
	if onComplete != nil {
		c.waiters = append(c.waiters, onComplete)
	}
	errs := c.teardownLocked()
	w := c.worker
	c.mu.Unlock()

	c.reportCloseErrors(errs)
	if w != nil {
		if err := w.Stop(c.releaseTimeout); err != nil {
			c.log.Warnf("%s: %s still busy after %s, not waiting any longer", c.id, w.Name(), c.releaseTimeout)
		}
	}

	c.mu.Lock()
	if c.worker == w {
		c.worker = nil
	}
	onStarted, waiters := c.takeCallbacksLocked()
	c.setState(Idle)
	c.mu.Unlock()

	if onStarted != nil {
		onStarted(ErrReleased)
	}
	for _, fn := range waiters {
		fn()
	}
}

// terminateLocked tears the session down after an abnormal event. It runs on
// the worker, so the worker is told to quit rather than joined. The returned
// func must be called once c.mu is released.
func (c *Controller) terminateLocked(cause error) func() {
	errs := c.teardownLocked()
	if c.worker != nil {
		c.worker.Quit()
		c.worker = nil
	}
	onStarted, waiters := c.takeCallbacksLocked()
	c.setState(Idle)

	return func() {
		c.reportCloseErrors(errs)
		if c.errorHandler != nil {
			c.errorHandler(cause)
		}
		if onStarted != nil {
			onStarted(cause)
		}
		for _, fn := range waiters {
			fn()
		}
	}
}

func (c *Controller) takeCallbacksLocked() (func(error), []func()) {
	onStarted, waiters := c.onStarted, c.waiters
	c.onStarted, c.waiters = nil, nil
	return onStarted, waiters
}

// teardownLocked closes session, reader and device in that order. Every close
// is attempted even if an earlier one fails.
func (c *Controller) teardownLocked() error {
	errs := c.closeSessionLocked()
	if c.device != nil {
		errs = multierr.Append(errs, closeResource("device", c.device.Close))
		c.device = nil
	}
	return errs
}

// closeSessionLocked closes the session and the analysis reader, keeping the
// device. Callbacks of a session still being configured go stale.
func (c *Controller) closeSessionLocked() error {
	c.seq++

	var errs error
	if c.session != nil {
		errs = multierr.Append(errs, closeResource("session", c.session.Close))
		c.session = nil
	}
	if c.reader != nil {
		c.log.Debugf("%s: reader dropped %d of %d frames", c.id, c.reader.Dropped(), c.reader.Offered())
		c.reader.SetOnImageAvailable(nil, nil)
		errs = multierr.Append(errs, closeResource("reader", c.reader.Close))
		c.reader = nil
	}
	c.preview = nil
	return errs
}

func closeResource(name string, close func() error) error {
	if err := close(); err != nil {
		return &ResourceCloseError{Resource: name, Err: err}
	}
	return nil
}

func (c *Controller) reportCloseErrors(errs error) {
	if errs == nil {
		return
	}
	for _, err := range multierr.Errors(errs) {
		c.log.Warnf("%s: %v", c.id, err)
	}
	if c.errorHandler != nil {
		c.errorHandler(errs)
	}
}

// Stats returns frame counters accumulated since the controller was created.
func (c *Controller) Stats() Stats {
	return c.stats.snapshot()
}
