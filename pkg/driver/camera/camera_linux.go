package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/prop"
	"golang.org/x/sys/unix"
)

const (
	// frameTimeout is how long, in seconds, the capture loop blocks waiting
	// for a frame before checking whether it should stop.
	frameTimeout = 1
	bufferCount  = 4
	// maxEmptyFrameCount empty frames in a row are treated as a device error.
	maxEmptyFrameCount = 5
)

// V4L2 control IDs from linux/v4l2-controls.h.
const (
	cidExposureAuto webcam.ControlID = 0x009a0901
	cidFocusAuto    webcam.ControlID = 0x009a090c

	exposureManual           = 1
	exposureAperturePriority = 3
)

var (
	logger = logging.NewLogger("camera")

	errNoAnalysisOutput = errors.New("camera: session needs an analysis output")
	errEmptyFrame       = errors.New("camera: too many empty frames")
)

func init() {
	if err := driver.Manager.Register(Scheme, NewProvider()); err != nil {
		logger.Errorf("failed to register camera provider: %v", err)
	}
}

// Provider opens V4L2 devices. Device IDs are device node paths, or bare node
// names such as "video0".
type Provider struct {
	// search patterns, by-path links first so they win the label
	patterns []string
}

// NewProvider creates a Provider looking for devices at the usual locations.
func NewProvider() *Provider {
	return &Provider{
		patterns: []string{"/dev/v4l/by-path/*", "/dev/video*"},
	}
}

// Devices implements driver.Lister.
func (p *Provider) Devices() ([]driver.Info, error) {
	discovered := make(map[string]struct{})
	var infos []driver.Info
	for _, pattern := range p.patterns {
		infos = append(infos, discover(discovered, pattern)...)
	}
	return infos, nil
}

func discover(discovered map[string]struct{}, pattern string) []driver.Info {
	devices, err := filepath.Glob(pattern)
	if err != nil {
		// No v4l device.
		return nil
	}

	var infos []driver.Info
	for _, device := range devices {
		label := filepath.Base(device)
		reallink, err := os.Readlink(device)
		if err != nil {
			reallink = label
		} else {
			reallink = filepath.Base(reallink)
		}

		if _, ok := discovered[reallink]; ok {
			continue
		}
		discovered[reallink] = struct{}{}

		infos = append(infos, driver.Info{
			ID:         device,
			Label:      label + LabelSeparator + reallink,
			DeviceType: driver.Camera,
		})
	}
	return infos
}

func resolvePath(id string) string {
	if strings.ContainsRune(id, filepath.Separator) {
		return id
	}
	return filepath.Join("/dev", id)
}

// accessError maps a failed access(2) probe to the errors OpenDevice reports.
func accessError(path string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s: %w", path, driver.ErrPermissionDenied)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%s: %w", path, driver.ErrNoDevice)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// errorCode maps an open or streaming failure to a DeviceCallbacks.OnError code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, unix.EBUSY):
		return driver.ErrorCodeInUse
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return driver.ErrorCodeMaxInUse
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return driver.ErrorCodeDisabled
	default:
		return driver.ErrorCodeDevice
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO)
}

// OpenDevice implements driver.Provider. Permission and existence are checked
// synchronously; the device itself is opened on a separate goroutine.
func (p *Provider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	path := resolvePath(id)
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return accessError(path, err)
	}

	d := &device{
		id:        id,
		path:      path,
		callbacks: callbacks,
		exec:      exec,
		state:     driver.StateOpened,
	}

	go func() {
		cam, err := webcam.Open(path)
		if err != nil {
			logger.Warnf("failed to open %s: %v", path, err)
			d.state = driver.StateClosed
			code := errorCode(err)
			driver.Dispatch(exec, func() {
				if callbacks.OnError != nil {
					callbacks.OnError(d, code)
				}
			})
			return
		}

		d.cam = cam
		logger.Debugf("opened %s", path)
		driver.Dispatch(exec, func() {
			if callbacks.OnOpened != nil {
				callbacks.OnOpened(d)
			}
		})
	}()
	return nil
}

// Camera implementation using v4l2
// Reference: https://linuxtv.org/downloads/v4l-dvb-apis/uapi/v4l/videodev.html#videodev
type device struct {
	id        string
	path      string
	callbacks driver.DeviceCallbacks
	exec      driver.Executor
	lostOnce  sync.Once

	mu      sync.Mutex
	cam     *webcam.Webcam
	state   driver.State
	session *session
}

func (d *device) ID() string {
	return d.id
}

// CreateCaptureSession implements driver.Device. A new session replaces, and
// closes, the previous one.
func (d *device) CreateCaptureSession(config driver.SessionConfig) error {
	if config.Analysis == nil {
		return errNoAnalysisOutput
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != driver.StateOpened {
		return fmt.Errorf("camera: %s is %s", d.id, d.state)
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			logger.Warnf("failed to close previous session of %s: %v", d.id, err)
		}
	}

	s := &session{device: d, config: config, state: driver.StateOpened}
	d.session = s

	go func() {
		if err := s.configure(); err != nil {
			logger.Errorf("failed to configure %s: %v", d.path, err)
			driver.Dispatch(config.Executor, func() {
				if config.OnConfigureFailed != nil {
					config.OnConfigureFailed(s)
				}
			})
			return
		}
		driver.Dispatch(config.Executor, func() {
			if config.OnConfigured != nil {
				config.OnConfigured(s)
			}
		})
	}()
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == driver.StateClosed {
		return nil
	}

	return d.state.Update(driver.StateClosed, func() error {
		var err error
		if d.session != nil {
			err = d.session.Close()
			d.session = nil
		}
		if d.cam != nil {
			if cerr := d.cam.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	})
}

// lost reports an unrecoverable streaming failure once per device.
func (d *device) lost(err error) {
	d.lostOnce.Do(func() {
		if isDisconnect(err) {
			logger.Warnf("%s disconnected: %v", d.path, err)
			driver.Dispatch(d.exec, func() {
				if d.callbacks.OnDisconnected != nil {
					d.callbacks.OnDisconnected(d)
				}
			})
			return
		}

		logger.Errorf("%s failed: %v", d.path, err)
		code := errorCode(err)
		driver.Dispatch(d.exec, func() {
			if d.callbacks.OnError != nil {
				d.callbacks.OnError(d, code)
			}
		})
	})
}

type session struct {
	device *device
	config driver.SessionConfig

	mu      sync.Mutex
	state   driver.State
	decoder frame.Decoder
	width   int
	height  int
	cancel  context.CancelFunc
	done    chan struct{}
	pool    sync.Pool
}

// configure negotiates the pixel format closest to the analysis size.
func (s *session) configure() error {
	s.device.mu.Lock()
	cam := s.device.cam
	s.device.mu.Unlock()

	supported := make(map[webcam.PixelFormat][]webcam.FrameSize)
	for pf := range cam.GetSupportedFormats() {
		supported[pf] = cam.GetSupportedFrameSizes(pf)
	}

	w, h := s.config.Analysis.Size()
	selected, err := selectFormat(prop.Media{Video: prop.Video{Width: w, Height: h}}, candidates(supported))
	if err != nil {
		return err
	}

	pf, _ := pixelFormatOf(selected.FrameFormat)
	actual, aw, ah, err := cam.SetImageFormat(pf, uint32(selected.Width), uint32(selected.Height))
	if err != nil {
		return err
	}
	ff, ok := frameFormatOf(actual)
	if !ok {
		return fmt.Errorf("camera: device switched to unsupported format %v", actual)
	}

	decoder, err := frame.NewDecoder(ff)
	if err != nil {
		return err
	}
	if err := cam.SetBufferCount(bufferCount); err != nil {
		logger.Debugf("%s: buffer count: %v", s.device.path, err)
	}

	s.mu.Lock()
	s.decoder = decoder
	s.width, s.height = int(aw), int(ah)
	s.mu.Unlock()

	logger.Infof("%s: streaming %s %dx%d", s.device.path, ff, aw, ah)
	return nil
}

// SetRepeatingRequest implements driver.Session. The first request starts
// streaming; later ones only update the device controls.
func (s *session) SetRepeatingRequest(req driver.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam := s.device.cam
	return s.state.Update(driver.StateStreaming, func() error {
		applyControls(cam, req)
		if s.cancel != nil {
			return nil
		}

		if err := cam.StartStreaming(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(ctx, cam, req, s.decoder, s.width, s.height)
		return nil
	})
}

func applyControls(cam *webcam.Webcam, req driver.Request) {
	focus := int32(0)
	if req.AutoFocus != driver.AFModeOff {
		focus = 1
	}
	if err := cam.SetControl(cidFocusAuto, focus); err != nil {
		logger.Debugf("autofocus control unavailable: %v", err)
	}

	exposure := int32(exposureManual)
	if req.AutoExposure == driver.AEModeOn {
		exposure = exposureAperturePriority
	}
	if err := cam.SetControl(cidExposureAuto, exposure); err != nil {
		logger.Debugf("auto exposure control unavailable: %v", err)
	}
}

func (s *session) buffer(n int) []byte {
	if b, ok := s.pool.Get().(*[]byte); ok && cap(*b) >= n {
		return (*b)[:n]
	}
	return make([]byte, n)
}

func (s *session) recycle(b []byte) {
	s.pool.Put(&b)
}

func (s *session) run(ctx context.Context, cam *webcam.Webcam, req driver.Request, decoder frame.Decoder, width, height int) {
	defer close(s.done)

	empty := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := cam.WaitForFrame(frameTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			if ctx.Err() == nil {
				s.device.lost(err)
			}
			return
		}

		raw, index, err := cam.GetFrame()
		if err != nil {
			if ctx.Err() == nil {
				s.device.lost(err)
			}
			return
		}

		if len(raw) == 0 {
			cam.ReleaseFrame(index)
			if empty++; empty >= maxEmptyFrameCount {
				s.device.lost(errEmptyFrame)
				return
			}
			continue
		}
		empty = 0

		// move the memory from mmap to Go. This will guarantee that any data that's going out
		// from this session will be Go safe, even after the device is closed.
		buf := s.buffer(len(raw))
		copy(buf, raw)
		if err := cam.ReleaseFrame(index); err != nil {
			logger.Debugf("%s: release frame %d: %v", s.device.path, index, err)
		}

		img, err := decoder.Decode(buf, width, height)
		if err != nil {
			logger.Debugf("%s: dropping frame: %v", s.device.path, err)
			s.recycle(buf)
			continue
		}

		if err := driver.PresentFrame(req.Preview, img); err != nil {
			logger.Debugf("%s: preview: %v", s.device.path, err)
		}
		if req.Analysis == nil {
			s.recycle(buf)
			continue
		}
		req.Analysis.Offer(img, func() { s.recycle(buf) })
	}
}

// Close implements driver.Session.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == driver.StateClosed {
		return nil
	}

	return s.state.Update(driver.StateClosed, func() error {
		if s.cancel == nil {
			return nil
		}

		// Let the capture loop know, and wait until it stops touching the
		// mmap buffers before StopStreaming frees them.
		s.cancel()
		<-s.done
		s.cancel = nil
		return s.device.cam.StopStreaming()
	})
}
