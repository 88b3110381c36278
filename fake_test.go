package capture

import (
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/io/video"
)

const (
	testWidth  = 4
	testHeight = 2
)

// fakeProvider opens fakeDevices. With manual set, tests decide when (and
// whether) the open completes through pending.
type fakeProvider struct {
	manual  bool
	openErr error
	// configure, when set, decides how sessions of opened devices complete.
	configure func(*fakeSession)

	mu      sync.Mutex
	opens   int
	pending []*pendingOpen
	devices []*fakeDevice
}

type pendingOpen struct {
	id        string
	callbacks driver.DeviceCallbacks
	exec      driver.Executor
	device    *fakeDevice
}

func (p *pendingOpen) open() {
	driver.Dispatch(p.exec, func() { p.callbacks.OnOpened(p.device) })
}

func (p *pendingOpen) disconnect() {
	driver.Dispatch(p.exec, func() { p.callbacks.OnDisconnected(p.device) })
}

func (p *pendingOpen) fail(code int) {
	driver.Dispatch(p.exec, func() { p.callbacks.OnError(p.device, code) })
}

func (p *fakeProvider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.opens++
	if p.openErr != nil {
		return p.openErr
	}

	d := &fakeDevice{id: id, configure: p.configure}
	po := &pendingOpen{id: id, callbacks: callbacks, exec: exec, device: d}
	p.devices = append(p.devices, d)
	p.pending = append(p.pending, po)
	if !p.manual {
		go po.open()
	}
	return nil
}

func (p *fakeProvider) lastPending() *pendingOpen {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	return p.pending[len(p.pending)-1]
}

func (p *fakeProvider) allDevices() []*fakeDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeDevice(nil), p.devices...)
}

func (p *fakeProvider) lastDevice() *fakeDevice {
	devices := p.allDevices()
	if len(devices) == 0 {
		return nil
	}
	return devices[len(devices)-1]
}

func (p *fakeProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type fakeDevice struct {
	id        string
	configure func(*fakeSession)
	closeErr  error

	closes int32

	mu       sync.Mutex
	configs  []driver.SessionConfig
	sessions []*fakeSession
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateCaptureSession(config driver.SessionConfig) error {
	d.mu.Lock()
	d.configs = append(d.configs, config)
	s := &fakeSession{config: config}
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	if d.configure != nil {
		d.configure(s)
		return nil
	}
	go driver.Dispatch(config.Executor, func() { config.OnConfigured(s) })
	return nil
}

func (d *fakeDevice) Close() error {
	atomic.AddInt32(&d.closes, 1)
	return d.closeErr
}

func (d *fakeDevice) closeCount() int {
	return int(atomic.LoadInt32(&d.closes))
}

func (d *fakeDevice) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDevice) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

func (d *fakeDevice) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

type fakeSession struct {
	config     driver.SessionConfig
	requestErr error
	closeErr   error

	mu       sync.Mutex
	requests []driver.Request
	closes   int
}

func (s *fakeSession) SetRepeatingRequest(req driver.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestErr != nil {
		return s.requestErr
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSession) lastRequest() driver.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// recycler counts buffers handed back by the reader.
type recycler struct {
	offered  int64
	recycled int64
}

func (r *recycler) emit(reader *video.ImageReader, img *frame.Image) bool {
	atomic.AddInt64(&r.offered, 1)
	return reader.Offer(img, func() { atomic.AddInt64(&r.recycled, 1) })
}

func (r *recycler) counts() (offered, recycled int64) {
	return atomic.LoadInt64(&r.offered), atomic.LoadInt64(&r.recycled)
}

type fakeTarget struct {
	width, height int
	ready         int32
}

func newFakeTarget(w, h int) *fakeTarget {
	return &fakeTarget{width: w, height: h, ready: 1}
}

func (t *fakeTarget) Size() (int, int) { return t.width, t.height }
func (t *fakeTarget) Ready() bool { return atomic.LoadInt32(&t.ready) == 1 }
func (t *fakeTarget) Present(image.Image) {}
func (t *fakeTarget) setReady(ready bool) {
	if ready {
		atomic.StoreInt32(&t.ready, 1)
	} else {
		atomic.StoreInt32(&t.ready, 0)
	}
}

// yuvFrame returns a valid testWidth x testHeight 4:2:0 frame whose first
// luma byte is tag.
func yuvFrame(tag byte) *frame.Image {
	return &frame.Image{
		Format: frame.FormatYUV420,
		Width:  testWidth,
		Height: testHeight,
		Planes: []frame.Plane{
			{Data: []byte{tag, 1, 2, 3, 4, 5, 6, 7}, RowStride: testWidth, PixelStride: 1},
			{Data: []byte{0x10, 0x11}, RowStride: 2, PixelStride: 1},
			{Data: []byte{0x20, 0x21}, RowStride: 2, PixelStride: 1},
		},
	}
}

func malformedFrame() *frame.Image {
	img := yuvFrame(0)
	img.Planes = img.Planes[:2]
	return img
}

// overflowingFrame is a yuvFrame whose Cr plane claims an impossible pixel
// stride.
func overflowingFrame() *frame.Image {
	img := yuvFrame(0)
	img.Planes[2].PixelStride = math.MaxInt
	return img
}

// failConfiguration makes every session report a configuration failure.
func failConfiguration(s *fakeSession) {
	go driver.Dispatch(s.config.Executor, func() { s.config.OnConfigureFailed(s) })
}

// fakeClock is a manually advanced video.Clock.
type fakeClock struct {
	now int64
}

func (c *fakeClock) clock() video.Clock {
	return func() time.Duration {
		return time.Duration(atomic.LoadInt64(&c.now))
	}
}

func (c *fakeClock) advance(d time.Duration) {
	atomic.AddInt64(&c.now, int64(d))
}

var errBoom = errors.New("boom")

// startedRecorder collects onStarted invocations.
type startedRecorder struct {
	mu    sync.Mutex
	calls []error
	ch    chan error
}

func newStartedRecorder() *startedRecorder {
	return &startedRecorder{ch: make(chan error, 16)}
}

func (r *startedRecorder) callback(err error) {
	r.mu.Lock()
	r.calls = append(r.calls, err)
	r.mu.Unlock()
	r.ch <- err
}

func (r *startedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
