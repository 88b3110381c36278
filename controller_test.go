package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

const waitFor = 2 * time.Second

func testMedia() prop.Media {
	return prop.Media{
		DeviceID: "cam0",
		Video: prop.Video{
			Width:  testWidth,
			Height: testHeight,
		},
	}
}

func newTestController(t *testing.T, p driver.Provider, opts ...Option) *Controller {
	t.Helper()

	opts = append([]Option{WithMinFrameInterval(0)}, opts...)
	c, err := New(p, testMedia(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Release(nil) })
	return c
}

func waitState(t *testing.T, c *Controller, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == s }, waitFor, time.Millisecond,
		"expected %s, still %s", s, c.State())
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for callback")
		return nil
	}
}

// startActive starts c and waits until it reports Active.
func startActive(t *testing.T, c *Controller, p *fakeProvider) (*fakeDevice, *fakeSession) {
	t.Helper()

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))
	require.NoError(t, receive(t, rec.ch))
	require.Equal(t, Active, c.State())

	d := p.lastDevice()
	require.NotNil(t, d)
	return d, d.lastSession()
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, testMedia())
	assert.Error(t, err)

	_, err = New(&fakeProvider{}, prop.Media{Video: prop.Video{Width: 4, Height: 2}})
	assert.Error(t, err, "missing device id")

	_, err = New(&fakeProvider{}, prop.Media{DeviceID: "cam0", Video: prop.Video{Width: 3, Height: 2}})
	assert.Error(t, err, "odd width")

	_, err = New(&fakeProvider{}, testMedia(), WithMaxImages(0))
	assert.Error(t, err)

	_, err = New(&fakeProvider{}, testMedia(), WithReleaseTimeout(-time.Second))
	assert.Error(t, err)

	c, err := New(&fakeProvider{}, testMedia())
	require.NoError(t, err)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.IsActive())
	assert.NotEmpty(t, c.ID())
}

func TestStartBecomesActive(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	target := newFakeTarget(640, 480)
	c.SetTarget(target)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))
	assert.True(t, c.IsActive())
	require.NoError(t, receive(t, rec.ch))
	assert.Equal(t, Active, c.State())

	d := p.lastDevice()
	require.Equal(t, 1, d.sessionCount())
	s := d.session(0)
	assert.Equal(t, "cam0", d.ID())
	assert.Equal(t, driver.Target(target), s.config.Preview)
	require.NotNil(t, s.config.Analysis)
	w, h := s.config.Analysis.Size()
	assert.Equal(t, testWidth, w)
	assert.Equal(t, testHeight, h)
	assert.Equal(t, 2, s.config.Analysis.MaxImages())

	req := s.lastRequest()
	assert.Equal(t, driver.TemplatePreview, req.Template)
	assert.Equal(t, driver.AFModeContinuousPicture, req.AutoFocus)
	assert.Equal(t, driver.AEModeOn, req.AutoExposure)
	assert.Equal(t, driver.Target(target), req.Preview)
	assert.Same(t, s.config.Analysis, req.Analysis)

	// Start is ignored unless Idle.
	require.NoError(t, c.Start(rec.callback))
	assert.Equal(t, 1, p.openCount())
	assert.Equal(t, 1, rec.count())
}

func TestStartWithoutReadyTargetStreamsAnalysisOnly(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	target := newFakeTarget(640, 480)
	target.setReady(false)
	c.SetTarget(target)

	_, s := startActive(t, c, p)
	assert.Nil(t, s.config.Preview)
	assert.NotNil(t, s.config.Analysis)
}

func TestStartPermissionDenied(t *testing.T) {
	p := &fakeProvider{openErr: fmt.Errorf("/dev/video0: %w", driver.ErrPermissionDenied)}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	err := c.Start(rec.callback)
	assert.True(t, errors.Is(err, driver.ErrPermissionDenied), "got %v", err)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 0, rec.count())

	// A later start is honored.
	p.mu.Lock()
	p.openErr = nil
	p.mu.Unlock()
	startActive(t, c, p)
}

func TestReleaseWhileIdle(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)

	called := false
	c.Release(func() { called = true })

	assert.True(t, called, "callback must run before Release returns")
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 0, p.openCount())
}

func TestReleaseTearsDown(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	d, s := startActive(t, c, p)

	called := 0
	c.Release(func() { called++ })

	assert.Equal(t, 1, called)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, s.closeCount())
	assert.Equal(t, 1, d.closeCount())
	assert.True(t, s.config.Analysis.Closed())

	c.Release(func() { called++ })
	assert.Equal(t, 2, called)
	assert.Equal(t, 1, s.closeCount())
	assert.Equal(t, 1, d.closeCount())
}

func TestReleaseReportsCloseErrors(t *testing.T) {
	var reported error
	p := &fakeProvider{}
	c := newTestController(t, p, WithErrorHandler(func(err error) { reported = err }))
	d, s := startActive(t, c, p)

	s.mu.Lock()
	s.closeErr = errBoom
	s.mu.Unlock()
	d.closeErr = errBoom

	c.Release(nil)

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, d.closeCount(), "a failing session close must not stop the device close")

	errs := multierr.Errors(reported)
	require.Len(t, errs, 2)
	var closeErr *ResourceCloseError
	require.True(t, errors.As(errs[0], &closeErr))
	assert.Equal(t, "session", closeErr.Resource)
	require.True(t, errors.As(errs[1], &closeErr))
	assert.Equal(t, "device", closeErr.Resource)
	assert.True(t, errors.Is(reported, errBoom))
}

func TestReleaseWhileStartingClosesLateDevice(t *testing.T) {
	p := &fakeProvider{manual: true}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))
	assert.Equal(t, Starting, c.State())

	c.Release(nil)
	assert.Equal(t, Idle, c.State())
	assert.True(t, errors.Is(receive(t, rec.ch), ErrReleased))

	po := p.lastPending()
	po.open()

	assert.Equal(t, 1, po.device.closeCount())
	assert.Equal(t, 0, po.device.sessionCount())
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, rec.count())
}

func TestLateOpenFromPreviousStartIsClosed(t *testing.T) {
	p := &fakeProvider{manual: true}
	c := newTestController(t, p)

	require.NoError(t, c.Start(nil))
	stale := p.lastPending()
	c.Release(nil)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))
	current := p.lastPending()
	require.NotSame(t, stale, current)

	stale.open()
	assert.Equal(t, 1, stale.device.closeCount())
	assert.Equal(t, Starting, c.State())

	current.open()
	require.NoError(t, receive(t, rec.ch))
	assert.Equal(t, Active, c.State())
	assert.Equal(t, 0, current.device.closeCount())
}

func TestInterleavedStartRelease(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)

	const n = 50
	var (
		wg       sync.WaitGroup
		released int32
	)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Start(nil)
		}()
		go func() {
			defer wg.Done()
			c.Release(func() { atomic.AddInt32(&released, 1) })
		}()
	}
	wg.Wait()

	final := make(chan struct{})
	c.Release(func() { close(final) })
	<-final

	assert.Equal(t, Idle, c.State())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&released) == n }, waitFor, time.Millisecond)

	assert.Eventually(t, func() bool {
		for _, d := range p.allDevices() {
			if d.closeCount() != 1 {
				return false
			}
			for i := 0; i < d.sessionCount(); i++ {
				if d.session(i).closeCount() != 1 {
					return false
				}
			}
		}
		return true
	}, waitFor, time.Millisecond, "every device and session must be closed exactly once")
}

func TestConcurrentReleasesShareTeardown(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p, WithReleaseTimeout(waitFor))
	d, s := startActive(t, c, p)

	entered := make(chan struct{})
	hold := make(chan struct{})
	c.SetOnFrameListener(func([]byte, int, int) {
		close(entered)
		<-hold
	})
	var r recycler
	require.True(t, r.emit(s.config.Analysis, yuvFrame(1)))
	<-entered

	first := make(chan struct{})
	go c.Release(func() { close(first) })
	waitState(t, c, Releasing)

	second := make(chan struct{})
	c.Release(func() { close(second) })

	select {
	case <-second:
		t.Fatal("second release completed before the teardown it joined")
	default:
	}

	close(hold)
	<-first
	<-second

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, s.closeCount())
	assert.Equal(t, 1, d.closeCount())
}

func TestRestartPreviewWhileIdle(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)

	c.RestartPreview()

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 0, p.openCount())
}

func TestSetTargetRestartsActiveSession(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	d, first := startActive(t, c, p)
	assert.Nil(t, first.config.Preview)

	unready := newFakeTarget(320, 240)
	unready.setReady(false)
	c.SetTarget(unready)
	c.SetTarget(nil)
	assert.Equal(t, 1, d.sessionCount(), "only a ready target triggers a restart")

	target := newFakeTarget(320, 240)
	c.SetTarget(target)

	require.Eventually(t, func() bool {
		return d.sessionCount() == 2 && d.session(1).requestCount() == 1 && c.State() == Active
	}, waitFor, time.Millisecond)

	second := d.session(1)
	assert.Equal(t, driver.Target(target), second.config.Preview)
	assert.NotSame(t, first.config.Analysis, second.config.Analysis)
	assert.Equal(t, 1, first.closeCount())
	assert.True(t, first.config.Analysis.Closed())
	assert.Equal(t, 0, d.closeCount(), "restarting keeps the device")
}

func TestTargetChangedWhileStartingRestartsOnceActive(t *testing.T) {
	configured := make(chan *fakeSession, 4)
	p := &fakeProvider{configure: func(s *fakeSession) { configured <- s }}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))

	var first *fakeSession
	select {
	case first = <-configured:
	case <-time.After(waitFor):
		t.Fatal("session was never requested")
	}
	assert.Equal(t, Starting, c.State())

	target := newFakeTarget(320, 240)
	c.SetTarget(target)
	assert.Equal(t, Starting, c.State())

	driver.Dispatch(first.config.Executor, func() { first.config.OnConfigured(first) })
	require.NoError(t, receive(t, rec.ch))

	var second *fakeSession
	select {
	case second = <-configured:
	case <-time.After(waitFor):
		t.Fatal("target change was not picked up")
	}
	assert.Equal(t, driver.Target(target), second.config.Preview)

	driver.Dispatch(second.config.Executor, func() { second.config.OnConfigured(second) })
	waitState(t, c, Active)
	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 1, rec.count(), "a restart must not report start again")
}

func TestDisconnect(t *testing.T) {
	errs := make(chan error, 4)
	p := &fakeProvider{}
	c := newTestController(t, p, WithErrorHandler(func(err error) { errs <- err }))
	d, s := startActive(t, c, p)

	p.lastPending().disconnect()

	assert.True(t, errors.Is(receive(t, errs), ErrDisconnected))
	waitState(t, c, Idle)
	assert.Equal(t, 1, d.closeCount())
	assert.Equal(t, 1, s.closeCount())
	assert.True(t, s.config.Analysis.Closed())

	// A second notification for the same device is ignored.
	p.lastPending().disconnect()
	assert.Equal(t, 1, d.closeCount())
}

func TestDeviceErrorWhileStarting(t *testing.T) {
	p := &fakeProvider{manual: true}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))
	po := p.lastPending()
	po.fail(3)

	err := receive(t, rec.ch)
	var deviceErr *DeviceError
	require.True(t, errors.As(err, &deviceErr), "got %v", err)
	assert.Equal(t, 3, deviceErr.Code)
	assert.Equal(t, "cam0", deviceErr.DeviceID)

	waitState(t, c, Idle)
	assert.Equal(t, 1, po.device.closeCount())
}

func TestConfigurationFailed(t *testing.T) {
	p := &fakeProvider{configure: failConfiguration}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))

	assert.True(t, errors.Is(receive(t, rec.ch), ErrConfigurationFailed))
	waitState(t, c, Idle)

	d := p.lastDevice()
	assert.Equal(t, 1, d.closeCount())
	assert.True(t, d.session(0).config.Analysis.Closed())
	assert.Equal(t, 1, d.session(0).closeCount())
}

func TestRepeatingRequestFailure(t *testing.T) {
	p := &fakeProvider{configure: func(s *fakeSession) {
		s.requestErr = errBoom
		go driver.Dispatch(s.config.Executor, func() { s.config.OnConfigured(s) })
	}}
	c := newTestController(t, p)

	rec := newStartedRecorder()
	require.NoError(t, c.Start(rec.callback))

	assert.True(t, errors.Is(receive(t, rec.ch), errBoom))
	waitState(t, c, Idle)
	d := p.lastDevice()
	assert.Equal(t, 1, d.session(0).closeCount())
	assert.Equal(t, 1, d.closeCount())
}

func TestFramesDeliveredAsNV21(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	_, s := startActive(t, c, p)

	frames := make(chan []byte, 1)
	c.SetOnFrameListener(func(nv21 []byte, width, height int) {
		assert.Equal(t, testWidth, width)
		assert.Equal(t, testHeight, height)
		frames <- nv21
	})

	var r recycler
	require.True(t, r.emit(s.config.Analysis, yuvFrame(9)))

	select {
	case nv21 := <-frames:
		assert.Equal(t, []byte{9, 1, 2, 3, 4, 5, 6, 7, 0x20, 0x10, 0x21, 0x11}, nv21)
	case <-time.After(waitFor):
		t.Fatal("frame was not delivered")
	}

	assert.Eventually(t, func() bool {
		offered, recycled := r.counts()
		return offered == recycled
	}, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Delivered)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	testCases := map[string]func() *frame.Image{
		"MissingPlane":      malformedFrame,
		"OverflowingStride": overflowingFrame,
	}

	for name, newFrame := range testCases {
		newFrame := newFrame
		t.Run(name, func(t *testing.T) {
			p := &fakeProvider{}
			c := newTestController(t, p)
			_, s := startActive(t, c, p)

			var calls int32
			c.SetOnFrameListener(func([]byte, int, int) { atomic.AddInt32(&calls, 1) })

			var r recycler
			require.True(t, r.emit(s.config.Analysis, newFrame()))

			require.Eventually(t, func() bool { return c.Stats().Malformed == 1 }, waitFor, time.Millisecond)
			assert.Eventually(t, func() bool {
				_, recycled := r.counts()
				return recycled == 1
			}, waitFor, time.Millisecond)
			assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
			assert.Equal(t, Active, c.State())

			// The pipeline keeps working.
			require.True(t, r.emit(s.config.Analysis, yuvFrame(1)))
			assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, waitFor, time.Millisecond)
		})
	}
}

func TestFrameFromNewStartWhileOldListenerStuck(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p, WithReleaseTimeout(20*time.Millisecond))
	_, first := startActive(t, c, p)

	var inside, overlaps, calls int32
	entered := make(chan struct{})
	hold := make(chan struct{})
	c.SetOnFrameListener(func([]byte, int, int) {
		if atomic.AddInt32(&inside, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		defer atomic.AddInt32(&inside, -1)

		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-hold
		}
	})

	var r recycler
	require.True(t, r.emit(first.config.Analysis, yuvFrame(1)))
	<-entered

	// The old worker is still inside the listener when the join gives up.
	c.Release(nil)
	require.Equal(t, Idle, c.State())

	_, second := startActive(t, c, p)
	require.True(t, r.emit(second.config.Analysis, yuvFrame(2)))
	require.Eventually(t, func() bool { return c.Stats().Busy == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	close(hold)
	assert.Eventually(t, func() bool {
		offered, recycled := r.counts()
		return offered == 2 && recycled == 2
	}, waitFor, time.Millisecond)

	// Once the stuck frame is done the new session delivers again.
	require.True(t, r.emit(second.config.Analysis, yuvFrame(3)))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlaps))
}

func TestFramesAreThrottled(t *testing.T) {
	clock := &fakeClock{}
	p := &fakeProvider{}
	c := newTestController(t, p, WithMinFrameInterval(100*time.Millisecond), WithClock(clock.clock()))
	_, s := startActive(t, c, p)

	var calls int32
	c.SetOnFrameListener(func([]byte, int, int) { atomic.AddInt32(&calls, 1) })
	reader := s.config.Analysis
	var r recycler

	require.True(t, r.emit(reader, yuvFrame(1)))
	require.Eventually(t, func() bool { return c.Stats().Delivered == 1 }, waitFor, time.Millisecond)

	clock.advance(50 * time.Millisecond)
	require.True(t, r.emit(reader, yuvFrame(2)))
	require.Eventually(t, func() bool { return c.Stats().Gated == 1 }, waitFor, time.Millisecond)

	clock.advance(50 * time.Millisecond)
	require.True(t, r.emit(reader, yuvFrame(3)))
	require.Eventually(t, func() bool { return c.Stats().Delivered == 2 }, waitFor, time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Eventually(t, func() bool {
		offered, recycled := r.counts()
		return offered == recycled
	}, waitFor, time.Millisecond)
}

func TestListenerPanicDoesNotStopPipeline(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(t, p)
	_, s := startActive(t, c, p)

	var calls int32
	c.SetOnFrameListener(func([]byte, int, int) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("listener bug")
		}
	})

	var r recycler
	require.True(t, r.emit(s.config.Analysis, yuvFrame(1)))
	require.Eventually(t, func() bool { return c.Stats().Panics == 1 }, waitFor, time.Millisecond)

	require.True(t, r.emit(s.config.Analysis, yuvFrame(2)))
	require.Eventually(t, func() bool { return c.Stats().Delivered == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, Active, c.State())
}

func TestBuffersBalancedUnderConcurrentFrames(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("timing sensitive, skipped on darwin")
	}

	p := &fakeProvider{}
	c := newTestController(t, p)
	_, s := startActive(t, c, p)
	reader := s.config.Analysis

	var overflow int32
	c.SetOnFrameListener(func([]byte, int, int) {
		if reader.Acquired() > reader.MaxImages() {
			atomic.AddInt32(&overflow, 1)
		}
		time.Sleep(100 * time.Microsecond)
	})

	var (
		r  recycler
		wg sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(tag byte) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.emit(reader, yuvFrame(tag))
			}
		}(byte(i))
	}
	wg.Wait()
	c.Release(nil)

	assert.Eventually(t, func() bool {
		offered, recycled := r.counts()
		return offered == 400 && recycled == 400
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, reader.Acquired())
	assert.Equal(t, int32(0), atomic.LoadInt32(&overflow))
}
