package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/frame"
	"github.com/google/uuid"
)

const (
	// maxGrabFailures consecutive failed grabs are treated as a device error.
	maxGrabFailures = 5
	// DefaultAdapterInterval polls at 30 frames per second.
	DefaultAdapterInterval = time.Second / 30
)

var logger = logging.NewLogger("driver")

var errNoAnalysis = errors.New("session needs an analysis output")

// Adapter is a frame source simple enough to be polled. OpenAdapter turns it
// into a full Device.
type Adapter interface {
	Open() error
	Close() error
	// Grab returns the current frame, scaled to width x height. Returning
	// an error wrapping ErrNoDevice reports the source as gone.
	Grab(width, height int) (*frame.Image, error)
}

// OpenAdapter opens a on a separate goroutine and reports the outcome through
// callbacks on exec. Once streaming, the session grabs a frame every interval.
func OpenAdapter(id string, a Adapter, interval time.Duration, callbacks DeviceCallbacks, exec Executor) {
	if interval <= 0 {
		interval = DefaultAdapterInterval
	}

	w := &adapterWrapper{
		Adapter:   a,
		id:        id,
		handle:    uuid.NewString(),
		interval:  interval,
		callbacks: callbacks,
		exec:      exec,
		state:     StateClosed,
	}

	go func() {
		if err := a.Open(); err != nil {
			logger.Warnf("%s (%s): open failed: %v", w.id, w.handle, err)
			Dispatch(exec, func() {
				if callbacks.OnError != nil {
					callbacks.OnError(w, ErrorCodeDevice)
				}
			})
			return
		}

		w.mu.Lock()
		w.state = StateOpened
		w.mu.Unlock()

		Dispatch(exec, func() {
			if callbacks.OnOpened != nil {
				callbacks.OnOpened(w)
			}
		})
	}()
}

type adapterWrapper struct {
	Adapter
	id        string
	handle    string
	interval  time.Duration
	callbacks DeviceCallbacks
	exec      Executor
	lostOnce  sync.Once

	mu      sync.Mutex
	state   State
	session *adapterSession
}

func (w *adapterWrapper) ID() string {
	return w.id
}

func (w *adapterWrapper) CreateCaptureSession(config SessionConfig) error {
	if config.Analysis == nil {
		return errNoAnalysis
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpened {
		return fmt.Errorf("invalid state: device is %s", w.state)
	}
	if w.session != nil {
		w.session.Close()
	}

	s := &adapterSession{wrapper: w, config: config, state: StateOpened}
	w.session = s

	go Dispatch(config.Executor, func() {
		if config.OnConfigured != nil {
			config.OnConfigured(s)
		}
	})
	return nil
}

func (w *adapterWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}

	return w.state.Update(StateClosed, func() error {
		if w.session != nil {
			w.session.Close()
			w.session = nil
		}
		return w.Adapter.Close()
	})
}

func (w *adapterWrapper) lost(err error) {
	w.lostOnce.Do(func() {
		if errors.Is(err, ErrNoDevice) {
			logger.Warnf("%s (%s): disconnected: %v", w.id, w.handle, err)
			Dispatch(w.exec, func() {
				if w.callbacks.OnDisconnected != nil {
					w.callbacks.OnDisconnected(w)
				}
			})
			return
		}

		logger.Errorf("%s (%s): %v", w.id, w.handle, err)
		Dispatch(w.exec, func() {
			if w.callbacks.OnError != nil {
				w.callbacks.OnError(w, ErrorCodeDevice)
			}
		})
	})
}

type adapterSession struct {
	wrapper *adapterWrapper
	config  SessionConfig

	mu     sync.Mutex
	state  State
	req    Request
	cancel context.CancelFunc
	done   chan struct{}
}

// SetRepeatingRequest starts polling, or swaps the request of a running poll.
func (s *adapterSession) SetRepeatingRequest(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Update(StateStreaming, func() error {
		s.req = req
		if s.cancel != nil {
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(ctx)
		return nil
	})
}

func (s *adapterSession) request() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

func (s *adapterSession) run(ctx context.Context) {
	defer close(s.done)

	tick := time.NewTicker(s.wrapper.interval)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		req := s.request()
		analysis := req.Analysis
		if analysis == nil {
			analysis = s.config.Analysis
		}

		width, height := analysis.Size()
		img, err := s.wrapper.Grab(width, height)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if errors.Is(err, ErrNoDevice) || failures >= maxGrabFailures {
				s.wrapper.lost(err)
				return
			}
			logger.Debugf("%s (%s): grab failed: %v", s.wrapper.id, s.wrapper.handle, err)
			continue
		}
		failures = 0

		if err := PresentFrame(req.Preview, img); err != nil {
			logger.Debugf("%s (%s): preview: %v", s.wrapper.id, s.wrapper.handle, err)
		}
		analysis.Offer(img, func() {})
	}
}

// Close stops polling and waits for the in-flight grab to finish.
func (s *adapterSession) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.state = StateClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
