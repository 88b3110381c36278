package capture

import (
	"time"

	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/io/video"
	pionlogging "github.com/pion/logging"
)

// DefaultReleaseTimeout bounds how long Release waits for the worker to
// finish the frame it is processing.
const DefaultReleaseTimeout = time.Second

// ErrorHandler receives errors that end a session or happen while tearing it
// down. It is called from whichever goroutine hit the error.
type ErrorHandler func(error)

// ControllerOptions stores parameters used by Controller.
type ControllerOptions struct {
	minFrameInterval time.Duration
	releaseTimeout   time.Duration
	maxImages        int
	clock            video.Clock
	loggerFactory    pionlogging.LoggerFactory
	errorHandler     ErrorHandler
}

// Option is a type of Controller functional option.
type Option func(*ControllerOptions)

func defaultOptions() ControllerOptions {
	return ControllerOptions{
		minFrameInterval: video.DefaultMinFrameInterval,
		releaseTimeout:   DefaultReleaseTimeout,
		maxImages:        video.DefaultMaxImages,
		loggerFactory:    logging.Factory(),
	}
}

func (o *ControllerOptions) validate() error {
	if o.minFrameInterval < 0 || o.releaseTimeout < 0 {
		return errNegativeDuration
	}
	if o.maxImages < 1 {
		return errInvalidMaxImages
	}
	return nil
}

// WithMinFrameInterval sets the minimum spacing between frames handed to the
// frame listener. Zero disables throttling.
func WithMinFrameInterval(d time.Duration) Option {
	return func(o *ControllerOptions) {
		o.minFrameInterval = d
	}
}

// WithReleaseTimeout bounds how long Release waits for in-flight frame work.
func WithReleaseTimeout(d time.Duration) Option {
	return func(o *ControllerOptions) {
		o.releaseTimeout = d
	}
}

// WithMaxImages sets how many analysis buffers may be held at once.
func WithMaxImages(n int) Option {
	return func(o *ControllerOptions) {
		o.maxImages = n
	}
}

// WithClock replaces the monotonic clock used for throttling.
func WithClock(clock video.Clock) Option {
	return func(o *ControllerOptions) {
		o.clock = clock
	}
}

// WithLoggerFactory specifies where the controller logs to.
func WithLoggerFactory(f pionlogging.LoggerFactory) Option {
	return func(o *ControllerOptions) {
		if f != nil {
			o.loggerFactory = f
		}
	}
}

// WithErrorHandler registers h to be told about session ending errors and
// close failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *ControllerOptions) {
		o.errorHandler = h
	}
}
