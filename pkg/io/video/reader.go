package video

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/codergym/capture/pkg/frame"
)

// DefaultMaxImages is the number of buffers an ImageReader lends out at once.
const DefaultMaxImages = 2

var errInvalidMaxImages = errors.New("maxImages must be at least 1")

// Executor runs tasks asynchronously. Post returns false once the executor
// no longer accepts work.
type Executor interface {
	Post(task func()) bool
}

// ImageReader is the analysis endpoint of a capture session. Devices Offer
// frames to it and consumers acquire them as Buffers. At most maxImages
// buffers are held by the reader at any time, counting the pending one;
// when all of them are out, new frames are recycled immediately, which is
// how a consumer that forgets to release starves the device.
type ImageReader struct {
	width, height int
	maxImages     int

	mu       sync.Mutex
	acquired int
	pending  *Buffer
	listener func(*ImageReader)
	executor Executor
	closed   bool

	offered uint64
	dropped uint64
}

// NewImageReader creates a reader for width x height YUV420 frames.
func NewImageReader(width, height, maxImages int) (*ImageReader, error) {
	if maxImages < 1 {
		return nil, errInvalidMaxImages
	}
	return &ImageReader{
		width:     width,
		height:    height,
		maxImages: maxImages,
	}, nil
}

// Size returns the frame size the reader was created for.
func (r *ImageReader) Size() (width, height int) {
	return r.width, r.height
}

// Format is the frame format devices must offer.
func (r *ImageReader) Format() frame.Format {
	return frame.FormatYUV420
}

// MaxImages returns the reader's buffer budget.
func (r *ImageReader) MaxImages() int {
	return r.maxImages
}

// SetOnImageAvailable registers listener to be run on executor every time a
// frame is offered. Passing a nil listener detaches the current one.
func (r *ImageReader) SetOnImageAvailable(listener func(*ImageReader), executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if listener == nil || executor == nil {
		r.listener, r.executor = nil, nil
		return
	}
	r.listener, r.executor = listener, executor
}

// Offer hands a frame to the reader. recycle is called exactly once, when the
// frame is released by its consumer, replaced by a newer frame before being
// acquired, or refused. Offer returns false when the frame was refused.
func (r *ImageReader) Offer(img *frame.Image, recycle func()) bool {
	b := &Buffer{img: img, reader: r, recycle: recycle}
	atomic.AddUint64(&r.offered, 1)

	r.mu.Lock()
	if r.closed || (r.pending == nil && r.acquired >= r.maxImages) {
		r.mu.Unlock()
		atomic.AddUint64(&r.dropped, 1)
		b.Release()
		return false
	}

	stale := r.pending
	r.pending = b
	listener, executor := r.listener, r.executor
	r.mu.Unlock()

	if stale != nil {
		atomic.AddUint64(&r.dropped, 1)
		stale.Release()
	}

	if listener != nil {
		executor.Post(func() { listener(r) })
	}
	return true
}

// AcquireLatest returns the newest offered frame, or nil if there is none or
// the reader is closed. The caller owns the Buffer and must Release it.
func (r *ImageReader) AcquireLatest() *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pending == nil {
		return nil
	}

	b := r.pending
	r.pending = nil
	b.acquired = true
	r.acquired++
	return b
}

// Acquired returns the number of buffers currently lent out.
func (r *ImageReader) Acquired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired
}

// Dropped returns the number of offered frames that were never acquired.
func (r *ImageReader) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// Offered returns the number of frames offered so far.
func (r *ImageReader) Offered() uint64 {
	return atomic.LoadUint64(&r.offered)
}

// Close detaches the listener and recycles the pending frame. Buffers already
// acquired stay valid until released. Close is idempotent.
func (r *ImageReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.listener, r.executor = nil, nil
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending != nil {
		atomic.AddUint64(&r.dropped, 1)
		pending.Release()
	}
	return nil
}

// Closed reports whether Close was called.
func (r *ImageReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Buffer is one frame lent out by an ImageReader.
type Buffer struct {
	img      *frame.Image
	reader   *ImageReader
	recycle  func()
	acquired bool // guarded by reader.mu
	released int32
}

// Image returns the frame backed by this buffer. It must not be used after
// Release.
func (b *Buffer) Image() *frame.Image {
	return b.img
}

// Release gives the buffer back to the device. Only the first call has an
// effect.
func (b *Buffer) Release() {
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}

	r := b.reader
	r.mu.Lock()
	if b.acquired {
		r.acquired--
	}
	r.mu.Unlock()

	if b.recycle != nil {
		b.recycle()
	}
}
