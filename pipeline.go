package capture

import (
	"sync/atomic"

	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/io/video"
)

// Stats counts what happened to analysis frames.
type Stats struct {
	// Delivered frames reached the frame listener.
	Delivered uint64
	// Gated frames arrived too soon after the previous delivered one.
	Gated uint64
	// Busy frames arrived while another frame was being processed.
	Busy uint64
	// Malformed frames couldn't be converted to NV21.
	Malformed uint64
	// Inactive frames arrived while the controller wasn't running, or from a
	// reader that had already been replaced.
	Inactive uint64
	// Panics counts frame listener panics.
	Panics uint64
}

type stats struct {
	delivered, gated, busy, malformed, inactive, panics uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Delivered: atomic.LoadUint64(&s.delivered),
		Gated:     atomic.LoadUint64(&s.gated),
		Busy:      atomic.LoadUint64(&s.busy),
		Malformed: atomic.LoadUint64(&s.malformed),
		Inactive:  atomic.LoadUint64(&s.inactive),
		Panics:    atomic.LoadUint64(&s.panics),
	}
}

// onImageAvailable runs on the worker every time the reader has a new frame.
// The acquired buffer is released on every path out of here.
func (c *Controller) onImageAvailable(r *video.ImageReader) {
	buf := r.AcquireLatest()
	if buf == nil {
		return
	}
	defer buf.Release()

	if !c.IsActive() {
		atomic.AddUint64(&c.stats.inactive, 1)
		return
	}

	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		atomic.AddUint64(&c.stats.busy, 1)
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	nv21, width, height, ok := c.convert(r, buf.Image())
	if !ok {
		return
	}
	c.deliver(nv21, width, height)
}

// convert gates and converts img while holding the controller lock, so a
// concurrent release can't close the reader under it.
func (c *Controller) convert(r *video.ImageReader, img *frame.Image) ([]byte, int, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsActive() || c.reader != r {
		atomic.AddUint64(&c.stats.inactive, 1)
		return nil, 0, 0, false
	}

	if !c.gate.Allow() {
		atomic.AddUint64(&c.stats.gated, 1)
		return nil, 0, 0, false
	}

	nv21, err := frame.ToNV21(img)
	if err != nil {
		atomic.AddUint64(&c.stats.malformed, 1)
		c.log.Debugf("%s: dropping frame: %v", c.id, err)
		return nil, 0, 0, false
	}
	return nv21, img.Width, img.Height, true
}

func (c *Controller) deliver(nv21 []byte, width, height int) {
	l, _ := c.listener.Load().(FrameListener)
	if l == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&c.stats.panics, 1)
			c.log.Errorf("%s: frame listener panicked: %v", c.id, r)
		}
	}()
	l(nv21, width, height)
	atomic.AddUint64(&c.stats.delivered, 1)
}
