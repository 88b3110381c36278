package capture

import (
	"sync"

	"github.com/codergym/capture/pkg/driver"
)

// Binding wires a Controller to the lifecycle of a preview surface and of the
// screen hosting it.
type Binding struct {
	c        *Controller
	listener FrameListener

	mu     sync.Mutex
	target driver.Target
}

// NewBinding creates a Binding delivering analysis frames to listener.
func NewBinding(c *Controller, listener FrameListener) *Binding {
	return &Binding{
		c:        c,
		listener: listener,
	}
}

// SurfaceAvailable is called once the preview surface can be rendered to.
func (b *Binding) SurfaceAvailable(t driver.Target) error {
	b.mu.Lock()
	b.target = t
	b.mu.Unlock()

	b.c.SetTarget(t)
	b.c.SetOnFrameListener(b.listener)
	return b.c.Start(nil)
}

// SurfaceSizeChanged is called when the preview surface is resized.
func (b *Binding) SurfaceSizeChanged(width, height int) {
	if b.c.IsActive() {
		b.c.RestartPreview()
	}
}

// SurfaceDestroyed is called when the preview surface goes away.
func (b *Binding) SurfaceDestroyed() {
	b.mu.Lock()
	b.target = nil
	b.mu.Unlock()

	b.c.Release(nil)
	b.c.SetTarget(nil)
}

// Pause is called when the hosting screen goes to the background.
func (b *Binding) Pause() {
	b.c.Release(nil)
}

// Resume is called when the hosting screen comes back. Capture restarts only
// if the surface survived.
func (b *Binding) Resume() error {
	b.mu.Lock()
	t := b.target
	b.mu.Unlock()

	if t == nil || !t.Ready() {
		return nil
	}
	b.c.SetTarget(t)
	b.c.SetOnFrameListener(b.listener)
	return b.c.Start(nil)
}
