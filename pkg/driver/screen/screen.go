// Package screen provides a display capture provider. Importing it registers
// the provider under the "screen" scheme of driver.Manager.
package screen

import (
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/kbinani/screenshot"
	xdraw "golang.org/x/image/draw"
)

// Scheme is the driver.Manager scheme screens are registered under.
const Scheme = "screen"

// DefaultInterval captures 10 frames per second.
const DefaultInterval = 100 * time.Millisecond

var logger = logging.NewLogger("screen")

func init() {
	if err := driver.Manager.Register(Scheme, NewProvider()); err != nil {
		logger.Errorf("failed to register screen provider: %v", err)
	}
}

// display is the part of the screenshot package we use.
type display interface {
	NumActiveDisplays() int
	GetDisplayBounds(index int) image.Rectangle
	CaptureDisplay(index int) (*image.RGBA, error)
}

type screenshotDisplay struct{}

func (screenshotDisplay) NumActiveDisplays() int { return screenshot.NumActiveDisplays() }
func (screenshotDisplay) GetDisplayBounds(index int) image.Rectangle {
	return screenshot.GetDisplayBounds(index)
}
func (screenshotDisplay) CaptureDisplay(index int) (*image.RGBA, error) {
	return screenshot.CaptureDisplay(index)
}

// Provider captures active displays. Device IDs are display indexes.
type Provider struct {
	// Interval is the capture period.
	Interval time.Duration

	display display
}

// NewProvider creates a Provider capturing at DefaultInterval.
func NewProvider() *Provider {
	return &Provider{
		Interval: DefaultInterval,
		display:  screenshotDisplay{},
	}
}

// Devices implements driver.Lister.
func (p *Provider) Devices() ([]driver.Info, error) {
	n := p.display.NumActiveDisplays()
	infos := make([]driver.Info, 0, n)
	for i := 0; i < n; i++ {
		bounds := p.display.GetDisplayBounds(i)
		infos = append(infos, driver.Info{
			ID:         strconv.Itoa(i),
			Label:      fmt.Sprintf("%d (%dx%d)", i, bounds.Dx(), bounds.Dy()),
			DeviceType: driver.Screen,
		})
	}
	return infos, nil
}

// OpenDevice implements driver.Provider.
func (p *Provider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	index, err := strconv.Atoi(id)
	if err != nil || index < 0 || index >= p.display.NumActiveDisplays() {
		return fmt.Errorf("display %q: %w", id, driver.ErrNoDevice)
	}

	driver.OpenAdapter(id, &screen{display: p.display, index: index}, p.Interval, callbacks, exec)
	return nil
}

type screen struct {
	display display
	index   int
}

func (s *screen) Open() error {
	bounds := s.display.GetDisplayBounds(s.index)
	if bounds.Empty() {
		return fmt.Errorf("display %d: %w", s.index, driver.ErrNoDevice)
	}
	return nil
}

func (s *screen) Close() error {
	return nil
}

// Grab captures the display and scales it down to the analysis size.
func (s *screen) Grab(width, height int) (*frame.Image, error) {
	if s.index >= s.display.NumActiveDisplays() {
		return nil, fmt.Errorf("display %d: %w", s.index, driver.ErrNoDevice)
	}

	shot, err := s.display.CaptureDisplay(s.index)
	if err != nil {
		return nil, err
	}

	var src image.Image = shot
	if shot.Bounds().Dx() != width || shot.Bounds().Dy() != height {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), shot, shot.Bounds(), xdraw.Src, nil)
		src = dst
	}
	return frame.FromImage(src)
}
