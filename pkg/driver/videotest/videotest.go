// Package videotest provides a synthetic color bar provider for testing.
// Importing it registers the provider under the "videotest" scheme of
// driver.Manager.
package videotest

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/google/uuid"
)

// Scheme is the driver.Manager scheme the provider is registered under.
const Scheme = "videotest"

// DefaultID always opens the pattern, whatever the provider's generated ID.
const DefaultID = "default"

func init() {
	driver.Manager.Register(Scheme, NewProvider())
}

// Provider generates a color bar pattern with a noise area.
type Provider struct {
	// Interval is the frame period.
	Interval time.Duration

	id string
}

// NewProvider creates a Provider producing 30 frames per second.
func NewProvider() *Provider {
	return &Provider{
		Interval: driver.DefaultAdapterInterval,
		id:       uuid.NewString(),
	}
}

// Devices implements driver.Lister.
func (p *Provider) Devices() ([]driver.Info, error) {
	return []driver.Info{
		{ID: p.id, Label: "VideoTest", DeviceType: driver.Synthetic},
	}, nil
}

// OpenDevice implements driver.Provider.
func (p *Provider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	if id != p.id && id != DefaultID {
		return fmt.Errorf("%s: %w", id, driver.ErrNoDevice)
	}

	driver.OpenAdapter(id, newDummy(), p.Interval, callbacks, exec)
	return nil
}

var colors = [][3]byte{
	{235, 128, 128},
	{210, 16, 146},
	{170, 166, 16},
	{145, 54, 34},
	{107, 202, 222},
	{82, 90, 240},
	{41, 240, 110},
}

type dummy struct {
	mu     sync.Mutex
	random *rand.Rand
	width  int
	height int
	yyBase []byte
	cbBase []byte
	crBase []byte
}

func newDummy() *dummy {
	return &dummy{random: rand.New(rand.NewSource(0))}
}

func (d *dummy) Open() error {
	return nil
}

func (d *dummy) Close() error {
	return nil
}

// render draws the static part of the pattern: color bars on top, gray
// gradation and a noise area below.
func (d *dummy) render(width, height int) {
	cw := width / 2
	d.width, d.height = width, height
	d.yyBase = make([]byte, width*height)
	d.cbBase = make([]byte, cw*(height/2))
	d.crBase = make([]byte, cw*(height/2))

	hColorBarEnd := height * 3 / 4
	wGradationEnd := width * 5 / 7
	for y := 0; y < height; y++ {
		yi := width * y
		ci := cw * (y / 2)
		for x := 0; x < width; x++ {
			cb, cr := byte(128), byte(128)
			switch {
			case y < hColorBarEnd:
				// Color bar
				c := colors[x*7/width]
				d.yyBase[yi+x] = uint8(uint16(c[0]) * 75 / 100)
				cb, cr = c[1], c[2]
			case x < wGradationEnd:
				// Gray gradation
				d.yyBase[yi+x] = uint8(x * 255 / wGradationEnd)
			}
			if y%2 == 0 && x%2 == 0 {
				d.cbBase[ci+x/2] = cb
				d.crBase[ci+x/2] = cr
			}
		}
	}
}

func (d *dummy) Grab(width, height int) (*frame.Image, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("videotest: invalid size %dx%d", width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.width != width || d.height != height {
		d.render(width, height)
	}

	yy := append([]byte(nil), d.yyBase...)
	cb := append([]byte(nil), d.cbBase...)
	cr := append([]byte(nil), d.crBase...)

	hColorBarEnd := height * 3 / 4
	wGradationEnd := width * 5 / 7
	for y := hColorBarEnd; y < height; y++ {
		yi := width * y
		for x := wGradationEnd; x < width; x++ {
			// Noise
			yy[yi+x] = uint8(d.random.Int31n(2) * 255)
		}
	}

	return &frame.Image{
		Format: frame.FormatYUV420,
		Width:  width,
		Height: height,
		Planes: []frame.Plane{
			{Data: yy, RowStride: width, PixelStride: 1},
			{Data: cb, RowStride: width / 2, PixelStride: 1},
			{Data: cr, RowStride: width / 2, PixelStride: 1},
		},
	}, nil
}
