// Package vnc captures the framebuffer of a remote VNC server. Importing it
// registers the provider under the "vnc" scheme of driver.Manager; device IDs
// are server addresses, e.g. "vnc:127.0.0.1:5900".
package vnc

import (
	"fmt"
	"image"
	"image/color"
	"net"
	"sync"
	"time"

	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/mitchellh/go-vnc"
	xdraw "golang.org/x/image/draw"
)

// Scheme is the driver.Manager scheme VNC servers are opened under.
const Scheme = "vnc"

const (
	// DefaultInterval captures 15 frames per second.
	DefaultInterval = time.Second / 15
	// DefaultDialTimeout bounds the TCP connect.
	DefaultDialTimeout = 5 * time.Second
	// updateTimeout is how long the server may stay silent before the
	// update request is repeated.
	updateTimeout = 5 * time.Second
)

var logger = logging.NewLogger("vnc")

func init() {
	if err := driver.Manager.Register(Scheme, NewProvider()); err != nil {
		logger.Errorf("failed to register vnc provider: %v", err)
	}
}

// Provider connects to VNC servers on demand.
type Provider struct {
	Interval    time.Duration
	DialTimeout time.Duration
	// Password enables VNC authentication when set.
	Password string
}

// NewProvider creates a Provider with the default timings and no password.
func NewProvider() *Provider {
	return &Provider{
		Interval:    DefaultInterval,
		DialTimeout: DefaultDialTimeout,
	}
}

// OpenDevice implements driver.Provider. The connection is made
// asynchronously; an unreachable server is reported through OnError.
func (p *Provider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	if _, _, err := net.SplitHostPort(id); err != nil {
		return fmt.Errorf("%q: %v: %w", id, err, driver.ErrNoDevice)
	}

	driver.OpenAdapter(id, newVncDevice(id, p.DialTimeout, p.Password), p.Interval, callbacks, exec)
	return nil
}

type vncDevice struct {
	addr        string
	dialTimeout time.Duration
	password    string

	quit chan struct{}
	msgs chan vnc.ServerMessage

	mutex  sync.Mutex
	client *vnc.ClientConn
	canvas *image.RGBA
	err    error
}

func newVncDevice(addr string, dialTimeout time.Duration, password string) *vncDevice {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &vncDevice{
		addr:        addr,
		dialTimeout: dialTimeout,
		password:    password,
		quit:        make(chan struct{}),
		msgs:        make(chan vnc.ServerMessage, 1),
	}
}

func (d *vncDevice) Open() error {
	conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
	if err != nil {
		return err
	}

	conf := &vnc.ClientConfig{ServerMessageCh: d.msgs}
	if d.password != "" {
		conf.Auth = []vnc.ClientAuth{&vnc.PasswordAuth{Password: d.password}}
	}
	client, err := vnc.Client(conn, conf)
	if err != nil {
		conn.Close()
		return err
	}

	d.mutex.Lock()
	d.client = client
	d.canvas = image.NewRGBA(image.Rect(0, 0, int(client.FrameBufferWidth), int(client.FrameBufferHeight)))
	d.mutex.Unlock()

	if err := d.requestUpdate(false); err != nil {
		client.Close()
		return err
	}

	go d.receive()
	return nil
}

func (d *vncDevice) requestUpdate(incremental bool) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.client == nil {
		return driver.ErrNoDevice
	}
	return d.client.FramebufferUpdateRequest(incremental, 0, 0, d.client.FrameBufferWidth, d.client.FrameBufferHeight)
}

// receive paints framebuffer updates into the canvas and asks for the next
// one until the device closes or the server stops answering.
func (d *vncDevice) receive() {
	defer d.drain()

	timer := time.NewTimer(updateTimeout)
	defer timer.Stop()

	for {
		select {
		case <-d.quit:
			return
		case msg := <-d.msgs:
			if update, ok := msg.(*vnc.FramebufferUpdateMessage); ok {
				d.paint(update)
				if err := d.requestUpdate(true); err != nil {
					d.fail(err)
					return
				}
			}
		case <-timer.C:
			logger.Debugf("%s: no framebuffer update for %v", d.addr, updateTimeout)
			if err := d.requestUpdate(true); err != nil {
				d.fail(err)
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(updateTimeout)
	}
}

// drain keeps the client's read loop from blocking on d.msgs while it
// notices the closed connection.
func (d *vncDevice) drain() {
	for {
		select {
		case <-d.msgs:
		case <-time.After(time.Second):
			return
		}
	}
}

func (d *vncDevice) fail(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.err == nil {
		d.err = fmt.Errorf("%s: %v: %w", d.addr, err, driver.ErrNoDevice)
	}
}

func (d *vncDevice) paint(update *vnc.FramebufferUpdateMessage) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.client == nil {
		return
	}
	pf := d.client.PixelFormat
	for _, rect := range update.Rectangles {
		raw, ok := rect.Enc.(*vnc.RawEncoding)
		if !ok {
			continue
		}
		for i, c := range raw.Colors {
			x := int(rect.X) + i%int(rect.Width)
			y := int(rect.Y) + i/int(rect.Width)
			d.canvas.SetRGBA(x, y, color.RGBA{
				R: scale8(c.R, pf.RedMax),
				G: scale8(c.G, pf.GreenMax),
				B: scale8(c.B, pf.BlueMax),
				A: 0xff,
			})
		}
	}
}

// scale8 maps a channel value in [0, max] to [0, 255].
func scale8(v, max uint16) uint8 {
	if max == 0 || max == 0xff {
		return uint8(v)
	}
	return uint8(uint32(v) * 0xff / uint32(max))
}

// Grab scales the latest framebuffer to width x height.
func (d *vncDevice) Grab(width, height int) (*frame.Image, error) {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))

	d.mutex.Lock()
	if d.err != nil {
		err := d.err
		d.mutex.Unlock()
		return nil, err
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), d.canvas, d.canvas.Bounds(), xdraw.Src, nil)
	d.mutex.Unlock()

	return frame.FromImage(dst)
}

func (d *vncDevice) Close() error {
	close(d.quit)

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}
