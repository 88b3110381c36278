package cmdsource

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"reflect"
	"time"

	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	xdraw "golang.org/x/image/draw"
)

// killTimeout is how long an interrupted command gets to exit.
const killTimeout = 3 * time.Second

var errClosed = errors.New("command source closed")

type videoCmdSource struct {
	src     source
	decoder frame.Decoder

	execCmd *exec.Cmd
	frames  chan *frame.Image
	quit    chan struct{}
	// err is why the pump stopped, valid once frames is closed.
	err error
}

func newVideoCmdSource(src source) *videoCmdSource {
	// Provider.Add already checked the format.
	decoder, _ := frame.NewDecoder(src.Video.FrameFormat)
	return &videoCmdSource{
		src:     src,
		decoder: decoder,
		frames:  make(chan *frame.Image, 1),
		quit:    make(chan struct{}),
	}
}

func (c *videoCmdSource) Open() error {
	c.execCmd = exec.Command(c.src.cmdArgs[0], c.src.cmdArgs[1:]...)
	c.execCmd.Env = append(os.Environ(), envVars(c.src.Video)...)

	stdErr, err := c.execCmd.StderrPipe()
	if err != nil {
		return err
	}
	stdOut, err := c.execCmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := c.execCmd.Start(); err != nil {
		return err
	}

	go c.logStderr(stdErr)
	go c.pump(stdOut)
	return nil
}

// logStderr forwards the command's standard error as debug logs.
func (c *videoCmdSource) logStderr(r io.Reader) {
	prefix := fmt.Sprintf("(%s stderr): ", c.src.cmdArgs[0])
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(prefix + scanner.Text())
	}
}

// pump reads whole frames off stdout until the command exits or the source
// closes. Only the newest unread frame is kept.
func (c *videoCmdSource) pump(r io.Reader) {
	defer close(c.frames)

	for {
		buf := make([]byte, c.src.frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%s exited: %w", c.src.cmdArgs[0], driver.ErrNoDevice)
			}
			c.err = err
			return
		}

		img, err := c.decoder.Decode(buf, c.src.Video.Width, c.src.Video.Height)
		if err != nil {
			logger.Debugf("%s: %v", c.src.cmdArgs[0], err)
			continue
		}

		if !c.publish(img) {
			c.err = errClosed
			return
		}
	}
}

func (c *videoCmdSource) publish(img *frame.Image) bool {
	for {
		select {
		case <-c.quit:
			return false
		case c.frames <- img:
			return true
		default:
		}

		select {
		case <-c.frames:
		default:
		}
	}
}

// Grab waits for the next frame and scales it to width x height.
func (c *videoCmdSource) Grab(width, height int) (*frame.Image, error) {
	timer := time.NewTimer(c.src.ReadTimeout)
	defer timer.Stop()

	select {
	case img, ok := <-c.frames:
		if !ok {
			return nil, c.err
		}
		return fit(img, width, height)
	case <-timer.C:
		return nil, errReadTimeout
	}
}

// Close interrupts the command and kills it if it does not exit in time.
func (c *videoCmdSource) Close() error {
	if c.execCmd == nil || c.execCmd.Process == nil {
		return nil
	}
	close(c.quit)

	_ = c.execCmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- c.execCmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Exit statuses are expected after the interrupt.
			return nil
		}
		return err
	case <-time.After(killTimeout):
		return c.execCmd.Process.Kill()
	}
}

// envVars exposes every field of v to the command as CAPTURE_<Field>.
func envVars(v interface{}) []string {
	values := reflect.ValueOf(v)
	types := values.Type()

	vars := make([]string, 0, values.NumField())
	for i := 0; i < values.NumField(); i++ {
		vars = append(vars, fmt.Sprintf("CAPTURE_%s=%v", types.Field(i).Name, values.Field(i)))
	}
	return vars
}

func fit(img *frame.Image, width, height int) (*frame.Image, error) {
	if img.Width == width && img.Height == height {
		return img, nil
	}

	src, err := frame.ToYCbCr(img)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return frame.FromImage(dst)
}
