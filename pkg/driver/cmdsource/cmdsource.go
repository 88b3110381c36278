// Package cmdsource turns external commands writing raw frames to stdout into
// capture devices. Sources are added with AddVideoCmdSource and opened under
// the "cmdsource" scheme of driver.Manager.
package cmdsource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codergym/capture/internal/logging"
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/prop"
	"github.com/google/shlex"
)

// Scheme is the driver.Manager scheme command sources are registered under.
const Scheme = "cmdsource"

// DefaultReadTimeout bounds the wait for one frame from the command.
const DefaultReadTimeout = 5 * time.Second

// DefaultVideo fills the fields a Source leaves zero. The size has no default.
var DefaultVideo = prop.Video{FrameFormat: frame.FormatI420}

var (
	errReadTimeout       = errors.New("read timeout")
	errInvalidCommand    = errors.New("invalid command")
	errUnsupportedFormat = errors.New("unsupported frame format, no frame size function found")
	errDuplicateSource   = errors.New("source already added")
)

var logger = logging.NewLogger("cmdsource")

var defaultProvider = NewProvider()

func init() {
	// Sources are added later with AddVideoCmdSource.
	if err := driver.Manager.Register(Scheme, defaultProvider); err != nil {
		logger.Errorf("failed to register cmdsource provider: %v", err)
	}
}

// Source describes a command producing raw frames.
type Source struct {
	Label string
	// Command is split on whitespace, respecting quotes and comments. It is
	// run without a shell.
	Command string
	// Video is the geometry and format of what the command writes. Zero
	// fields take their DefaultVideo value. A non zero FrameRate sets the
	// polling rate.
	Video       prop.Video
	ReadTimeout time.Duration
}

// AddVideoCmdSource adds a source to the provider registered with
// driver.Manager.
func AddVideoCmdSource(id string, src Source) error {
	return defaultProvider.Add(id, src)
}

type source struct {
	Source
	cmdArgs   []string
	frameSize int
}

// Provider runs the commands it has been given, one process per open device.
type Provider struct {
	mu      sync.Mutex
	sources map[string]source
}

// NewProvider creates an empty Provider.
func NewProvider() *Provider {
	return &Provider{sources: make(map[string]source)}
}

// Add validates src and makes it available under id.
func (p *Provider) Add(id string, src Source) error {
	media := prop.Media{DeviceID: id, Video: DefaultVideo}
	media.Merge(prop.Media{DeviceID: id, Video: src.Video})
	if err := media.Validate(); err != nil {
		return err
	}
	src.Video = media.Video

	cmdArgs, err := shlex.Split(src.Command)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	if len(cmdArgs) == 0 || cmdArgs[0] == "" {
		return errInvalidCommand
	}

	getFrameSize, ok := frame.FrameSizeMap[src.Video.FrameFormat]
	if !ok {
		return fmt.Errorf("%s: %w", src.Video.FrameFormat, errUnsupportedFormat)
	}
	if _, err := frame.NewDecoder(src.Video.FrameFormat); err != nil {
		return err
	}

	if src.ReadTimeout <= 0 {
		src.ReadTimeout = DefaultReadTimeout
	}
	if src.Label == "" {
		src.Label = cmdArgs[0]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.sources[id]; dup {
		return fmt.Errorf("%s: %w", id, errDuplicateSource)
	}
	p.sources[id] = source{
		Source:    src,
		cmdArgs:   cmdArgs,
		frameSize: getFrameSize(src.Video.Width, src.Video.Height),
	}
	return nil
}

// Devices implements driver.Lister.
func (p *Provider) Devices() ([]driver.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]driver.Info, 0, len(p.sources))
	for id, src := range p.sources {
		infos = append(infos, driver.Info{
			ID:         id,
			Label:      src.Label,
			DeviceType: driver.CmdSource,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// OpenDevice implements driver.Provider. The command is started when the
// device opens and interrupted when it closes.
func (p *Provider) OpenDevice(id string, callbacks driver.DeviceCallbacks, exec driver.Executor) error {
	p.mu.Lock()
	src, ok := p.sources[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, driver.ErrNoDevice)
	}

	var interval time.Duration
	if src.Video.FrameRate > 0 {
		interval = time.Duration(float64(time.Second) / float64(src.Video.FrameRate))
	}
	driver.OpenAdapter(id, newVideoCmdSource(src), interval, callbacks, exec)
	return nil
}
