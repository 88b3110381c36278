package camera

import (
	"errors"
	"sort"

	"github.com/blackjack/webcam"
	"github.com/codergym/capture/pkg/frame"
	"github.com/codergym/capture/pkg/prop"
)

var errNoSupportedFormat = errors.New("camera: no supported pixel format")

func fourcc(a, b, c, d byte) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Pixel formats from linux/videodev2.h.
var (
	pixFmtYU12  = fourcc('Y', 'U', '1', '2')
	pixFmtNV12  = fourcc('N', 'V', '1', '2')
	pixFmtNV21  = fourcc('N', 'V', '2', '1')
	pixFmtYUYV  = fourcc('Y', 'U', 'Y', 'V')
	pixFmtUYVY  = fourcc('U', 'Y', 'V', 'Y')
	pixFmtMJPEG = fourcc('M', 'J', 'P', 'G')
)

// formats lists the pixel formats we can decode, cheapest first.
var formats = []struct {
	pixelFormat webcam.PixelFormat
	frameFormat frame.Format
}{
	{pixFmtNV12, frame.FormatNV12},
	{pixFmtNV21, frame.FormatNV21},
	{pixFmtYU12, frame.FormatI420},
	{pixFmtYUYV, frame.FormatYUY2},
	{pixFmtUYVY, frame.FormatUYVY},
	{pixFmtMJPEG, frame.FormatMJPEG},
}

func frameFormatOf(pf webcam.PixelFormat) (frame.Format, bool) {
	for _, f := range formats {
		if f.pixelFormat == pf {
			return f.frameFormat, true
		}
	}
	return "", false
}

func pixelFormatOf(ff frame.Format) (webcam.PixelFormat, bool) {
	for _, f := range formats {
		if f.frameFormat == ff {
			return f.pixelFormat, true
		}
	}
	return 0, false
}

func rank(ff frame.Format) int {
	for i, f := range formats {
		if f.frameFormat == ff {
			return i
		}
	}
	return len(formats)
}

// candidates lists every decodable format and size the device advertises.
// Stepwise sizes are represented by their maximum, like discrete ones.
func candidates(supported map[webcam.PixelFormat][]webcam.FrameSize) []prop.Media {
	var props []prop.Media
	for pf, sizes := range supported {
		ff, ok := frameFormatOf(pf)
		if !ok {
			continue
		}
		for _, size := range sizes {
			props = append(props, prop.Media{
				Video: prop.Video{
					Width:       int(size.MaxWidth),
					Height:      int(size.MaxHeight),
					FrameFormat: ff,
				},
			})
		}
	}
	return props
}

// selectFormat picks the candidate closest to wanted. Ties go to the cheaper
// format to decode, then to the bigger size.
func selectFormat(wanted prop.Media, props []prop.Media) (prop.Media, error) {
	if len(props) == 0 {
		return prop.Media{}, errNoSupportedFormat
	}

	sort.SliceStable(props, func(i, j int) bool {
		di, dj := wanted.FitnessDistance(props[i]), wanted.FitnessDistance(props[j])
		if di != dj {
			return di < dj
		}
		ri, rj := rank(props[i].FrameFormat), rank(props[j].FrameFormat)
		if ri != rj {
			return ri < rj
		}
		return props[i].Width*props[i].Height > props[j].Width*props[j].Height
	})
	return props[0], nil
}
