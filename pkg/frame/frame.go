package frame

import "time"

// Plane is one component of a planar frame. Sample (row, col) lives at
// Data[row*RowStride+col*PixelStride].
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Image is a planar frame as handed out by capture devices. For FormatYUV420,
// Planes are luma, Cb and Cr in that order, chroma at half resolution in both
// directions.
type Image struct {
	Format    Format
	Width     int
	Height    int
	Planes    []Plane
	Timestamp time.Duration
}

// Decoder turns one raw device payload into a YUV420 Image. The Image may
// share memory with frame.
type Decoder interface {
	Decode(frame []byte, width, height int) (*Image, error)
}

// decoderFunc adapts a plain function to Decoder
type decoderFunc func(frame []byte, width, height int) (*Image, error)

func (f decoderFunc) Decode(frame []byte, width, height int) (*Image, error) {
	return f(frame, width, height)
}
