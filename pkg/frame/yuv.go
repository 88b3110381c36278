package frame

func checkSize(f Format, frame []byte, width, height int) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return formatErrorf(f, "invalid size %dx%d", width, height)
	}
	if expected := FrameSizeMap[f](width, height); len(frame) < expected {
		return formatErrorf(f, "frame length (%d) less than expected (%d)", len(frame), expected)
	}
	return nil
}

func decodeI420(frame []byte, width, height int) (*Image, error) {
	if err := checkSize(FormatI420, frame, width, height); err != nil {
		return nil, err
	}

	yi := width * height
	cbi := yi + width*height/4
	cri := cbi + width*height/4

	return &Image{
		Format: FormatYUV420,
		Width:  width,
		Height: height,
		Planes: []Plane{
			{Data: frame[:yi], RowStride: width, PixelStride: 1},
			{Data: frame[yi:cbi], RowStride: width / 2, PixelStride: 1},
			{Data: frame[cbi:cri], RowStride: width / 2, PixelStride: 1},
		},
	}, nil
}

// decodeSemiPlanar maps a semi-planar payload without copying: both chroma
// planes point into the interleaved block with a pixel stride of 2.
func decodeSemiPlanar(f Format, frame []byte, width, height int, cbFirst bool) (*Image, error) {
	if err := checkSize(f, frame, width, height); err != nil {
		return nil, err
	}

	yi := width * height
	ci := yi + width*height/2
	first := Plane{Data: frame[yi:ci], RowStride: width, PixelStride: 2}
	second := Plane{Data: frame[yi+1 : ci], RowStride: width, PixelStride: 2}

	cb, cr := first, second
	if !cbFirst {
		cb, cr = second, first
	}

	return &Image{
		Format: FormatYUV420,
		Width:  width,
		Height: height,
		Planes: []Plane{
			{Data: frame[:yi], RowStride: width, PixelStride: 1},
			cb,
			cr,
		},
	}, nil
}

func decodeNV12(frame []byte, width, height int) (*Image, error) {
	return decodeSemiPlanar(FormatNV12, frame, width, height, true)
}

func decodeNV21(frame []byte, width, height int) (*Image, error) {
	return decodeSemiPlanar(FormatNV21, frame, width, height, false)
}

// decodePacked422 unpacks a 4:2:2 packed payload and averages vertically
// adjacent chroma rows down to 4:2:0. offsets are the byte positions of
// Y0, Cb, Y1 and Cr inside each 4 byte macropixel.
func decodePacked422(f Format, frame []byte, width, height int, offsets [4]int) (*Image, error) {
	if err := checkSize(f, frame, width, height); err != nil {
		return nil, err
	}

	yi := width * height
	cw := width / 2
	ci := yi / 4

	y := make([]byte, yi)
	cb := make([]byte, ci)
	cr := make([]byte, ci)

	stride := 2 * width
	for row := 0; row < height; row++ {
		src := frame[row*stride : (row+1)*stride]
		fast := row * width
		for i := 0; i < stride; i += 4 {
			y[fast] = src[i+offsets[0]]
			y[fast+1] = src[i+offsets[2]]
			fast += 2
		}
	}

	for row := 0; row < height/2; row++ {
		top := frame[2*row*stride : (2*row+1)*stride]
		bottom := frame[(2*row+1)*stride : (2*row+2)*stride]
		slow := row * cw
		for i := 0; i < stride; i += 4 {
			cb[slow] = uint8((uint16(top[i+offsets[1]]) + uint16(bottom[i+offsets[1]]) + 1) / 2)
			cr[slow] = uint8((uint16(top[i+offsets[3]]) + uint16(bottom[i+offsets[3]]) + 1) / 2)
			slow++
		}
	}

	return &Image{
		Format: FormatYUV420,
		Width:  width,
		Height: height,
		Planes: []Plane{
			{Data: y, RowStride: width, PixelStride: 1},
			{Data: cb, RowStride: cw, PixelStride: 1},
			{Data: cr, RowStride: cw, PixelStride: 1},
		},
	}, nil
}

func decodeYUY2(frame []byte, width, height int) (*Image, error) {
	// Y0 Cb Y1 Cr
	return decodePacked422(FormatYUY2, frame, width, height, [4]int{0, 1, 2, 3})
}

func decodeUYVY(frame []byte, width, height int) (*Image, error) {
	// Cb Y0 Cr Y1
	return decodePacked422(FormatUYVY, frame, width, height, [4]int{1, 0, 3, 2})
}
