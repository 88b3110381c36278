package frame

// FrameSizeMap returns a function to get the number of bytes a frame will
// occupy in the given format. Compressed formats have no entry.
var FrameSizeMap = map[Format]frameSizeFunc{
	FormatI420: frameSizeI420,
	FormatNV21: frameSizeNV21,
	FormatNV12: frameSizeNV21, // NV12 and NV21 have the same frame size
	FormatYUY2: frameSizeYUY2,
	FormatUYVY: frameSizeYUY2, // UYVY and YUY2 have the same frame size
	FormatRGBA: frameSizeRGBA,
}

type frameSizeFunc func(width, height int) int

func frameSizeYUY2(width, height int) int {
	return 2 * width * height
}

func frameSizeI420(width, height int) int {
	yi := width * height
	cbi := yi + width*height/4
	cri := cbi + width*height/4
	return cri
}

func frameSizeNV21(width, height int) int {
	yi := width * height
	ci := yi + width*height/2
	return ci
}

func frameSizeRGBA(width, height int) int {
	return 4 * width * height
}
