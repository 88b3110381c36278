package frame

// NV21Size returns the number of bytes ToNV21 produces for a width x height frame.
func NV21Size(width, height int) int {
	return width * height * 3 / 2
}

// ToNV21 converts a YUV420 frame into NV21: the luma plane followed by
// interleaved (Cr, Cb) pairs, one pair per 2x2 luma block. Chroma samples are
// read through each plane's own row and pixel strides, so semi-planar layouts
// (pixel stride 2) and padded rows convert without an intermediate copy.
//
// A frame that doesn't describe a valid YUV420 layout is rejected with a
// *FormatError.
func ToNV21(img *Image) ([]byte, error) {
	if err := validateYUV420(img); err != nil {
		return nil, err
	}

	w, h := img.Width, img.Height
	dst := make([]byte, NV21Size(w, h))

	y := img.Planes[0]
	for row := 0; row < h; row++ {
		copy(dst[row*w:(row+1)*w], y.Data[row*y.RowStride:])
	}

	cb, cr := img.Planes[1], img.Planes[2]
	i := w * h
	for row := 0; row < h/2; row++ {
		cbRow := row * cb.RowStride
		crRow := row * cr.RowStride
		for col := 0; col < w/2; col++ {
			dst[i] = cr.Data[crRow+col*cr.PixelStride]
			dst[i+1] = cb.Data[cbRow+col*cb.PixelStride]
			i += 2
		}
	}

	return dst, nil
}

func validateYUV420(img *Image) error {
	if img == nil {
		return formatErrorf("", "nil frame")
	}
	if img.Format != FormatYUV420 {
		return formatErrorf(img.Format, "expected %s", FormatYUV420)
	}
	if img.Width <= 0 || img.Height <= 0 {
		return formatErrorf(img.Format, "invalid size %dx%d", img.Width, img.Height)
	}
	if img.Width%2 != 0 || img.Height%2 != 0 {
		return formatErrorf(img.Format, "odd size %dx%d", img.Width, img.Height)
	}
	if len(img.Planes) != 3 {
		return formatErrorf(img.Format, "expected 3 planes, got %d", len(img.Planes))
	}
	if img.Planes[0].PixelStride != 1 {
		return formatErrorf(img.Format, "luma pixel stride must be 1, got %d", img.Planes[0].PixelStride)
	}

	if err := checkPlane(img.Format, 0, img.Planes[0], img.Width, img.Height); err != nil {
		return err
	}
	for i := 1; i < 3; i++ {
		if err := checkPlane(img.Format, i, img.Planes[i], img.Width/2, img.Height/2); err != nil {
			return err
		}
	}
	return nil
}

// checkPlane makes sure every sample of a cols x rows plane is addressable.
// Strides are compared by division so absurd values can't overflow.
func checkPlane(f Format, index int, p Plane, cols, rows int) error {
	if p.PixelStride < 1 {
		return formatErrorf(f, "plane %d: invalid pixel stride %d", index, p.PixelStride)
	}

	n := len(p.Data)
	if n == 0 || (cols-1) > (n-1)/p.PixelStride {
		return formatErrorf(f, "plane %d: %d samples with pixel stride %d exceed length (%d)", index, cols, p.PixelStride, n)
	}

	rowSpan := (cols-1)*p.PixelStride + 1
	if p.RowStride < rowSpan {
		return formatErrorf(f, "plane %d: row stride %d shorter than row (%d)", index, p.RowStride, rowSpan)
	}

	if (rows-1) > (n-rowSpan)/p.RowStride {
		return formatErrorf(f, "plane %d: %d rows with row stride %d exceed length (%d)", index, rows, p.RowStride, n)
	}
	return nil
}
