package frame

import (
	"image"
	"image/color"
)

func decodeRGBA(frame []byte, width, height int) (*Image, error) {
	if err := checkSize(FormatRGBA, frame, width, height); err != nil {
		return nil, err
	}

	return FromImage(&image.RGBA{
		Pix:    frame[:4*width*height],
		Stride: 4 * width,
		Rect:   image.Rect(0, 0, width, height),
	})
}

// FromImage converts src into a YUV420 frame. A 4:2:0 *image.YCbCr is wrapped
// without copying; everything else is converted, averaging chroma over each
// 2x2 block. Odd trailing rows and columns are cropped.
// Note: conversion can be lossy
func FromImage(src image.Image) (*Image, error) {
	bounds := src.Bounds()
	w, h := bounds.Dx()&^1, bounds.Dy()&^1
	if w <= 0 || h <= 0 {
		return nil, formatErrorf(FormatYUV420, "image too small (%dx%d)", bounds.Dx(), bounds.Dy())
	}

	if yuv, ok := src.(*image.YCbCr); ok && yuv.SubsampleRatio == image.YCbCrSubsampleRatio420 &&
		bounds.Min.X%2 == 0 && bounds.Min.Y%2 == 0 {
		yo := yuv.YOffset(bounds.Min.X, bounds.Min.Y)
		co := yuv.COffset(bounds.Min.X, bounds.Min.Y)
		return &Image{
			Format: FormatYUV420,
			Width:  w,
			Height: h,
			Planes: []Plane{
				{Data: yuv.Y[yo:], RowStride: yuv.YStride, PixelStride: 1},
				{Data: yuv.Cb[co:], RowStride: yuv.CStride, PixelStride: 1},
				{Data: yuv.Cr[co:], RowStride: yuv.CStride, PixelStride: 1},
			},
		}, nil
	}

	at := func(x, y int) (uint8, uint8, uint8) {
		r, g, b, _ := src.At(x, y).RGBA()
		return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
	}
	if rgba, ok := src.(*image.RGBA); ok {
		at = func(x, y int) (uint8, uint8, uint8) {
			i := rgba.PixOffset(x, y)
			return rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2]
		}
	}

	cw := w / 2
	yy := make([]byte, w*h)
	cb := make([]byte, cw*(h/2))
	cr := make([]byte, cw*(h/2))

	for row := 0; row < h; row += 2 {
		for col := 0; col < w; col += 2 {
			var sumCb, sumCr int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					r, g, b := at(bounds.Min.X+col+dx, bounds.Min.Y+row+dy)
					lum, u, v := color.RGBToYCbCr(r, g, b)
					yy[(row+dy)*w+col+dx] = lum
					sumCb += int(u)
					sumCr += int(v)
				}
			}
			ci := (row/2)*cw + col/2
			cb[ci] = uint8((sumCb + 2) / 4)
			cr[ci] = uint8((sumCr + 2) / 4)
		}
	}

	return &Image{
		Format: FormatYUV420,
		Width:  w,
		Height: h,
		Planes: []Plane{
			{Data: yy, RowStride: w, PixelStride: 1},
			{Data: cb, RowStride: cw, PixelStride: 1},
			{Data: cr, RowStride: cw, PixelStride: 1},
		},
	}, nil
}

// ToYCbCr exposes a YUV420 frame as an *image.YCbCr for rendering. Densely
// packed chroma planes are shared; interleaved ones are copied out.
func ToYCbCr(img *Image) (*image.YCbCr, error) {
	if err := validateYUV420(img); err != nil {
		return nil, err
	}

	w, h := img.Width, img.Height
	y, cb, cr := img.Planes[0], img.Planes[1], img.Planes[2]
	dst := &image.YCbCr{
		Y:              y.Data,
		YStride:        y.RowStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}

	if cb.PixelStride == 1 && cr.PixelStride == 1 && cb.RowStride == cr.RowStride {
		dst.Cb, dst.Cr, dst.CStride = cb.Data, cr.Data, cb.RowStride
		return dst, nil
	}

	cw, ch := w/2, h/2
	dst.CStride = cw
	dst.Cb = make([]byte, cw*ch)
	dst.Cr = make([]byte, cw*ch)
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			dst.Cb[row*cw+col] = cb.Data[row*cb.RowStride+col*cb.PixelStride]
			dst.Cr[row*cw+col] = cr.Data[row*cr.RowStride+col*cr.PixelStride]
		}
	}
	return dst, nil
}
