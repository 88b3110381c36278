package driver

import (
	"image"

	"github.com/codergym/capture/pkg/frame"
	xdraw "golang.org/x/image/draw"
)

// Target is a renderable preview surface owned by the UI. Capture code only
// borrows it: devices Present frames into it, nobody else touches it.
type Target interface {
	// Size is the pixel size the surface wants frames in.
	Size() (width, height int)
	// Ready reports whether the surface can currently be rendered to.
	Ready() bool
	// Present shows img. It is called from device goroutines.
	Present(img image.Image)
}

// Present hands img to t, scaled to t's size. Unready targets are skipped.
func Present(t Target, img image.Image) {
	if t == nil || !t.Ready() {
		return
	}

	w, h := t.Size()
	if w <= 0 || h <= 0 {
		return
	}

	bounds := img.Bounds()
	if bounds.Dx() == w && bounds.Dy() == h {
		t.Present(img)
		return
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)
	t.Present(dst)
}

// PresentFrame is Present for planar frames.
func PresentFrame(t Target, img *frame.Image) error {
	if t == nil || !t.Ready() {
		return nil
	}

	yuv, err := frame.ToYCbCr(img)
	if err != nil {
		return err
	}
	Present(t, yuv)
	return nil
}
