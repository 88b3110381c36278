package frame

import (
	"bytes"
	"image/jpeg"
)

func decodeMJPEG(frame []byte, width, height int) (*Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, formatErrorf(FormatMJPEG, "%v", err)
	}
	return FromImage(img)
}
