package raster

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// loadWithMagick reads formats outside the registered Go decoders (RAW,
// JPEG 2000, PPM and friends) through MagickWand.
func loadWithMagick(path string) (*Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, err
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("auto-orient: %w", err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	data, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel buffer %T", pixels)
	}

	out := NewImage(int(w), int(h), 3)
	if len(data) != len(out.Pix) {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d", len(data), len(out.Pix))
	}
	for i, v := range data {
		out.Pix[i] = float64(v)
	}
	return out, nil
}
