package imgproc

import (
	"github.com/lucasb-eyer/go-colorful"

	"salharness/internal/raster"
)

// Luminance weights used for gray conversion.
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// PreProcess converts img into the color space a model asked for. No
// resizing happens here; models own their input geometry.
//
// Output ranges: RGB, gray and YCbCr stay on 0-255; LAB has L in 0-100 and
// a/b roughly in -128..128; HSV has every channel in 0-1. Gray is
// replicated to three channels so RGB-only models can consume it.
func PreProcess(img *raster.Image, s Settings) (*raster.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if s.ColorSpace == ColorDefault || s.ColorSpace == "" {
		return img.Clone(), nil
	}

	rgb := toRGB(img)
	if s.ColorSpace == ColorRGB {
		return rgb, nil
	}

	out := raster.NewImage(rgb.Width, rgb.Height, 3)
	for i := 0; i < rgb.Width*rgb.Height; i++ {
		r, g, b := rgb.Pix[3*i], rgb.Pix[3*i+1], rgb.Pix[3*i+2]
		var c0, c1, c2 float64
		switch s.ColorSpace {
		case ColorGray:
			y := lumaR*r + lumaG*g + lumaB*b
			c0, c1, c2 = y, y, y
		case ColorYCbCr:
			c0 = lumaR*r + lumaG*g + lumaB*b
			c1 = 128 - 0.168736*r - 0.331264*g + 0.5*b
			c2 = 128 + 0.5*r - 0.418688*g - 0.081312*b
		case ColorLAB:
			l, a, bb := colorful.Color{R: r / 255, G: g / 255, B: b / 255}.Lab()
			c0, c1, c2 = l*100, a*100, bb*100
		case ColorHSV:
			h, sat, v := colorful.Color{R: r / 255, G: g / 255, B: b / 255}.Hsv()
			c0, c1, c2 = h/360, sat, v
		}
		out.Pix[3*i], out.Pix[3*i+1], out.Pix[3*i+2] = c0, c1, c2
	}
	return out, nil
}

// toRGB returns a three channel copy: gray sources are replicated and
// alpha or extra channels are dropped.
func toRGB(img *raster.Image) *raster.Image {
	if img.Channels == 3 {
		return img.Clone()
	}
	out := raster.NewImage(img.Width, img.Height, 3)
	for i := 0; i < img.Width*img.Height; i++ {
		src := img.Pix[i*img.Channels : (i+1)*img.Channels]
		if img.Channels < 3 {
			out.Pix[3*i], out.Pix[3*i+1], out.Pix[3*i+2] = src[0], src[0], src[0]
			continue
		}
		copy(out.Pix[3*i:3*i+3], src[:3])
	}
	return out
}
