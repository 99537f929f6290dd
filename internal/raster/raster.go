// Package raster holds the numeric image types shared by the pipeline,
// the executors and the batch runner.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Image is a row-major, channel-interleaved float raster. Samples loaded
// from files are on a 0-255 scale.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64
}

// NewImage allocates a zeroed raster.
func NewImage(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float64, width*height*channels),
	}
}

// At returns the sample at (x, y) in channel c.
func (im *Image) At(x, y, c int) float64 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set writes the sample at (x, y) in channel c.
func (im *Image) Set(x, y, c int, v float64) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{Width: im.Width, Height: im.Height, Channels: im.Channels, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Validate checks the geometry against the sample buffer.
func (im *Image) Validate() error {
	if im == nil {
		return errors.New("nil image")
	}
	if im.Width <= 0 || im.Height <= 0 || im.Channels <= 0 {
		return fmt.Errorf("invalid image geometry %dx%dx%d", im.Width, im.Height, im.Channels)
	}
	if len(im.Pix) != im.Width*im.Height*im.Channels {
		return fmt.Errorf("image buffer has %d samples, want %d", len(im.Pix), im.Width*im.Height*im.Channels)
	}
	return nil
}

// ChannelMean collapses all channels into a saliency-shaped matrix.
func (im *Image) ChannelMean() *mat.Dense {
	out := mat.NewDense(im.Height, im.Width, nil)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			var sum float64
			for c := 0; c < im.Channels; c++ {
				sum += im.At(x, y, c)
			}
			out.Set(y, x, sum/float64(im.Channels))
		}
	}
	return out
}

// FromImage converts a decoded image into an RGB (or single channel for
// gray sources) raster on a 0-255 scale.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src.(type) {
	case *image.Gray, *image.Gray16:
		out := NewImage(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Set(x, y, 0, float64(g.Y)/257.0)
			}
		}
		return out
	}

	out := NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			out.Set(x, y, 0, float64(c.R)/257.0)
			out.Set(x, y, 1, float64(c.G)/257.0)
			out.Set(x, y, 2, float64(c.B)/257.0)
		}
	}
	return out
}

// ToNRGBA renders an image for 8-bit consumers. Samples already on a 0-255
// scale are rounded and clamped; any other range is byte-scaled over the
// raster's own min and max.
func (im *Image) ToNRGBA() *image.NRGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range im.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scale := func(v float64) uint8 { return clampByte(math.Round(v)) }
	if lo < 0 || hi > 255 || (hi <= 1 && hi > 0 && lo >= 0) {
		span := hi - lo
		scale = func(v float64) uint8 {
			if span == 0 {
				return 0
			}
			return clampByte(math.Round((v - lo) / span * 255))
		}
	}

	out := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			var r, g, b uint8
			if im.Channels >= 3 {
				r, g, b = scale(im.At(x, y, 0)), scale(im.At(x, y, 1)), scale(im.At(x, y, 2))
			} else {
				r = scale(im.At(x, y, 0))
				g, b = r, r
			}
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

// MapFromGray converts a single channel image into a saliency matrix
// scaled to 0-255.
func MapFromGray(src image.Image) *mat.Dense {
	b := src.Bounds()
	out := mat.NewDense(b.Dy(), b.Dx(), nil)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Set(y, x, float64(g.Y)/257.0)
		}
	}
	return out
}

// MapToGray quantizes a map already on a 0-255 scale into an 8-bit image,
// clamping anything out of range.
func MapToGray(m mat.Matrix) *image.Gray {
	rows, cols := m.Dims()
	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			out.Pix[y*out.Stride+x] = clampByte(m.At(y, x))
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
