// Package compat is a second, independently written implementation of the
// saliency pre/post-processing pipeline. It works on the standard library
// image types and leans on imaging and nfnt/resize for resampling and
// blurring, so it shares no numeric code with imgproc. It exists to audit
// imgproc: both must agree on every pipeline option.
package compat

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/imgproc"
	"salharness/internal/raster"
)

// templateSize is the resolution the center bias is rendered at before it
// is resampled to the map size.
const templateSize = 256

// PreProcess converts img into the requested color space.
func PreProcess(img *raster.Image, s imgproc.Settings) (*raster.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if s.ColorSpace == imgproc.ColorDefault || s.ColorSpace == "" {
		return img.Clone(), nil
	}

	src := toNRGBA(img)
	b := src.Bounds()
	out := raster.NewImage(b.Dx(), b.Dy(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := src.NRGBAAt(x, y)
			var v [3]float64
			switch s.ColorSpace {
			case imgproc.ColorRGB:
				v = [3]float64{float64(c.R), float64(c.G), float64(c.B)}
			case imgproc.ColorGray:
				g := color.GrayModel.Convert(c).(color.Gray).Y
				v = [3]float64{float64(g), float64(g), float64(g)}
			case imgproc.ColorYCbCr:
				yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
				v = [3]float64{float64(yy), float64(cb), float64(cr)}
			case imgproc.ColorHSV:
				v = rgbToHSV(c.R, c.G, c.B)
			case imgproc.ColorLAB:
				v = rgbToLab(c.R, c.G, c.B)
			default:
				return nil, errors.New("unsupported color space " + string(s.ColorSpace))
			}
			out.Set(x, y, 0, v[0])
			out.Set(x, y, 1, v[1])
			out.Set(x, y, 2, v[2])
		}
	}
	return out, nil
}

// PostProcess resamples, biases, blurs and scales raw into the output for
// an image of width x height.
func PostProcess(raw *mat.Dense, width, height int, s imgproc.Settings) (*imgproc.Output, error) {
	if raw == nil || raw.IsEmpty() {
		return nil, errors.New("empty saliency map")
	}
	rows, cols := raw.Dims()
	vals := make([]float64, 0, rows*cols)
	for y := 0; y < rows; y++ {
		vals = append(vals, raw.RawRowView(y)...)
	}
	vals = replaceNonFinite(vals)

	if rows != height || cols != width {
		vals = resample(vals, cols, rows, width, height)
	}

	switch s.CenterPrior {
	case imgproc.CenterAdd, imgproc.CenterMult:
		unit := unitRange(vals)
		bias := centerBias(width, height, s.CenterPriorStd)
		for i := range unit {
			if s.CenterPrior == imgproc.CenterAdd {
				unit[i] += bias[i]
			} else {
				unit[i] *= bias[i]
			}
		}
		vals = unit
	}

	vals = blur(vals, width, height, s)
	return scale(vals, width, height, s.EffectiveScaling()), nil
}

// resample goes through a 16-bit gray image and imaging's linear filter.
// The absolute range is restored afterwards so log values survive.
func resample(vals []float64, w, h, dw, dh int) []float64 {
	lo, hi := bounds(vals)
	g := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range vals {
		g.SetGray16(i%w, i/w, color.Gray16{Y: uint16(math.Round(fraction(v, lo, hi) * 65535))})
	}
	dst := imaging.Resize(g, dw, dh, imaging.Linear)
	out := make([]float64, dw*dh)
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			out[y*dw+x] = lerp(lo, hi, float64(dst.NRGBAAt(x, y).R)/255)
		}
	}
	return out
}

// centerBias renders the template at a fixed size and resizes it with
// nfnt/resize.
func centerBias(w, h int, std float64) []float64 {
	if std <= 0 {
		std = imgproc.DefaultCenterPriorStd
	}
	tmpl := image.NewGray16(image.Rect(0, 0, templateSize, templateSize))
	c := float64(templateSize-1) / 2
	for y := 0; y < templateSize; y++ {
		for x := 0; x < templateSize; x++ {
			dx := (float64(x) - c) / templateSize
			dy := (float64(y) - c) / templateSize
			r2 := dx*dx + dy*dy
			tmpl.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(65535 * math.Exp(-r2/(2*std*std))))})
		}
	}
	scaled := resize.Resize(uint(w), uint(h), tmpl, resize.Bilinear)
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(scaled.At(scaled.Bounds().Min.X+x, scaled.Bounds().Min.Y+y)).(color.Gray16)
			out[y*w+x] = float64(g.Y) / 65535
		}
	}
	return out
}

func blur(vals []float64, w, h int, s imgproc.Settings) []float64 {
	switch s.Smoothing {
	case imgproc.SmoothNone:
		return vals
	case imgproc.SmoothProportional:
		sigma := s.SmoothProp * float64(min(w, h))
		if sigma <= 0 {
			return vals
		}
		return imagingBlur(vals, w, h, sigma)
	case imgproc.SmoothCustom:
		return convolve2D(vals, w, h, s.SmoothStd, int(s.SmoothSize)/2)
	}
	return convolve2D(vals, w, h, imgproc.DefaultSmoothStd, int(imgproc.DefaultSmoothSize)/2)
}

// imagingBlur runs imaging.Blur over a 16-bit encoding of the map.
func imagingBlur(vals []float64, w, h int, sigma float64) []float64 {
	lo, hi := bounds(vals)
	if hi == lo {
		return vals
	}
	g := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range vals {
		g.SetGray16(i%w, i/w, color.Gray16{Y: uint16(math.Round(fraction(v, lo, hi) * 65535))})
	}
	dst := imaging.Blur(g, sigma)
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = lerp(lo, hi, float64(dst.NRGBAAt(x, y).R)/255)
		}
	}
	return out
}

// convolve2D applies a full (non-separable) truncated Gaussian kernel with
// clamped borders.
func convolve2D(vals []float64, w, h int, sigma float64, radius int) []float64 {
	if sigma <= 0 || radius <= 0 {
		return vals
	}
	size := 2*radius + 1
	kernel := make([]float64, size*size)
	var total float64
	for ky := 0; ky < size; ky++ {
		for kx := 0; kx < size; kx++ {
			dx, dy := float64(kx-radius), float64(ky-radius)
			k := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			kernel[ky*size+kx] = k
			total += k
		}
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for ky := 0; ky < size; ky++ {
				sy := min(max(y+ky-radius, 0), h-1)
				for kx := 0; kx < size; kx++ {
					sx := min(max(x+kx-radius, 0), w-1)
					acc += kernel[ky*size+kx] * vals[sy*w+sx]
				}
			}
			out[y*w+x] = acc / total
		}
	}
	return out
}

func scale(vals []float64, w, h int, mode imgproc.Scaling) *imgproc.Output {
	vals = replaceNonFinite(vals)
	lo, hi := bounds(vals)
	out := make([]float64, len(vals))

	switch mode {
	case imgproc.ScaleLogDensity:
		copy(out, vals)
		return &imgproc.Output{Map: mat.NewDense(h, w, out), Float: true}
	case imgproc.ScaleNormalized:
		var total float64
		for i, v := range vals {
			out[i] = fraction(v, lo, hi)
			total += out[i]
		}
		for i := range out {
			if total <= 0 {
				out[i] = 1 / float64(len(vals))
				continue
			}
			out[i] = math.Min(1, math.Max(0, out[i]/total))
		}
		return &imgproc.Output{Map: mat.NewDense(h, w, out), Float: true}
	}

	g := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range vals {
		q := math.Floor(fraction(v, lo, hi) * imgproc.OutputMax)
		if q > 0 {
			g.Pix[i] = uint8(math.Min(imgproc.OutputMax, q))
		}
	}
	for i, p := range g.Pix {
		out[i] = float64(p)
	}
	return &imgproc.Output{Map: mat.NewDense(h, w, out)}
}

func replaceNonFinite(vals []float64) []float64 {
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	finite := false
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !finite {
		lo, hi = 0, 0
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		switch {
		case math.IsInf(v, 1):
			out[i] = hi
		case math.IsNaN(v) || math.IsInf(v, -1):
			out[i] = lo
		default:
			out[i] = v
		}
	}
	return out
}

func unitRange(vals []float64) []float64 {
	lo, hi := bounds(vals)
	out := make([]float64, len(vals))
	if hi == lo {
		return out
	}
	for i, v := range vals {
		out[i] = fraction(v, lo, hi)
	}
	return out
}

// fraction is (v-lo)/(hi-lo) computed on values divided by the largest
// magnitude, so it stays finite for any finite inputs.
func fraction(v, lo, hi float64) float64 {
	if !(hi > lo) {
		return 0
	}
	m := math.Max(math.Abs(lo), math.Abs(hi))
	return (v/m - lo/m) / (hi/m - lo/m)
}

// lerp returns the point at t between lo and hi without forming hi-lo.
func lerp(lo, hi, t float64) float64 {
	return lo*(1-t) + hi*t
}

func bounds(vals []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func toNRGBA(img *raster.Image) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	q := func(v float64) uint8 { return uint8(math.Min(255, math.Max(0, math.Round(v)))) }
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r := q(img.At(x, y, 0))
			g, b := r, r
			if img.Channels >= 3 {
				g, b = q(img.At(x, y, 1)), q(img.At(x, y, 2))
			}
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}
