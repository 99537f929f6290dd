package imgproc

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Output is a post-processed saliency map ready to be written.
type Output struct {
	// Map holds 0-255 values for 8-bit output, probabilities for
	// normalized output and log values for log-density output.
	Map *mat.Dense
	// Float is set when Map must be stored without 8-bit quantization.
	Float bool
}

// PostProcess turns a raw model map into the final output for an image of
// width x height. The stage order is fixed: resize, center prior,
// smoothing, scaling and quantization.
func PostProcess(raw *mat.Dense, width, height int, s Settings) (*Output, error) {
	if raw == nil || raw.IsEmpty() {
		return nil, errors.New("empty saliency map")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.New("invalid output size")
	}

	m := Sanitize(raw)
	if r, c := m.Dims(); r != height || c != width {
		m = Resize(m, height, width)
	}
	m = ApplyCenterPrior(m, s.CenterPrior, s.CenterPriorStd)
	m = Smooth(m, s)
	return Scale(m, s.EffectiveScaling()), nil
}

// Sanitize replaces +Inf and -Inf with the largest and smallest finite
// values and NaN with the smallest. A map with no finite values becomes
// all zeros.
func Sanitize(m mat.Matrix) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Copy(m)
	data := out.RawMatrix().Data

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	for i, v := range data {
		switch {
		case math.IsInf(v, 1):
			data[i] = hi
		case math.IsInf(v, -1), math.IsNaN(v):
			data[i] = lo
		}
	}
	return out
}

// Resize resamples m to rows x cols with bilinear interpolation on pixel
// centers and replicated borders.
func Resize(m mat.Matrix, rows, cols int) *mat.Dense {
	sr, sc := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	fy := float64(sr) / float64(rows)
	fx := float64(sc) / float64(cols)
	for y := 0; y < rows; y++ {
		sy := clampF((float64(y)+0.5)*fy-0.5, 0, float64(sr-1))
		y0 := int(sy)
		y1 := min(y0+1, sr-1)
		wy := sy - float64(y0)
		for x := 0; x < cols; x++ {
			sx := clampF((float64(x)+0.5)*fx-0.5, 0, float64(sc-1))
			x0 := int(sx)
			x1 := min(x0+1, sc-1)
			wx := sx - float64(x0)
			top := m.At(y0, x0)*(1-wx) + m.At(y0, x1)*wx
			bot := m.At(y1, x0)*(1-wx) + m.At(y1, x1)*wx
			out.Set(y, x, top*(1-wy)+bot*wy)
		}
	}
	return out
}

// CenterTemplate returns a center bias of the given size with peak 1 at the
// image center. Distances are measured in coordinates normalized by width
// and height, so the template is radially symmetric in that space.
func CenterTemplate(rows, cols int, std float64) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	if std <= 0 {
		std = DefaultCenterPriorStd
	}
	cy := float64(rows-1) / 2
	cx := float64(cols-1) / 2
	denom := 2 * std * std
	for y := 0; y < rows; y++ {
		v := (float64(y) - cy) / float64(rows)
		for x := 0; x < cols; x++ {
			u := (float64(x) - cx) / float64(cols)
			out.Set(y, x, math.Exp(-(u*u+v*v)/denom))
		}
	}
	return out
}

// ApplyCenterPrior combines the map with a center bias. The map is first
// min-max normalized to [0, 1] so the template weighs proportionally.
// "default" and "none" return the map unchanged.
func ApplyCenterPrior(m *mat.Dense, mode CenterPrior, std float64) *mat.Dense {
	if mode != CenterAdd && mode != CenterMult {
		return m
	}
	rows, cols := m.Dims()
	n := normalizeUnit(m)
	t := CenterTemplate(rows, cols, std)
	out := mat.NewDense(rows, cols, nil)
	if mode == CenterAdd {
		out.Add(n, t)
	} else {
		out.MulElem(n, t)
	}
	return out
}

// SmoothingKernel returns the Gaussian sigma and radius for a map of
// rows x cols. A zero radius means no smoothing.
func SmoothingKernel(s Settings, rows, cols int) (sigma float64, radius int) {
	switch s.Smoothing {
	case SmoothDefault, "":
		return DefaultSmoothStd, int(DefaultSmoothSize) / 2
	case SmoothCustom:
		return s.SmoothStd, int(s.SmoothSize) / 2
	case SmoothProportional:
		sigma = s.SmoothProp * float64(min(rows, cols))
		return sigma, int(math.Ceil(3 * sigma))
	}
	return 0, 0
}

// Smooth blurs m according to the smoothing mode.
func Smooth(m *mat.Dense, s Settings) *mat.Dense {
	rows, cols := m.Dims()
	sigma, radius := SmoothingKernel(s, rows, cols)
	return GaussianBlur(m, sigma, radius)
}

// GaussianBlur applies a separable Gaussian with replicated borders.
func GaussianBlur(m *mat.Dense, sigma float64, radius int) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Copy(m)
	if sigma <= 0 || radius <= 0 {
		return out
	}

	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	tmp := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var sum float64
			for k, w := range kernel {
				sx := clampI(x+k-radius, 0, cols-1)
				sum += w * out.At(y, sx)
			}
			tmp.Set(y, x, sum)
		}
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var sum float64
			for k, w := range kernel {
				sy := clampI(y+k-radius, 0, rows-1)
				sum += w * tmp.At(sy, x)
			}
			out.Set(y, x, sum)
		}
	}
	return out
}

// Scale maps sanitized values into the output range of mode and applies
// the final clamp.
func Scale(m *mat.Dense, mode Scaling) *Output {
	m = Sanitize(m)
	rows, cols := m.Dims()
	data := m.RawMatrix().Data
	lo, hi := floats.Min(data), floats.Max(data)
	out := mat.NewDense(rows, cols, nil)
	od := out.RawMatrix().Data

	switch mode {
	case ScaleLogDensity:
		copy(od, data)
		return &Output{Map: out, Float: true}

	case ScaleNormalized:
		// Unit fractions keep the sum finite for any input magnitude.
		for i, v := range data {
			od[i] = unit(v, lo, hi)
		}
		sum := floats.Sum(od)
		if sum <= 0 {
			for i := range od {
				od[i] = 1 / float64(len(od))
			}
			return &Output{Map: out, Float: true}
		}
		floats.Scale(1/sum, od)
		for i, v := range od {
			od[i] = clampF(v, 0, 1)
		}
		return &Output{Map: out, Float: true}
	}

	for i, v := range data {
		od[i] = clampF(math.Floor(unit(v, lo, hi)*OutputMax), 0, OutputMax)
	}
	return &Output{Map: out}
}

func normalizeUnit(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	data := m.RawMatrix().Data
	lo, hi := floats.Min(data), floats.Max(data)
	out := mat.NewDense(rows, cols, nil)
	if hi == lo {
		return out
	}
	od := out.RawMatrix().Data
	for i, v := range data {
		od[i] = unit(v, lo, hi)
	}
	return out
}

// unit maps v from [lo, hi] to [0, 1]. Ranges wider than the largest
// float64 are halved first so neither difference overflows. An empty
// range maps to 0.
func unit(v, lo, hi float64) float64 {
	if !(hi > lo) {
		return 0
	}
	if span := hi - lo; !math.IsInf(span, 0) {
		return (v - lo) / span
	}
	return (v/2 - lo/2) / (hi/2 - lo/2)
}

// clampF limits v to [lo, hi]; NaN maps to lo.
func clampF(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
