package compat

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"salharness/internal/imgproc"
	"salharness/internal/raster"
)

// MinCorrelation is the agreement both pipelines must reach.
const MinCorrelation = 0.99

// Equivalence compares two outputs of the same input.
type Equivalence struct {
	SameShape   bool
	Correlation float64
}

// OK reports whether the outputs are considered equivalent.
func (e Equivalence) OK() bool {
	return e.SameShape && e.Correlation > MinCorrelation
}

// Compare checks shape and computes the Pearson correlation of a and b. Two
// constant maps with equal values correlate perfectly.
func Compare(a, b *imgproc.Output) Equivalence {
	if a == nil || b == nil || a.Map == nil || b.Map == nil {
		return Equivalence{}
	}
	ar, ac := a.Map.Dims()
	br, bc := b.Map.Dims()
	if ar != br || ac != bc {
		return Equivalence{}
	}
	x := flatten(a.Map)
	y := flatten(b.Map)
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		if mat.EqualApprox(a.Map, b.Map, 1e-9) {
			return Equivalence{SameShape: true, Correlation: 1}
		}
		return Equivalence{SameShape: true}
	}
	return Equivalence{SameShape: true, Correlation: stat.Correlation(x, y, nil)}
}

// Case is one pipeline option checked in isolation.
type Case struct {
	Param string
	Value string
	Equivalence
	Err error
}

func (c Case) String() string {
	if c.Err != nil {
		return fmt.Sprintf("%s=%s: %v", c.Param, c.Value, c.Err)
	}
	return fmt.Sprintf("%s=%s: shape=%v r=%.4f", c.Param, c.Value, c.SameShape, c.Correlation)
}

// Verify runs img through both pipelines once per option value, varying a
// single parameter from base each time. The raw map is the channel mean of
// the pre-processed image decimated by two, so post-processing always has
// to resample.
func Verify(img *raster.Image, base imgproc.Settings) []Case {
	var cases []Case
	run := func(param, value string, s imgproc.Settings) {
		c := Case{Param: param, Value: value}
		c.Equivalence, c.Err = compareOnce(img, s)
		cases = append(cases, c)
	}
	for _, v := range imgproc.ColorSpaces() {
		s := base
		s.ColorSpace = v
		run(imgproc.ParamColorSpace, string(v), s)
	}
	for _, v := range imgproc.CenterPriors() {
		s := base
		s.CenterPrior = v
		run(imgproc.ParamCenterPrior, string(v), s)
	}
	for _, v := range imgproc.Smoothings() {
		s := base
		s.Smoothing = v
		run(imgproc.ParamSmoothing, string(v), s)
	}
	for _, v := range imgproc.Scalings() {
		s := base
		s.Scaling = v
		run(imgproc.ParamScaling, string(v), s)
	}
	return cases
}

func compareOnce(img *raster.Image, s imgproc.Settings) (Equivalence, error) {
	pa, err := imgproc.PreProcess(img, s)
	if err != nil {
		return Equivalence{}, fmt.Errorf("primary pre-process: %w", err)
	}
	pb, err := PreProcess(img, s)
	if err != nil {
		return Equivalence{}, fmt.Errorf("compat pre-process: %w", err)
	}

	oa, err := imgproc.PostProcess(decimate(pa.ChannelMean()), img.Width, img.Height, s)
	if err != nil {
		return Equivalence{}, fmt.Errorf("primary post-process: %w", err)
	}
	ob, err := PostProcess(decimate(pb.ChannelMean()), img.Width, img.Height, s)
	if err != nil {
		return Equivalence{}, fmt.Errorf("compat post-process: %w", err)
	}
	return Compare(oa, ob), nil
}

// decimate keeps every other row and column.
func decimate(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	nr, nc := int(math.Ceil(float64(r)/2)), int(math.Ceil(float64(c)/2))
	out := mat.NewDense(nr, nc, nil)
	for y := 0; y < nr; y++ {
		for x := 0; x < nc; x++ {
			out.Set(y, x, m.At(2*y, 2*x))
		}
	}
	return out
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for y := 0; y < r; y++ {
		out = append(out, m.RawRowView(y)...)
	}
	return out
}
