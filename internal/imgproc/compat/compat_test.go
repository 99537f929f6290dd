package compat

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"salharness/internal/imgproc"
	"salharness/internal/raster"
)

// syntheticImage is a deterministic scene: a diagonal gradient with two
// bright blobs and a dark bar.
func syntheticImage(w, h int) *raster.Image {
	img := raster.NewImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := 40 + 120*float64(x+y)/float64(w+h)
			b1 := 180 * math.Exp(-(sq(float64(x)-0.3*float64(w))+sq(float64(y)-0.4*float64(h)))/(2*sq(0.08*float64(w))))
			b2 := 150 * math.Exp(-(sq(float64(x)-0.7*float64(w))+sq(float64(y)-0.65*float64(h)))/(2*sq(0.06*float64(w))))
			r := base + b1
			g := base + b2
			b := base + 0.5*(b1+b2)
			if x > w/8 && x < w/4 && y > h/2 {
				r, g, b = r*0.3, g*0.3, b*0.6
			}
			img.Set(x, y, 0, math.Min(255, math.Round(r)))
			img.Set(x, y, 1, math.Min(255, math.Round(g)))
			img.Set(x, y, 2, math.Min(255, math.Round(b)))
		}
	}
	return img
}

func sq(v float64) float64 { return v * v }

func TestPipelinesAgreeOnEveryOption(t *testing.T) {
	img := syntheticImage(96, 64)
	cases := Verify(img, imgproc.DefaultSettings())

	want := len(imgproc.ColorSpaces()) + len(imgproc.CenterPriors()) + len(imgproc.Smoothings()) + len(imgproc.Scalings())
	if len(cases) != want {
		t.Fatalf("expected %d cases, got %d", want, len(cases))
	}
	for _, c := range cases {
		if c.Err != nil {
			t.Fatalf("%s=%s: %v", c.Param, c.Value, c.Err)
		}
		if !c.SameShape {
			t.Fatalf("%s=%s: shapes differ", c.Param, c.Value)
		}
		if c.Correlation <= MinCorrelation {
			t.Fatalf("%s=%s: correlation %.4f", c.Param, c.Value, c.Correlation)
		}
	}
}

func TestPostProcessOutputShapeMatchesPrimary(t *testing.T) {
	raw := mat.NewDense(3, 4, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	s := imgproc.DefaultSettings()
	a, err := imgproc.PostProcess(raw, 10, 7, s)
	if err != nil {
		t.Fatal(err)
	}
	b, err := PostProcess(raw, 10, 7, s)
	if err != nil {
		t.Fatal(err)
	}
	ar, ac := a.Map.Dims()
	br, bc := b.Map.Dims()
	if ar != br || ac != bc || a.Float != b.Float {
		t.Fatalf("shape mismatch: %dx%d float=%v vs %dx%d float=%v", ar, ac, a.Float, br, bc, b.Float)
	}
}

func TestPostProcessHandlesRangeWiderThanFloat64(t *testing.T) {
	raw := mat.NewDense(1, 3, []float64{-1e308, 0, 1e308})
	s := imgproc.DefaultSettings()
	s.CenterPrior = imgproc.CenterNone
	s.Smoothing = imgproc.SmoothNone

	cases := map[imgproc.Scaling][]float64{
		imgproc.ScaleMinMax:     {0, 127, 255},
		imgproc.ScaleNormalized: {0, 1.0 / 3, 2.0 / 3},
	}
	for mode, want := range cases {
		s.Scaling = mode
		out, err := PostProcess(raw, 3, 1, s)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		got := out.Map.RawRowView(0)
		for i := range want {
			if math.IsNaN(got[i]) || math.Abs(got[i]-want[i]) > 1e-12 {
				t.Fatalf("%s = %v, want %v", mode, got, want)
			}
		}
	}

	// Resampling goes through the 16-bit encoding and must stay finite.
	s.Scaling = imgproc.ScaleMinMax
	out, err := PostProcess(raw, 6, 2, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range out.Map.RawMatrix().Data {
		if math.IsNaN(v) || v < 0 || v > imgproc.OutputMax {
			t.Fatalf("resampled output out of range: %v", out.Map.RawMatrix().Data)
		}
	}
}

func TestCompareDetectsShapeMismatch(t *testing.T) {
	a := &imgproc.Output{Map: mat.NewDense(2, 2, []float64{1, 2, 3, 4})}
	b := &imgproc.Output{Map: mat.NewDense(1, 4, []float64{1, 2, 3, 4})}
	if eq := Compare(a, b); eq.OK() || eq.SameShape {
		t.Fatalf("expected shape mismatch, got %+v", eq)
	}
}

func TestCompareAnticorrelated(t *testing.T) {
	a := &imgproc.Output{Map: mat.NewDense(1, 4, []float64{1, 2, 3, 4})}
	b := &imgproc.Output{Map: mat.NewDense(1, 4, []float64{4, 3, 2, 1})}
	if eq := Compare(a, b); eq.OK() || math.Abs(eq.Correlation+1) > 1e-9 {
		t.Fatalf("expected correlation -1, got %+v", eq)
	}
}

func TestCompareConstantMaps(t *testing.T) {
	a := &imgproc.Output{Map: mat.NewDense(2, 2, []float64{7, 7, 7, 7})}
	b := &imgproc.Output{Map: mat.NewDense(2, 2, []float64{7, 7, 7, 7})}
	if eq := Compare(a, b); !eq.OK() {
		t.Fatalf("identical constant maps must be equivalent: %+v", eq)
	}
}

func TestColorConversionsMatchReferenceValues(t *testing.T) {
	hsv := rgbToHSV(0, 255, 0)
	if math.Abs(hsv[0]-1.0/3) > 1e-9 || hsv[1] != 1 || hsv[2] != 1 {
		t.Fatalf("green HSV: %v", hsv)
	}
	lab := rgbToLab(255, 255, 255)
	if math.Abs(lab[0]-100) > 0.01 || math.Abs(lab[1]) > 0.01 || math.Abs(lab[2]) > 0.01 {
		t.Fatalf("white LAB: %v", lab)
	}
}
