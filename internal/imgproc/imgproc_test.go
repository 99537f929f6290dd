package imgproc

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/params"
	"salharness/internal/raster"
)

func plainSettings() Settings {
	s := DefaultSettings()
	s.CenterPrior = CenterNone
	s.Smoothing = SmoothNone
	return s
}

func TestPostProcessClampsNonFiniteValues(t *testing.T) {
	raw := mat.NewDense(1, 5, []float64{math.Inf(-1), 0, 5, 10, math.Inf(1)})
	s := plainSettings()
	s.Scaling = ScaleMinMax

	out, err := PostProcess(raw, 5, 1, s)
	if err != nil {
		t.Fatalf("post-process: %v", err)
	}
	if out.Float {
		t.Fatalf("min-max output must be 8-bit")
	}
	want := []float64{0, 0, 127, 255, 255}
	if diff := cmp.Diff(want, out.Map.RawRowView(0)); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestPostProcessHandlesRangeWiderThanFloat64(t *testing.T) {
	raw := mat.NewDense(1, 3, []float64{-1e308, 0, 1e308})
	s := plainSettings()

	s.Scaling = ScaleMinMax
	out, err := PostProcess(raw, 3, 1, s)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 127, 255}, out.Map.RawRowView(0)); diff != "" {
		t.Fatalf("min-max (-want +got):\n%s", diff)
	}

	s.Scaling = ScaleNormalized
	out, err = PostProcess(raw, 3, 1, s)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1.0 / 3, 2.0 / 3}
	if !floats.EqualApprox(want, out.Map.RawRowView(0), 1e-12) {
		t.Fatalf("normalized = %v, want %v", out.Map.RawRowView(0), want)
	}

	s.Scaling = ScaleMinMax
	s.CenterPrior = CenterMult
	out, err = PostProcess(raw, 3, 1, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range out.Map.RawRowView(0) {
		if math.IsNaN(v) || v < 0 || v > OutputMax {
			t.Fatalf("center prior output out of range: %v", out.Map.RawRowView(0))
		}
	}
}

func TestClampMapsNaNToFloor(t *testing.T) {
	if v := clampF(math.NaN(), 0, 255); v != 0 {
		t.Fatalf("clampF(NaN) = %v", v)
	}
	if v := unit(1e308, -1e308, 1e308); v != 1 {
		t.Fatalf("unit at top of huge range = %v", v)
	}
}

func TestPostProcessIsDeterministic(t *testing.T) {
	raw := mat.NewDense(4, 6, nil)
	for i := 0; i < 24; i++ {
		raw.Set(i/6, i%6, math.Sin(float64(i)))
	}
	s := DefaultSettings()
	s.CenterPrior = CenterMult

	a, err := PostProcess(raw, 12, 8, s)
	if err != nil {
		t.Fatal(err)
	}
	b, err := PostProcess(raw, 12, 8, s)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(a.Map, b.Map) {
		t.Fatalf("repeated post-process differs")
	}
}

func TestPostProcessResizesToImage(t *testing.T) {
	raw := mat.NewDense(2, 2, []float64{0, 1, 2, 3})
	out, err := PostProcess(raw, 7, 5, DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	if r, c := out.Map.Dims(); r != 5 || c != 7 {
		t.Fatalf("expected 5x7, got %dx%d", r, c)
	}
	for _, v := range out.Map.RawMatrix().Data {
		if v < 0 || v > OutputMax || v != math.Floor(v) {
			t.Fatalf("value %v outside 8-bit range", v)
		}
	}
}

func TestNormalizedOutputSumsToOne(t *testing.T) {
	raw := mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	s := plainSettings()
	s.Scaling = ScaleNormalized
	out, err := PostProcess(raw, 3, 3, s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Float {
		t.Fatalf("normalized output must be float")
	}
	if sum := floats.Sum(out.Map.RawMatrix().Data); math.Abs(sum-1) > 1e-9 {
		t.Fatalf("expected sum 1, got %v", sum)
	}
}

func TestNormalizedConstantMapIsUniform(t *testing.T) {
	raw := mat.NewDense(2, 2, []float64{4, 4, 4, 4})
	out := Scale(raw, ScaleNormalized)
	for _, v := range out.Map.RawMatrix().Data {
		if v != 0.25 {
			t.Fatalf("expected uniform 0.25, got %v", v)
		}
	}
}

func TestLogDensityPassesValuesThrough(t *testing.T) {
	raw := mat.NewDense(1, 3, []float64{-9.5, -3, -1.25})
	s := plainSettings()
	s.ModelScaling = ScaleLogDensity
	out, err := PostProcess(raw, 3, 1, s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Float || !mat.Equal(out.Map, raw) {
		t.Fatalf("log-density values changed: %v", out.Map.RawRowView(0))
	}
}

func TestCenterTemplatePeaksAtCenter(t *testing.T) {
	tmpl := CenterTemplate(5, 5, DefaultCenterPriorStd)
	if tmpl.At(2, 2) != 1 {
		t.Fatalf("expected peak 1 at the center, got %v", tmpl.At(2, 2))
	}
	if tmpl.At(0, 0) >= tmpl.At(1, 1) {
		t.Fatalf("template must decay away from the center")
	}
	if tmpl.At(0, 2) != tmpl.At(4, 2) || tmpl.At(2, 0) != tmpl.At(2, 4) {
		t.Fatalf("template must be symmetric")
	}
}

func TestCenterPriorMultFavoursCenter(t *testing.T) {
	m := mat.NewDense(5, 5, nil)
	for i := range m.RawMatrix().Data {
		m.RawMatrix().Data[i] = 1
	}
	m.Set(0, 0, 0)
	out := ApplyCenterPrior(m, CenterMult, DefaultCenterPriorStd)
	if out.At(2, 2) <= out.At(0, 4) {
		t.Fatalf("center %v should exceed corner %v", out.At(2, 2), out.At(0, 4))
	}
	same := ApplyCenterPrior(m, CenterNone, DefaultCenterPriorStd)
	if !mat.Equal(same, m) {
		t.Fatalf("none must leave the map unchanged")
	}
}

func TestSmoothingKernel(t *testing.T) {
	s := DefaultSettings()
	if sigma, r := SmoothingKernel(s, 100, 100); sigma != DefaultSmoothStd || r != 4 {
		t.Fatalf("default kernel: sigma=%v radius=%d", sigma, r)
	}
	s.Smoothing = SmoothCustom
	s.SmoothSize, s.SmoothStd = 5, 1
	if sigma, r := SmoothingKernel(s, 100, 100); sigma != 1 || r != 2 {
		t.Fatalf("custom kernel: sigma=%v radius=%d", sigma, r)
	}
	s.Smoothing = SmoothProportional
	if sigma, r := SmoothingKernel(s, 40, 80); sigma != 2 || r != 6 {
		t.Fatalf("proportional kernel: sigma=%v radius=%d", sigma, r)
	}
	s.Smoothing = SmoothNone
	if _, r := SmoothingKernel(s, 40, 80); r != 0 {
		t.Fatalf("none must not smooth")
	}
}

func TestGaussianBlurPreservesMass(t *testing.T) {
	m := mat.NewDense(9, 9, nil)
	m.Set(4, 4, 81)
	out := GaussianBlur(m, 1.5, 3)
	if sum := floats.Sum(out.RawMatrix().Data); math.Abs(sum-81) > 1e-9 {
		t.Fatalf("blur changed mass: %v", sum)
	}
	if out.At(4, 4) >= 81 || out.At(4, 5) <= 0 {
		t.Fatalf("blur did not spread the impulse")
	}
}

func TestParseSettings(t *testing.T) {
	p := params.New()
	p.Set(ParamColorSpace, "lab")
	p.Set(ParamScaling, "Normalized")
	p.Set(ParamSmoothStd, 2)

	s, err := ParseSettings(p)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.ColorSpace != ColorLAB || s.Scaling != ScaleNormalized || s.SmoothStd != 2 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.CenterPrior != CenterDefault || s.SmoothSize != DefaultSmoothSize {
		t.Fatalf("missing keys must keep defaults: %+v", s)
	}
}

func TestParseSettingsRejectsBadValues(t *testing.T) {
	for name, set := range map[string]func(*params.Map){
		"enum":     func(p *params.Map) { p.Set(ParamCenterPrior, "sideways") },
		"negative": func(p *params.Map) { p.Set(ParamSmoothProp, -0.1) },
		"type":     func(p *params.Map) { p.Set(ParamSmoothSize, "huge") },
	} {
		t.Run(name, func(t *testing.T) {
			p := params.New()
			set(p)
			_, err := ParseSettings(p)
			var cfgErr *params.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestEffectiveScaling(t *testing.T) {
	s := DefaultSettings()
	if s.EffectiveScaling() != ScaleMinMax || s.FloatOutput() {
		t.Fatalf("default must resolve to 8-bit min-max")
	}
	s.ModelScaling = ScaleLogDensity
	if s.EffectiveScaling() != ScaleLogDensity || !s.FloatOutput() {
		t.Fatalf("default must follow the model convention")
	}
	s.Scaling = ScaleMinMax
	if s.EffectiveScaling() != ScaleMinMax {
		t.Fatalf("explicit scaling must win over the model convention")
	}
}

func TestPreProcessColorSpaces(t *testing.T) {
	img := raster.NewImage(1, 1, 3)
	copy(img.Pix, []float64{255, 0, 0})

	cases := map[ColorSpace][3]float64{
		ColorRGB:   {255, 0, 0},
		ColorGray:  {76.245, 76.245, 76.245},
		ColorYCbCr: {76.245, 84.97232, 255.5},
		ColorHSV:   {0, 1, 1},
	}
	for cs, want := range cases {
		s := DefaultSettings()
		s.ColorSpace = cs
		out, err := PreProcess(img, s)
		if err != nil {
			t.Fatalf("%s: %v", cs, err)
		}
		for c := 0; c < 3; c++ {
			if math.Abs(out.At(0, 0, c)-want[c]) > 1e-3 {
				t.Fatalf("%s channel %d: want %v got %v", cs, c, want[c], out.At(0, 0, c))
			}
		}
	}

	s := DefaultSettings()
	s.ColorSpace = ColorLAB
	out, err := PreProcess(img, s)
	if err != nil {
		t.Fatal(err)
	}
	if l := out.At(0, 0, 0); math.Abs(l-53.24) > 0.1 {
		t.Fatalf("LAB lightness of red: got %v", l)
	}
}

func TestPreProcessGrayInputBecomesRGB(t *testing.T) {
	img := raster.NewImage(2, 1, 1)
	img.Pix[0], img.Pix[1] = 10, 200
	s := DefaultSettings()
	s.ColorSpace = ColorRGB
	out, err := PreProcess(img, s)
	if err != nil {
		t.Fatal(err)
	}
	if out.Channels != 3 || out.At(1, 0, 2) != 200 {
		t.Fatalf("gray input not replicated: %+v", out)
	}
}
