// Package imgproc implements the pre-process and post-process stages that
// wrap every saliency model. All functions are pure: the result depends
// only on the input raster and the Settings.
package imgproc

import (
	"fmt"
	"strings"

	"salharness/internal/params"
)

// Parameter names consumed by the pipeline.
const (
	ParamColorSpace     = "color_space"
	ParamCenterPrior    = "center_prior"
	ParamSmoothing      = "do_smoothing"
	ParamScaling        = "scale_output"
	ParamSmoothSize     = "smooth_size"
	ParamSmoothStd      = "smooth_std"
	ParamSmoothProp     = "smooth_prop"
	ParamCenterPriorStd = "center_prior_std"
)

// Fixed conventions. Both pipeline implementations must agree on these.
const (
	DefaultSmoothSize     = 9.0
	DefaultSmoothStd      = 3.33
	DefaultSmoothProp     = 0.05
	DefaultCenterPriorStd = 0.25

	// OutputMax is the ceiling of the 8-bit output range.
	OutputMax = 255.0
)

// ColorSpace selects the pre-process color conversion.
type ColorSpace string

const (
	ColorDefault ColorSpace = "default"
	ColorRGB     ColorSpace = "RGB"
	ColorGray    ColorSpace = "gray"
	ColorYCbCr   ColorSpace = "YCbCr"
	ColorLAB     ColorSpace = "LAB"
	ColorHSV     ColorSpace = "HSV"
)

// CenterPrior selects how a center bias template is combined with the map.
type CenterPrior string

const (
	CenterDefault CenterPrior = "default"
	CenterNone    CenterPrior = "none"
	CenterAdd     CenterPrior = "proportional_add"
	CenterMult    CenterPrior = "proportional_mult"
)

// Smoothing selects the Gaussian blur applied to the map.
type Smoothing string

const (
	SmoothDefault      Smoothing = "default"
	SmoothNone         Smoothing = "none"
	SmoothCustom       Smoothing = "custom"
	SmoothProportional Smoothing = "proportional"
)

// Scaling selects the output value range.
type Scaling string

const (
	ScaleDefault    Scaling = "default"
	ScaleMinMax     Scaling = "min-max"
	ScaleNormalized Scaling = "normalized"
	ScaleLogDensity Scaling = "log-density"
)

// Settings is the fully resolved pipeline configuration.
type Settings struct {
	ColorSpace     ColorSpace
	CenterPrior    CenterPrior
	Smoothing      Smoothing
	Scaling        Scaling
	SmoothSize     float64
	SmoothStd      float64
	SmoothProp     float64
	CenterPriorStd float64

	// ModelScaling is the scaling a model declares for "default".
	ModelScaling Scaling
}

// DefaultSettings returns the settings used when no parameter is set.
func DefaultSettings() Settings {
	return Settings{
		ColorSpace:     ColorDefault,
		CenterPrior:    CenterDefault,
		Smoothing:      SmoothDefault,
		Scaling:        ScaleDefault,
		SmoothSize:     DefaultSmoothSize,
		SmoothStd:      DefaultSmoothStd,
		SmoothProp:     DefaultSmoothProp,
		CenterPriorStd: DefaultCenterPriorStd,
	}
}

var (
	colorSpaces  = []ColorSpace{ColorDefault, ColorRGB, ColorGray, ColorYCbCr, ColorLAB, ColorHSV}
	centerPriors = []CenterPrior{CenterDefault, CenterNone, CenterAdd, CenterMult}
	smoothings   = []Smoothing{SmoothDefault, SmoothNone, SmoothCustom, SmoothProportional}
	scalings     = []Scaling{ScaleDefault, ScaleMinMax, ScaleNormalized, ScaleLogDensity}
)

// ColorSpaces lists the accepted color_space values.
func ColorSpaces() []ColorSpace { return append([]ColorSpace(nil), colorSpaces...) }

// CenterPriors lists the accepted center_prior values.
func CenterPriors() []CenterPrior { return append([]CenterPrior(nil), centerPriors...) }

// Smoothings lists the accepted do_smoothing values.
func Smoothings() []Smoothing { return append([]Smoothing(nil), smoothings...) }

// Scalings lists the accepted scale_output values.
func Scalings() []Scaling { return append([]Scaling(nil), scalings...) }

// ParseScaling resolves a scale_output value case-insensitively.
func ParseScaling(v string) (Scaling, error) {
	return parseEnum(ParamScaling, v, scalings)
}

// ParseSettings reads the pipeline parameters out of a resolved map.
// Missing keys fall back to DefaultSettings; unknown enum values are a
// ConfigError.
func ParseSettings(p *params.Map) (Settings, error) {
	s := DefaultSettings()
	var err error

	if s.ColorSpace, err = parseEnum(ParamColorSpace, p.StringOr(ParamColorSpace, string(ColorDefault)), colorSpaces); err != nil {
		return s, err
	}
	if s.CenterPrior, err = parseEnum(ParamCenterPrior, p.StringOr(ParamCenterPrior, string(CenterDefault)), centerPriors); err != nil {
		return s, err
	}
	if s.Smoothing, err = parseEnum(ParamSmoothing, p.StringOr(ParamSmoothing, string(SmoothDefault)), smoothings); err != nil {
		return s, err
	}
	if s.Scaling, err = parseEnum(ParamScaling, p.StringOr(ParamScaling, string(ScaleDefault)), scalings); err != nil {
		return s, err
	}

	for _, f := range []struct {
		key string
		dst *float64
	}{
		{ParamSmoothSize, &s.SmoothSize},
		{ParamSmoothStd, &s.SmoothStd},
		{ParamSmoothProp, &s.SmoothProp},
		{ParamCenterPriorStd, &s.CenterPriorStd},
	} {
		if !p.Has(f.key) {
			continue
		}
		v, err := p.Float(f.key)
		if err != nil {
			return s, err
		}
		if v < 0 {
			return s, &params.ConfigError{Key: f.key, Reason: fmt.Sprintf("must be >= 0, got %v", v)}
		}
		*f.dst = v
	}
	return s, nil
}

func parseEnum[T ~string](key, value string, allowed []T) (T, error) {
	for _, a := range allowed {
		if strings.EqualFold(string(a), value) {
			return a, nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	var zero T
	return zero, &params.ConfigError{Key: key, Reason: fmt.Sprintf("has unknown value %q (one of %s)", value, strings.Join(names, ", "))}
}

// EffectiveScaling resolves "default" against the model's convention.
func (s Settings) EffectiveScaling() Scaling {
	if s.Scaling != ScaleDefault {
		return s.Scaling
	}
	if s.ModelScaling != "" && s.ModelScaling != ScaleDefault {
		return s.ModelScaling
	}
	return ScaleMinMax
}

// FloatOutput reports whether the output must be stored as floats rather
// than quantized to 8 bits.
func (s Settings) FloatOutput() bool {
	switch s.EffectiveScaling() {
	case ScaleNormalized, ScaleLogDensity:
		return true
	}
	return false
}
