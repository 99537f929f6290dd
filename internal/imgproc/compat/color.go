package compat

import "math"

// D65 reference white.
const (
	whiteX = 0.95047
	whiteY = 1.0
	whiteZ = 1.08883
)

// rgbToHSV returns hue, saturation and value, each in [0, 1].
func rgbToHSV(r8, g8, b8 uint8) [3]float64 {
	r, g, b := float64(r8)/255, float64(g8)/255, float64(b8)/255
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	d := hi - lo

	var h float64
	switch {
	case d == 0:
		h = 0
	case hi == r:
		h = math.Mod((g-b)/d, 6)
	case hi == g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}

	var s float64
	if hi > 0 {
		s = d / hi
	}
	return [3]float64{h / 360, s, hi}
}

// rgbToLab converts sRGB to CIE L*a*b* with L in [0, 100].
func rgbToLab(r8, g8, b8 uint8) [3]float64 {
	r, g, b := linear(r8), linear(g8), linear(b8)
	x := 0.4124564*r + 0.3575761*g + 0.1804375*b
	y := 0.2126729*r + 0.7151522*g + 0.0721750*b
	z := 0.0193339*r + 0.1191920*g + 0.9503041*b

	fx, fy, fz := labF(x/whiteX), labF(y/whiteY), labF(z/whiteZ)
	return [3]float64{116*fy - 16, 500 * (fx - fy), 200 * (fy - fz)}
}

func linear(v uint8) float64 {
	c := float64(v) / 255
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

func labF(t float64) float64 {
	const eps = 216.0 / 24389.0
	const kappa = 24389.0 / 27.0
	if t > eps {
		return math.Cbrt(t)
	}
	return (kappa*t + 16) / 116
}
