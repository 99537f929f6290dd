package engine

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"salharness/internal/imgproc"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// Built-in algorithm names.
const (
	CenterName   = "center"
	ContrastName = "contrast"
)

// Center ignores image content and returns a centered Gaussian. Its only
// parameter is "center_std".
func Center(_ context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return imgproc.CenterTemplate(img.Height, img.Width, p.FloatOr("center_std", imgproc.DefaultCenterPriorStd)), nil
}

// Contrast is a center-surround difference of Gaussians on the channel
// mean. Sigmas are fractions of the shorter image side ("center_sigma",
// "surround_sigma").
func Contrast(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	cs := p.FloatOr("center_sigma", 0.01)
	ss := p.FloatOr("surround_sigma", 0.1)
	if cs <= 0 || ss <= cs {
		return nil, errors.New("contrast: need 0 < center_sigma < surround_sigma")
	}

	lum := img.ChannelMean()
	side := float64(min(img.Width, img.Height))
	center := imgproc.GaussianBlur(lum, cs*side, int(math.Ceil(3*cs*side)))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	surround := imgproc.GaussianBlur(lum, ss*side, int(math.Ceil(3*ss*side)))

	out := mat.NewDense(img.Height, img.Width, nil)
	out.Sub(center, surround)
	out.Apply(func(_, _ int, v float64) float64 { return math.Abs(v) }, out)
	return out, nil
}
