package hyperprior

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/perceptic/neuralcodec/maths"
)

// latentLikelihood returns the probability mass of the unit bin around each
// latent under the conditional density with the given per-element mean and
// scale. Both CDF evaluations are folded onto the same side of the
// distribution through the symmetry 1 - CDF(t) = CDF(-t), so neither sits
// near 1.0 where the subtraction would cancel.
func latentLikelihood(cdf maths.StandardizedCDF, x, mean, scale *tensor.Dense, minLikelihood float32) (*tensor.Dense, error) {
	xs := x.Data().([]float32)
	ms := mean.Data().([]float32)
	ss := scale.Data().([]float32)
	if len(ms) != len(xs) || len(ss) != len(xs) {
		return nil, fmt.Errorf("latent likelihood: mean/scale sizes (%d, %d) do not match input size %d", len(ms), len(ss), len(xs))
	}

	out := make([]float32, len(xs))
	for i, v := range xs {
		centered := float64(v - ms[i])
		if centered < 0 {
			centered = -centered
		}
		s := float64(ss[i])
		upper := cdf((0.5 - centered) / s)
		lower := cdf(-(0.5 + centered) / s)
		out[i] = float32(upper - lower)
	}

	likelihood := tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
	return maths.LowerBoundIdentity(likelihood, minLikelihood), nil
}
