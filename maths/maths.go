// Package maths implements the numeric primitives shared by the density
// models: lower bounds with custom gradient rules, standardized CDFs and
// numerically stable log-space reductions.
package maths

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// LowerBoundToward returns max(x, bound) elementwise. Its gradient rule
// (LowerBoundTowardGrad) only blocks gradient on clamped elements when the
// gradient would push the value further below the bound, so training signal
// keeps flowing near the numerical floor. Used for scale lower-bounding.
func LowerBoundToward(x *tensor.Dense, bound float32) *tensor.Dense {
	xs := x.Data().([]float32)
	out := make([]float32, len(xs))
	for i, v := range xs {
		if v < bound {
			v = bound
		}
		out[i] = v
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
}

// LowerBoundTowardGrad applies the backward rule for LowerBoundToward: the
// incoming gradient passes through wherever the input satisfied the bound,
// or wherever it pulls the clamped value back up toward the bound
// (grad < 0 increases x under gradient descent). Elsewhere it is zeroed.
func LowerBoundTowardGrad(x *tensor.Dense, bound float32, grad *tensor.Dense) *tensor.Dense {
	xs := x.Data().([]float32)
	gs := grad.Data().([]float32)
	out := make([]float32, len(xs))
	for i, v := range xs {
		if v >= bound || gs[i] < 0 {
			out[i] = gs[i]
		}
	}
	return tensor.New(tensor.WithShape(grad.Shape()...), tensor.WithBacking(out))
}

// UpperBoundToward is the mirrored variant of LowerBoundToward, returning
// min(x, bound) elementwise.
func UpperBoundToward(x *tensor.Dense, bound float32) *tensor.Dense {
	xs := x.Data().([]float32)
	out := make([]float32, len(xs))
	for i, v := range xs {
		if v > bound {
			v = bound
		}
		out[i] = v
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
}

// UpperBoundTowardGrad passes gradient where the input satisfied the bound
// or where the gradient pushes the clamped value back down toward it.
func UpperBoundTowardGrad(x *tensor.Dense, bound float32, grad *tensor.Dense) *tensor.Dense {
	xs := x.Data().([]float32)
	gs := grad.Data().([]float32)
	out := make([]float32, len(xs))
	for i, v := range xs {
		if v <= bound || gs[i] > 0 {
			out[i] = gs[i]
		}
	}
	return tensor.New(tensor.WithShape(grad.Shape()...), tensor.WithBacking(out))
}

// LowerBoundIdentity returns max(x, bound) elementwise with an identity
// gradient everywhere, clamped or not. Used for likelihood flooring, where
// the floor exists purely to keep a downstream logarithm finite.
func LowerBoundIdentity(x *tensor.Dense, bound float32) *tensor.Dense {
	return LowerBoundToward(x, bound)
}

// LowerBoundIdentityGrad is the backward rule for LowerBoundIdentity: the
// incoming gradient is passed through unconditionally.
func LowerBoundIdentityGrad(grad *tensor.Dense) *tensor.Dense {
	gs := grad.Data().([]float32)
	out := make([]float32, len(gs))
	copy(out, gs)
	return tensor.New(tensor.WithShape(grad.Shape()...), tensor.WithBacking(out))
}

// StandardizedCDF evaluates the cumulative distribution function of a
// zero-mean, unit-scale reference distribution.
type StandardizedCDF func(x float64) float64

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// CDFGaussian is the standard normal CDF.
func CDFGaussian(x float64) float64 {
	return stdNormal.CDF(x)
}

// CDFLogistic is the standard logistic CDF, i.e. the sigmoid.
func CDFLogistic(x float64) float64 {
	return Sigmoid(x)
}

// CDFByName resolves a likelihood-type name to its standardized CDF. The
// set is closed; anything else is a configuration error.
func CDFByName(name string) (StandardizedCDF, error) {
	switch name {
	case "gaussian":
		return CDFGaussian, nil
	case "logistic":
		return CDFLogistic, nil
	default:
		return nil, fmt.Errorf("unknown likelihood model %q", name)
	}
}

// Sigmoid computed via the stable half where exp never overflows.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softplus is log(1+exp(x)), linearized for large x where exp overflows.
func Softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// LogSumExp reduces xs with the max-subtraction trick so mixture components
// of very different magnitude neither overflow nor vanish.
func LogSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, v := range xs {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, v := range xs {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

// LogSoftmax writes the log-softmax of xs into out (which may alias xs).
func LogSoftmax(xs, out []float64) {
	lse := LogSumExp(xs)
	for i, v := range xs {
		out[i] = v - lse
	}
}
