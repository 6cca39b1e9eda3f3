package hyperprior

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// QuantizeMode selects how continuous values are discretized.
type QuantizeMode int

const (
	// QuantizeModeNoise adds uniform noise in [-0.5, 0.5), the continuous
	// relaxation of rounding used while training.
	QuantizeModeNoise QuantizeMode = iota
	// QuantizeModeRound rounds to the nearest integer, optionally around a
	// per-element mean. No gradient survives this mode.
	QuantizeModeRound
	// QuantizeModeST rounds in the forward pass but its gradient rule
	// (QuantizeSTGrad) is the identity.
	QuantizeModeST
)

func (m QuantizeMode) String() string {
	switch m {
	case QuantizeModeNoise:
		return "noise"
	case QuantizeModeRound:
		return "quantize"
	case QuantizeModeST:
		return "straight-through"
	default:
		return fmt.Sprintf("QuantizeMode(%d)", int(m))
	}
}

// Quantizer converts continuous latents into their noisy or rounded
// representations. It owns the noise source so repeated forward calls with
// a fixed seed are reproducible.
type Quantizer struct {
	noise distuv.Uniform
}

func NewQuantizer(src rand.Source) *Quantizer {
	return &Quantizer{noise: distuv.Uniform{Min: -0.5, Max: 0.5, Src: src}}
}

// Quantize applies mode to x. means, when non-nil, must match x in size and
// is subtracted before rounding and added back after; the noise mode ignores
// it. Unrecognized modes are rejected here, at the boundary.
func (q *Quantizer) Quantize(x *tensor.Dense, mode QuantizeMode, means *tensor.Dense) (*tensor.Dense, error) {
	xs := x.Data().([]float32)
	var ms []float32
	if means != nil {
		ms = means.Data().([]float32)
		if len(ms) != len(xs) {
			return nil, fmt.Errorf("quantize: means size %d does not match input size %d", len(ms), len(xs))
		}
	}

	out := make([]float32, len(xs))
	switch mode {
	case QuantizeModeNoise:
		for i, v := range xs {
			out[i] = v + float32(q.noise.Rand())
		}
	case QuantizeModeRound:
		for i, v := range xs {
			if ms != nil {
				out[i] = roundHalfUp(v-ms[i]) + ms[i]
			} else {
				out[i] = roundHalfUp(v)
			}
		}
	case QuantizeModeST:
		st := QuantizeST(x, means)
		copy(out, st.Data().([]float32))
	default:
		return nil, fmt.Errorf("unknown quantization mode %q", mode)
	}

	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out)), nil
}

// QuantizeST is the straight-through estimator: the forward value equals
// hard rounding (around means when given), while the rounding residual is
// treated as a constant so the backward rule stays the identity.
func QuantizeST(x *tensor.Dense, means *tensor.Dense) *tensor.Dense {
	xs := x.Data().([]float32)
	var ms []float32
	if means != nil {
		ms = means.Data().([]float32)
	}

	out := make([]float32, len(xs))
	for i, v := range xs {
		if ms != nil {
			v -= ms[i]
		}
		// v + detached(round(v) - v)
		v += roundHalfUp(v) - v
		if ms != nil {
			v += ms[i]
		}
		out[i] = v
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
}

// QuantizeSTGrad is the backward rule for QuantizeST: gradient flows as if
// the quantizer were the identity function.
func QuantizeSTGrad(grad *tensor.Dense) *tensor.Dense {
	gs := grad.Data().([]float32)
	out := make([]float32, len(gs))
	copy(out, gs)
	return tensor.New(tensor.WithShape(grad.Shape()...), tensor.WithBacking(out))
}

// roundHalfUp rounds to the nearest integer with ties resolved upward,
// matching floor(x + 0.5).
func roundHalfUp(v float32) float32 {
	return float32(math.Floor(float64(v) + 0.5))
}
