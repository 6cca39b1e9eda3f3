package nn

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"

	"github.com/perceptic/neuralcodec/maths"
)

// Activation is an elementwise non-linearity applied between layers.
type Activation func(float32) float32

func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func Softplus(x float32) float32 {
	return float32(maths.Softplus(float64(x)))
}

// ActivationByName resolves the configured activation. The set is closed;
// anything else is a configuration error.
func ActivationByName(name string) (Activation, error) {
	switch name {
	case "relu":
		return ReLU, nil
	case "tanh":
		return Tanh, nil
	case "softplus":
		return Softplus, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

// Apply maps f over x into a new tensor of the same shape.
func Apply(f Activation, x *tensor.Dense) *tensor.Dense {
	xs := x.Data().([]float32)
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = f(v)
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out))
}
