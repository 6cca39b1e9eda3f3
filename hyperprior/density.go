package hyperprior

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/perceptic/neuralcodec/maths"
)

// defaultDensityFilters is the width of the hidden stages of the factorized
// density model; len+1 parameter stages are created.
var defaultDensityFilters = []int{3, 3, 3}

// densityStage is one monotonic layer of the factorized density: a
// per-channel weight matrix (made non-negative through softplus), a bounded
// non-linear correction factor and a bias.
type densityStage struct {
	weight *tensor.Dense // (channels, fOut, fIn)
	scale  *tensor.Dense // (channels, fOut)
	bias   *tensor.Dense // (channels, fOut)
	fIn    int
	fOut   int
}

// FactorizedDensity is a learned, non-parametric probability model for
// hyperlatents, one independent univariate density per channel. It composes
// K+1 monotonic stages into CDF logits and derives the probability mass of
// the unit bin around each value from them.
type FactorizedDensity struct {
	channels      int
	initScale     float64
	stages        []densityStage
	minLikelihood float32
}

// NewFactorizedDensity builds the stacked density model. filters gives the
// hidden stage widths (nil selects the default of three stages of width 3).
// Weights start at the closed-form inverse-softplus value that makes the
// initial CDF slope match initScale; biases start uniform in [-0.5, 0.5).
func NewFactorizedDensity(channels int, initScale float64, filters []int, src rand.Source) *FactorizedDensity {
	if filters == nil {
		filters = defaultDensityFilters
	}
	widths := make([]int, 0, len(filters)+2)
	widths = append(widths, 1)
	widths = append(widths, filters...)
	widths = append(widths, 1)

	scale := math.Pow(initScale, 1/float64(len(filters)+1))
	u := distuv.Uniform{Min: -0.5, Max: 0.5, Src: src}

	stages := make([]densityStage, len(filters)+1)
	for k := range stages {
		fIn, fOut := widths[k], widths[k+1]

		// Inverse softplus, so softplus(weight) starts at 1/(scale*fOut).
		wInit := float32(math.Log(math.Expm1(1 / scale / float64(fOut))))
		weights := make([]float32, channels*fOut*fIn)
		for i := range weights {
			weights[i] = wInit
		}

		biases := make([]float32, channels*fOut)
		for i := range biases {
			biases[i] = float32(u.Rand())
		}

		stages[k] = densityStage{
			weight: tensor.New(tensor.WithShape(channels, fOut, fIn), tensor.WithBacking(weights)),
			scale:  tensor.New(tensor.WithShape(channels, fOut), tensor.WithBacking(make([]float32, channels*fOut))),
			bias:   tensor.New(tensor.WithShape(channels, fOut), tensor.WithBacking(biases)),
			fIn:    fIn,
			fOut:   fOut,
		}
	}

	return &FactorizedDensity{
		channels:      channels,
		initScale:     initScale,
		stages:        stages,
		minLikelihood: MinLikelihood,
	}
}

// CDFLogits evaluates the logits of the cumulative densities at x, shaped
// (channels, m), running each channel through its own monotonic stack. The
// boolean is the update-parameters flag: passing false tells the caller's
// gradient bookkeeping to leave the density parameters out of this
// evaluation. The forward value is identical either way, so the flag is
// not consumed here.
func (d *FactorizedDensity) CDFLogits(x *tensor.Dense, _ bool) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[0] != d.channels {
		return nil, fmt.Errorf("cdf logits: want (%d, m) input, got shape %v", d.channels, shape)
	}
	m := shape[1]
	xs := x.Data().([]float32)

	out := make([]float32, d.channels*m)
	for c := 0; c < d.channels; c++ {
		cur := make([]float32, m)
		copy(cur, xs[c*m:(c+1)*m])

		for _, st := range d.stages {
			ws := st.weight.Data().([]float32)[c*st.fOut*st.fIn : (c+1)*st.fOut*st.fIn]
			softplussed := make([]float32, len(ws))
			for i, w := range ws {
				softplussed[i] = float32(maths.Softplus(float64(w)))
			}

			w := tensor.New(tensor.WithShape(st.fOut, st.fIn), tensor.WithBacking(softplussed))
			in := tensor.New(tensor.WithShape(st.fIn, m), tensor.WithBacking(cur))
			prod, err := tensor.MatMul(w, in)
			if err != nil {
				return nil, fmt.Errorf("cdf logits: %w", err)
			}
			next := tensor.Materialize(prod).(*tensor.Dense).Data().([]float32)

			scales := st.scale.Data().([]float32)
			biases := st.bias.Data().([]float32)
			for r := 0; r < st.fOut; r++ {
				a := float32(math.Tanh(float64(scales[c*st.fOut+r])))
				b := biases[c*st.fOut+r]
				row := next[r*m : (r+1)*m]
				for i, v := range row {
					v += b
					row[i] = v + a*float32(math.Tanh(float64(v)))
				}
			}
			cur = next
		}

		copy(out[c*m:(c+1)*m], cur)
	}

	return tensor.New(tensor.WithShape(d.channels, m), tensor.WithBacking(out)), nil
}

// Likelihood returns the probability mass of the unit bin around each
// element of x, shaped (batch, channels, height, width). Upper and lower
// CDF logits are combined through a sign trick that keeps the sigmoid
// subtraction away from catastrophic cancellation when both values sit in
// the same tail.
func (d *FactorizedDensity) Likelihood(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != d.channels {
		return nil, fmt.Errorf("factorized likelihood: want 4-D input with %d channels, got shape %v", d.channels, shape)
	}
	batch, height, width := shape[0], shape[2], shape[3]
	plane := height * width
	m := batch * plane

	// To per-channel (channels, batch*height*width) layout.
	xs := x.Data().([]float32)
	upper := make([]float32, d.channels*m)
	lower := make([]float32, d.channels*m)
	for n := 0; n < batch; n++ {
		for c := 0; c < d.channels; c++ {
			src := xs[(n*d.channels+c)*plane : (n*d.channels+c+1)*plane]
			dstU := upper[c*m+n*plane:]
			dstL := lower[c*m+n*plane:]
			for i, v := range src {
				dstU[i] = v + 0.5
				dstL[i] = v - 0.5
			}
		}
	}

	cdfUpper, err := d.CDFLogits(tensor.New(tensor.WithShape(d.channels, m), tensor.WithBacking(upper)), true)
	if err != nil {
		return nil, err
	}
	cdfLower, err := d.CDFLogits(tensor.New(tensor.WithShape(d.channels, m), tensor.WithBacking(lower)), true)
	if err != nil {
		return nil, err
	}

	us := cdfUpper.Data().([]float32)
	ls := cdfLower.Data().([]float32)
	out := make([]float32, len(xs))
	for c := 0; c < d.channels; c++ {
		for n := 0; n < batch; n++ {
			dst := out[(n*d.channels+c)*plane : (n*d.channels+c+1)*plane]
			for i := range dst {
				u := float64(us[c*m+n*plane+i])
				l := float64(ls[c*m+n*plane+i])
				sign := 1.0
				if u+l > 0 {
					sign = -1
				}
				dst[i] = float32(math.Abs(maths.Sigmoid(sign*u) - maths.Sigmoid(sign*l)))
			}
		}
	}

	likelihood := tensor.New(tensor.WithShape(batch, d.channels, height, width), tensor.WithBacking(out))
	return maths.LowerBoundIdentity(likelihood, d.minLikelihood), nil
}
