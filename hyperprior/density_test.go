package hyperprior

import (
	"math"
	"testing"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
)

func TestFactorizedDensityCDFMonotone(t *testing.T) {
	const channels = 4
	d := NewFactorizedDensity(channels, 10, nil, rand.NewSource(11))

	// Dense grid of increasing values, shared by all channels.
	const m = 401
	backing := make([]float32, channels*m)
	for c := 0; c < channels; c++ {
		for i := 0; i < m; i++ {
			backing[c*m+i] = -20 + float32(i)*0.1
		}
	}

	logits, err := d.CDFLogits(tensor.New(tensor.WithShape(channels, m), tensor.WithBacking(backing)), true)
	if err != nil {
		t.Fatal(err)
	}

	ls := logits.Data().([]float32)
	for c := 0; c < channels; c++ {
		for i := 1; i < m; i++ {
			lo, hi := ls[c*m+i-1], ls[c*m+i]
			if hi < lo-1e-5 {
				t.Fatalf("channel %d: cdf logits decrease from %f to %f at grid step %d", c, lo, hi, i)
			}
		}
	}
}

func TestFactorizedDensityCDFDetachedMatches(t *testing.T) {
	d := NewFactorizedDensity(2, 10, nil, rand.NewSource(3))
	x := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{-1, 0, 1, -2, 0, 2}))

	attached, err := d.CDFLogits(x, true)
	if err != nil {
		t.Fatal(err)
	}
	detached, err := d.CDFLogits(x, false)
	if err != nil {
		t.Fatal(err)
	}

	as, ds := attached.Data().([]float32), detached.Data().([]float32)
	for i := range as {
		if as[i] != ds[i] {
			t.Fatalf("detached evaluation changed the forward value at %d: %f vs %f", i, as[i], ds[i])
		}
	}
}

func TestFactorizedDensityLikelihood(t *testing.T) {
	const channels = 3
	d := NewFactorizedDensity(channels, 10, nil, rand.NewSource(5))

	backing := make([]float32, 2*channels*4*4)
	for i := range backing {
		backing[i] = float32(i%9) - 4
	}
	x := tensor.New(tensor.WithShape(2, channels, 4, 4), tensor.WithBacking(backing))

	likelihood, err := d.Likelihood(x)
	if err != nil {
		t.Fatal(err)
	}

	got := likelihood.Shape()
	want := []int{2, channels, 4, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("likelihood shape %v, want %v", got, want)
		}
	}

	for i, v := range likelihood.Data().([]float32) {
		if v < MinLikelihood {
			t.Fatalf("likelihood %g below floor at %d", v, i)
		}
		if v > 1 {
			t.Fatalf("bin probability %f above 1 at %d", v, i)
		}
	}
}

func TestFactorizedDensityLikelihoodFloorInTail(t *testing.T) {
	d := NewFactorizedDensity(1, 10, nil, rand.NewSource(5))

	// Far in the tail both CDF logits saturate; the floor must hold exactly.
	x := tensor.New(tensor.WithShape(1, 1, 1, 2), tensor.WithBacking([]float32{1e6, -1e6}))
	likelihood, err := d.Likelihood(x)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range likelihood.Data().([]float32) {
		if v != MinLikelihood {
			t.Fatalf("tail likelihood %g, want the exact floor %g", v, float32(MinLikelihood))
		}
	}
}

func TestFactorizedDensityLikelihoodAtSymmetricTie(t *testing.T) {
	// With biases zeroed the stacked transform is odd, so at x = 0 the upper
	// and lower CDF logits sum to exactly zero. The bin straddling the
	// symmetry point still carries its true mass rather than collapsing to
	// the floor.
	d := NewFactorizedDensity(1, 10, nil, rand.NewSource(13))
	for _, st := range d.stages {
		bs := st.bias.Data().([]float32)
		for i := range bs {
			bs[i] = 0
		}
	}

	x := tensor.New(tensor.WithShape(1, 1, 1, 1), tensor.WithBacking([]float32{0}))
	likelihood, err := d.Likelihood(x)
	if err != nil {
		t.Fatal(err)
	}
	v := likelihood.Data().([]float32)[0]
	if v <= 0.01 || v > 1 {
		t.Fatalf("central bin mass %g, want a real probability well above the floor", v)
	}
}

func TestFactorizedDensityMassNearOne(t *testing.T) {
	d := NewFactorizedDensity(1, 10, nil, rand.NewSource(9))

	// Unit bins tiling a wide interval should collect nearly all mass.
	const lo, hi = -60, 60
	backing := make([]float32, hi-lo)
	for i := range backing {
		backing[i] = float32(lo+i) + 0.5
	}
	x := tensor.New(tensor.WithShape(1, 1, 1, len(backing)), tensor.WithBacking(backing))

	likelihood, err := d.Likelihood(x)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, v := range likelihood.Data().([]float32) {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 0.05 {
		t.Fatalf("total mass over the support = %f, want ~1", sum)
	}
}

func TestFactorizedDensityRejectsBadShapes(t *testing.T) {
	d := NewFactorizedDensity(4, 10, nil, rand.NewSource(1))

	if _, err := d.CDFLogits(tensor.New(tensor.WithShape(3, 5), tensor.WithBacking(make([]float32, 15))), true); err == nil {
		t.Fatal("expected channel mismatch error from CDFLogits")
	}
	if _, err := d.Likelihood(tensor.New(tensor.WithShape(2, 5, 4, 4), tensor.WithBacking(make([]float32, 160)))); err == nil {
		t.Fatal("expected channel mismatch error from Likelihood")
	}
}
