package maths

import (
	"math"
	"testing"

	"github.com/pdevine/tensor"
)

func dense(vals ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(vals)), tensor.WithBacking(vals))
}

func compareFloats(t *testing.T, name string, want []float32, got *tensor.Dense) {
	t.Helper()
	gs := got.Data().([]float32)
	if len(gs) != len(want) {
		t.Fatalf("%s: length mismatch: want %d, got %d", name, len(want), len(gs))
	}
	for i := range want {
		if math.Abs(float64(gs[i]-want[i])) > 1e-6 {
			t.Errorf("%s: index %d: want %f, got %f", name, i, want[i], gs[i])
		}
	}
}

func TestLowerBoundToward(t *testing.T) {
	x := dense(-1, 0, 0.05, 0.11, 2)
	got := LowerBoundToward(x, 0.11)
	compareFloats(t, "forward", []float32{0.11, 0.11, 0.11, 0.11, 2}, got)

	// The input is untouched.
	compareFloats(t, "input", []float32{-1, 0, 0.05, 0.11, 2}, x)
}

func TestLowerBoundTowardGrad(t *testing.T) {
	x := dense(-1, -1, 0.5, 0.5)
	grad := dense(1, -1, 1, -1)

	// Clamped elements only pass gradient that pulls them up toward the
	// bound (negative under gradient descent); unclamped pass everything.
	got := LowerBoundTowardGrad(x, 0, grad)
	compareFloats(t, "grad", []float32{0, -1, 1, -1}, got)
}

func TestUpperBoundToward(t *testing.T) {
	x := dense(-1, 3, 5)
	compareFloats(t, "forward", []float32{-1, 3, 3}, UpperBoundToward(x, 3))

	grad := dense(-1, 1, -1)
	got := UpperBoundTowardGrad(x, 3, grad)
	compareFloats(t, "grad", []float32{-1, 1, 0}, got)

	grad = dense(1, 1, 1)
	got = UpperBoundTowardGrad(x, 3, grad)
	compareFloats(t, "grad pushdown", []float32{1, 1, 1}, got)
}

func TestLowerBoundIdentity(t *testing.T) {
	x := dense(-5, 0, 5)
	compareFloats(t, "forward", []float32{1, 1, 5}, LowerBoundIdentity(x, 1))

	// Gradient is the identity regardless of which elements were clamped.
	grad := dense(3, -2, 0.5)
	compareFloats(t, "grad", []float32{3, -2, 0.5}, LowerBoundIdentityGrad(grad))
}

func TestCDFByName(t *testing.T) {
	for _, name := range []string{"gaussian", "logistic"} {
		cdf, err := CDFByName(name)
		if err != nil {
			t.Fatalf("CDFByName(%q): %v", name, err)
		}
		if got := cdf(0); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("%s CDF(0) = %f, want 0.5", name, got)
		}
	}

	if _, err := CDFByName("laplacian"); err == nil {
		t.Fatal("CDFByName(laplacian): expected error")
	}
}

func TestCDFGaussian(t *testing.T) {
	cases := []struct {
		x, want float64
	}{
		{0, 0.5},
		{1.959963984540054, 0.975},
		{-1.959963984540054, 0.025},
	}
	for _, tt := range cases {
		if got := CDFGaussian(tt.x); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("CDFGaussian(%f) = %f, want %f", tt.x, got, tt.want)
		}
	}

	// Symmetry 1 - CDF(x) = CDF(-x), relied on by the likelihood folding.
	for _, x := range []float64{0.1, 0.5, 1, 3, 7} {
		if got := CDFGaussian(x) + CDFGaussian(-x); math.Abs(got-1) > 1e-12 {
			t.Errorf("CDFGaussian symmetry at %f: sum %f", x, got)
		}
	}
}

func TestCDFLogistic(t *testing.T) {
	if got := CDFLogistic(math.Log(3)); math.Abs(got-0.75) > 1e-12 {
		t.Errorf("CDFLogistic(ln 3) = %f, want 0.75", got)
	}
	if got := CDFLogistic(-800); got != 0 && got > 1e-300 {
		t.Errorf("CDFLogistic(-800) = %g, want ~0 without NaN", got)
	}

	prev := -1.0
	for x := -20.0; x <= 20; x += 0.25 {
		cur := CDFLogistic(x)
		if cur < prev {
			t.Fatalf("CDFLogistic not monotone at %f", x)
		}
		prev = cur
	}
}

func TestSoftplus(t *testing.T) {
	if got := Softplus(0); math.Abs(got-math.Ln2) > 1e-12 {
		t.Errorf("Softplus(0) = %f, want ln 2", got)
	}
	if got := Softplus(200); got != 200 {
		t.Errorf("Softplus(200) = %f, want 200", got)
	}
	if got := Softplus(-100); got <= 0 {
		t.Errorf("Softplus(-100) = %g, want positive", got)
	}
}

func TestLogSumExp(t *testing.T) {
	if got := LogSumExp([]float64{math.Log(1), math.Log(3)}); math.Abs(got-math.Log(4)) > 1e-12 {
		t.Errorf("LogSumExp(log 1, log 3) = %f, want log 4", got)
	}

	// Stability: naive exp would overflow.
	if got := LogSumExp([]float64{1000, 1000}); math.Abs(got-(1000+math.Ln2)) > 1e-9 {
		t.Errorf("LogSumExp(1000, 1000) = %f, want 1000+ln 2", got)
	}

	if got := LogSumExp([]float64{math.Inf(-1), math.Inf(-1)}); !math.IsInf(got, -1) {
		t.Errorf("LogSumExp(-inf, -inf) = %f, want -inf", got)
	}
}

func TestLogSoftmax(t *testing.T) {
	xs := []float64{1, 2, 3, -1}
	out := make([]float64, len(xs))
	LogSoftmax(xs, out)

	var sum float64
	for _, v := range out {
		if v > 0 {
			t.Errorf("log-softmax value %f > 0", v)
		}
		sum += math.Exp(v)
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("softmax sums to %f, want 1", sum)
	}

	// In-place aliasing is allowed.
	LogSoftmax(xs, xs)
	for i := range xs {
		if math.Abs(xs[i]-out[i]) > 1e-12 {
			t.Fatalf("aliased log-softmax diverges at %d", i)
		}
	}
}
