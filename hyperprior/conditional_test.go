package hyperprior

import (
	"math"
	"testing"

	"github.com/perceptic/neuralcodec/maths"
)

func TestLatentLikelihoodMatchesNaiveCDF(t *testing.T) {
	x := dense(-2.5, -0.3, 0, 0.7, 4.2)
	mean := dense(0.1, -0.2, 0, 1.5, 4.0)
	scale := dense(0.11, 0.5, 1, 2, 0.25)

	for _, name := range []string{"gaussian", "logistic"} {
		cdf, err := maths.CDFByName(name)
		if err != nil {
			t.Fatal(err)
		}

		got, err := latentLikelihood(cdf, x, mean, scale, MinLikelihood)
		if err != nil {
			t.Fatal(err)
		}

		xs := x.Data().([]float32)
		ms := mean.Data().([]float32)
		ss := scale.Data().([]float32)
		gs := got.Data().([]float32)
		for i := range xs {
			// The folded evaluation must agree with the textbook form
			// CDF((x-mu+0.5)/s) - CDF((x-mu-0.5)/s) away from the tails.
			c := float64(xs[i] - ms[i])
			s := float64(ss[i])
			want := cdf((c+0.5)/s) - cdf((c-0.5)/s)
			if math.Abs(float64(gs[i])-want) > 1e-6 {
				t.Errorf("%s: element %d: likelihood %g, want %g", name, i, gs[i], want)
			}
		}
	}
}

func TestLatentLikelihoodFloor(t *testing.T) {
	// A latent 100 scales away from the mean underflows to the exact floor.
	x := dense(100)
	mean := dense(0)
	scale := dense(0.11)

	got, err := latentLikelihood(maths.CDFGaussian, x, mean, scale, MinLikelihood)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Data().([]float32)[0]; v != MinLikelihood {
		t.Fatalf("tail likelihood %g, want the exact floor", v)
	}
}

func TestLatentLikelihoodBounded(t *testing.T) {
	// At the mean with the smallest allowed scale nearly all mass falls in
	// the unit bin, but never more than 1.
	got, err := latentLikelihood(maths.CDFGaussian, dense(0), dense(0), dense(MinScale), MinLikelihood)
	if err != nil {
		t.Fatal(err)
	}
	v := got.Data().([]float32)[0]
	if v <= 0.99 || v > 1 {
		t.Fatalf("peak likelihood %f, want in (0.99, 1]", v)
	}
}

func TestLatentLikelihoodSizeMismatch(t *testing.T) {
	if _, err := latentLikelihood(maths.CDFGaussian, dense(1, 2), dense(0), dense(1, 1), MinLikelihood); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
