package hyperprior

import (
	"math"
	"testing"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestEstimateEntropyHalfBins(t *testing.T) {
	// Every element carrying probability 1/2 costs exactly one bit.
	backing := make([]float32, 2*1*4*4)
	for i := range backing {
		backing[i] = 0.5
	}
	likelihood := tensor.New(tensor.WithShape(2, 1, 4, 4), tensor.WithBacking(backing))

	nBits, bpp := estimateEntropy(likelihood, [2]int{4, 4})
	if math.Abs(nBits-16) > 1e-4 {
		t.Errorf("nBits = %f, want 16", nBits)
	}
	if math.Abs(bpp-1) > 1e-4 {
		t.Errorf("bpp = %f, want 1", bpp)
	}
}

func TestEstimateEntropyNonNegative(t *testing.T) {
	u := distuv.Uniform{Min: 1e-9, Max: 1, Src: rand.NewSource(3)}
	backing := make([]float32, 3*2*8*8)
	for i := range backing {
		backing[i] = float32(u.Rand())
	}
	likelihood := tensor.New(tensor.WithShape(3, 2, 8, 8), tensor.WithBacking(backing))

	nBits, bpp := estimateEntropy(likelihood, [2]int{32, 32})
	if nBits < 0 || bpp < 0 {
		t.Fatalf("negative entropy estimate: nBits=%f bpp=%f", nBits, bpp)
	}
}

func TestEstimateEntropyFlooredLikelihood(t *testing.T) {
	// A likelihood at the floor must still produce a finite bit count.
	backing := []float32{MinLikelihood, MinLikelihood, MinLikelihood, MinLikelihood}
	likelihood := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(backing))

	nBits, bpp := estimateEntropy(likelihood, [2]int{2, 2})
	if math.IsInf(nBits, 0) || math.IsNaN(nBits) || math.IsInf(bpp, 0) || math.IsNaN(bpp) {
		t.Fatalf("entropy estimate not finite: nBits=%f bpp=%f", nBits, bpp)
	}
	if nBits <= 0 {
		t.Fatalf("floored likelihood should cost bits, got %f", nBits)
	}
}

func TestEstimateEntropyLogMatches(t *testing.T) {
	u := distuv.Uniform{Min: 0.01, Max: 1, Src: rand.NewSource(5)}
	lin := make([]float32, 2*3*4*4)
	logs := make([]float32, len(lin))
	for i := range lin {
		v := u.Rand()
		lin[i] = float32(v)
		logs[i] = float32(math.Log(v))
	}

	shape := []int{2, 3, 4, 4}
	nBits, bpp := estimateEntropy(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(lin)), [2]int{4, 4})
	nBitsLog, bppLog := estimateEntropyLog(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(logs)), [2]int{4, 4})

	if math.Abs(nBits-nBitsLog) > 1e-3 {
		t.Errorf("nBits %f (linear) vs %f (log)", nBits, nBitsLog)
	}
	if math.Abs(bpp-bppLog) > 1e-4 {
		t.Errorf("bpp %f (linear) vs %f (log)", bpp, bppLog)
	}
}
