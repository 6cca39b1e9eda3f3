package hyperprior

import (
	"math"

	"github.com/pdevine/tensor"
)

// entropyEps keeps the logarithm finite should a likelihood ever reach the
// floor exactly.
const entropyEps = 1e-9

// estimateEntropy converts a likelihood tensor into an expected bit count
// and a bits-per-pixel estimate. spatialShape carries the pre-downsampled
// image resolution used purely for normalization.
func estimateEntropy(likelihood *tensor.Dense, spatialShape [2]int) (nBits, bpp float64) {
	batch := likelihood.Shape()[0]

	var sum float64
	for _, v := range likelihood.Data().([]float32) {
		sum += math.Log(float64(v) + entropyEps)
	}

	nBits = sum / (float64(batch) * -math.Ln2)
	bpp = nBits / float64(spatialShape[0]*spatialShape[1])
	return nBits, bpp
}

// estimateEntropyLog is the log-space variant, taking pre-computed
// log-likelihoods so the mixture path never re-exponentiates.
func estimateEntropyLog(logLikelihood *tensor.Dense, spatialShape [2]int) (nBits, bpp float64) {
	batch := logLikelihood.Shape()[0]

	var sum float64
	for _, v := range logLikelihood.Data().([]float32) {
		sum += float64(v)
	}

	nBits = sum / (float64(batch) * -math.Ln2)
	bpp = nBits / float64(spatialShape[0]*spatialShape[1])
	return nBits, bpp
}
