package hyperprior

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/perceptic/neuralcodec/maths"
)

// maxDLMMBottleneck guards against mixture parameter tensors (K components
// per channel, three parameters each) outgrowing memory. It is a safety
// limit, not an algorithmic one.
const maxDLMMBottleneck = 128

// NumDLMMChannels is the synthesis output width for a discretized logistic
// mixture over channels latent channels with k components: one weight, one
// mean and one log-scale per component.
func NumDLMMChannels(channels, k int) int {
	return 3 * channels * k
}

// dlmmParams are the unpacked mixture parameters, each shaped
// (batch, channels, k, height, width).
type dlmmParams struct {
	logitWeights *tensor.Dense
	means        *tensor.Dense
	logScales    *tensor.Dense
	k            int
}

// unpackDLMMParams splits a (batch, 3*channels*k, height, width) synthesis
// output into per-component weight, mean and log-scale tensors. The packed
// channel axis is ordered parameter-major: all weights, then all means, then
// all log-scales, each as channels*k contiguous planes. Log-scales are
// floored at LogScalesMin on the way out.
func unpackDLMMParams(convOut *tensor.Dense, channels int) (*dlmmParams, error) {
	shape := convOut.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("dlmm unpack: want 4-D synthesis output, got shape %v", shape)
	}
	batch, packed, height, width := shape[0], shape[1], shape[2], shape[3]
	if packed%(3*channels) != 0 {
		return nil, fmt.Errorf("dlmm unpack: %d output channels not divisible by 3*%d", packed, channels)
	}
	k := packed / (3 * channels)

	src := convOut.Data().([]float32)
	plane := height * width
	size := batch * channels * k * plane
	params := [3][]float32{
		make([]float32, size),
		make([]float32, size),
		make([]float32, size),
	}

	for n := 0; n < batch; n++ {
		for p := 0; p < 3; p++ {
			// Channel p*channels*k + c*k + kk of the packed tensor holds
			// parameter p of component kk for latent channel c.
			base := (n*packed + p*channels*k) * plane
			dst := params[p][n*channels*k*plane:]
			copy(dst[:channels*k*plane], src[base:base+channels*k*plane])
		}
	}

	logScales := tensor.New(tensor.WithShape(batch, channels, k, height, width), tensor.WithBacking(params[2]))
	return &dlmmParams{
		logitWeights: tensor.New(tensor.WithShape(batch, channels, k, height, width), tensor.WithBacking(params[0])),
		means:        tensor.New(tensor.WithShape(batch, channels, k, height, width), tensor.WithBacking(params[1])),
		logScales:    maths.LowerBoundToward(logScales, LogScalesMin),
		k:            k,
	}, nil
}

// latentLogLikelihoodDLMM evaluates the log probability mass of the unit bin
// around each latent under the mixture: per-component log pmf via the
// symmetric-CDF trick, mixture weights normalized through log-softmax, and
// the components combined with log-sum-exp so widely different component
// probabilities neither overflow nor vanish.
func latentLogLikelihoodDLMM(cdf maths.StandardizedCDF, x *tensor.Dense, params *dlmmParams) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("dlmm likelihood: want 4-D latents, got shape %v", shape)
	}
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	plane := height * width
	k := params.k

	xs := x.Data().([]float32)
	ws := params.logitWeights.Data().([]float32)
	ms := params.means.Data().([]float32)
	ss := params.logScales.Data().([]float32)
	if len(ws) != len(xs)*k {
		return nil, fmt.Errorf("dlmm likelihood: parameter size %d does not match %d latents with %d components", len(ws), len(xs), k)
	}

	out := make([]float32, len(xs))
	logits := make([]float64, k)
	logPMF := make([]float64, k)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			for i := 0; i < plane; i++ {
				v := float64(xs[(n*channels+c)*plane+i])
				for kk := 0; kk < k; kk++ {
					idx := ((n*channels+c)*k+kk)*plane + i
					centered := math.Abs(v - float64(ms[idx]))
					invScale := math.Exp(-float64(ss[idx]))
					pmf := cdf(invScale*(0.5-centered)) - cdf(invScale*(-0.5-centered))
					if pmf < MinLikelihood {
						pmf = MinLikelihood
					}
					logits[kk] = float64(ws[idx])
					logPMF[kk] = math.Log(pmf)
				}
				maths.LogSoftmax(logits, logits)
				for kk := range logPMF {
					logPMF[kk] += logits[kk]
				}
				out[(n*channels+c)*plane+i] = float32(maths.LogSumExp(logPMF))
			}
		}
	}

	return tensor.New(tensor.WithShape(batch, channels, height, width), tensor.WithBacking(out)), nil
}

// HyperpriorDLMM composes the analysis transform, the factorized hyperlatent
// density and a single synthesis tower into a forward pass whose latent
// density is a discretized logistic mixture.
type HyperpriorDLMM struct {
	cfg Config

	analysis  *AnalysisTransform
	synthesis *SynthesisTransformDLMM

	hyperlatentDensity *FactorizedDensity
	cdf                maths.StandardizedCDF
	quantizer          *Quantizer

	training bool
}

// NewHyperpriorDLMM builds the mixture variant. Besides the shared
// configuration errors, bottleneck capacities above 128 channels are
// rejected outright.
func NewHyperpriorDLMM(cfg Config) (*HyperpriorDLMM, error) {
	cfg, err := cfg.withDefaults(64)
	if err != nil {
		return nil, err
	}
	if cfg.BottleneckCapacity > maxDLMMBottleneck {
		return nil, fmt.Errorf("dlmm bottleneck capacity %d exceeds the %d-channel memory guard", cfg.BottleneckCapacity, maxDLMMBottleneck)
	}

	cdf, err := maths.CDFByName(cfg.LikelihoodType)
	if err != nil {
		return nil, err
	}

	src := rand.NewSource(cfg.Seed)
	analysis, err := NewAnalysisTransform(cfg.BottleneckCapacity, cfg.HyperlatentFilters, "relu", src)
	if err != nil {
		return nil, err
	}
	synthesis, err := NewSynthesisTransformDLMM(cfg.BottleneckCapacity, cfg.HyperlatentFilters, cfg.MixtureComponents, "relu", src)
	if err != nil {
		return nil, err
	}

	slog.Debug("hyperprior dlmm", "bottleneck", cfg.BottleneckCapacity, "filters", cfg.HyperlatentFilters, "components", cfg.MixtureComponents)

	return &HyperpriorDLMM{
		cfg:                cfg,
		analysis:           analysis,
		synthesis:          synthesis,
		hyperlatentDensity: NewFactorizedDensity(cfg.HyperlatentFilters, defaultInitScale, nil, src),
		cdf:                cdf,
		quantizer:          NewQuantizer(src),
		training:           true,
	}, nil
}

// Train toggles the training path, as on Hyperprior.
func (h *HyperpriorDLMM) Train(on bool) {
	h.training = on
}

// Forward estimates the rate of latents under the mixture density. Unlike
// the gaussian variant, latents are quantized without mean-centering: the
// mixture carries per-component locations, so both quantization views feed
// the likelihood as-is.
func (h *HyperpriorDLMM) Forward(latents *tensor.Dense, spatialShape [2]int) (*HyperInfo, error) {
	shape := latents.Shape()
	if len(shape) != 4 || shape[1] != h.cfg.BottleneckCapacity {
		return nil, fmt.Errorf("hyperprior dlmm: want 4-D latents with %d channels, got shape %v", h.cfg.BottleneckCapacity, shape)
	}

	hyperlatents, err := h.analysis.Forward(latents)
	if err != nil {
		return nil, err
	}

	noisyHyper, noisyHyperBPP, quantHyper, quantHyperBPP, err := hyperlatentRate(h.quantizer, h.hyperlatentDensity, hyperlatents, spatialShape)
	if err != nil {
		return nil, err
	}

	decodedHyper := quantHyper
	if h.training {
		decodedHyper = noisyHyper
	}

	synthOut, err := h.synthesis.Forward(decodedHyper)
	if err != nil {
		return nil, err
	}
	params, err := unpackDLMMParams(synthOut, h.cfg.BottleneckCapacity)
	if err != nil {
		return nil, err
	}

	noisyLatents, err := h.quantizer.Quantize(latents, QuantizeModeNoise, nil)
	if err != nil {
		return nil, err
	}
	noisyLogLikelihood, err := latentLogLikelihoodDLMM(h.cdf, noisyLatents, params)
	if err != nil {
		return nil, err
	}
	_, latentNBPP := estimateEntropyLog(noisyLogLikelihood, spatialShape)

	quantLatents, err := h.quantizer.Quantize(latents, QuantizeModeRound, nil)
	if err != nil {
		return nil, err
	}
	quantLogLikelihood, err := latentLogLikelihoodDLMM(h.cdf, quantLatents, params)
	if err != nil {
		return nil, err
	}
	_, latentQBPP := estimateEntropyLog(quantLogLikelihood, spatialShape)

	decoded := quantLatents
	if h.training {
		decoded = QuantizeST(latents, nil)
	}

	return &HyperInfo{
		Decoded:         decoded,
		LatentNBPP:      latentNBPP,
		HyperlatentNBPP: noisyHyperBPP,
		TotalNBPP:       latentNBPP + noisyHyperBPP,
		LatentQBPP:      latentQBPP,
		HyperlatentQBPP: quantHyperBPP,
		TotalQBPP:       latentQBPP + quantHyperBPP,
	}, nil
}
