// Package hyperprior implements the rate-estimation core of a learned image
// codec: a learned factorized density over hyperlatents, conditional latent
// densities parameterized by synthesis transforms, quantization, and the
// entropy estimates (bits-per-pixel) driving rate-distortion training.
package hyperprior

import (
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/perceptic/neuralcodec/maths"
)

const (
	// MinScale is the lower bound enforced on synthesized scales.
	MinScale = 0.11
	// LogScalesMin is the lower bound enforced on mixture log-scales.
	LogScalesMin = -3.0
	// MinLikelihood floors every evaluated likelihood so a downstream
	// logarithm never sees zero.
	MinLikelihood = 1e-9
	// MaxLikelihood is the nominal upper range of likelihood values. It is
	// not actively enforced; only the lower bound carries gradient-preserving
	// semantics.
	MaxLikelihood = 1e3

	SmallHyperlatentFilters = 192
	LargeHyperlatentFilters = 320

	defaultInitScale         = 10.0
	defaultMixtureComponents = 4
)

// HyperInfo is the self-describing result of one forward evaluation.
// The nbpp fields are differentiable (noise-relaxed) estimates feeding the
// rate-distortion loss; the qbpp fields are the discrete estimates used for
// evaluation and logging only. Bitstring and SideBitstring stay nil: real
// entropy coding is an external collaborator, only the rate estimate lives
// here.
type HyperInfo struct {
	Decoded *tensor.Dense

	LatentNBPP      float64
	HyperlatentNBPP float64
	TotalNBPP       float64

	LatentQBPP      float64
	HyperlatentQBPP float64
	TotalQBPP       float64

	Bitstring     []byte
	SideBitstring []byte
}

// Config carries the recognized construction options for both orchestrator
// variants. Zero values select the defaults noted on the fields.
type Config struct {
	// BottleneckCapacity is the channel count of the latents (default 220
	// for Hyperprior, 64 for HyperpriorDLMM).
	BottleneckCapacity int
	// HyperlatentFilters is the width of the hyperlatent analysis and
	// synthesis transforms (default 320; forced to 192 in "small" mode).
	HyperlatentFilters int
	// Mode is "large" (default) or "small".
	Mode string
	// LikelihoodType selects the standardized CDF: "gaussian" (default) or
	// "logistic".
	LikelihoodType string
	// ScaleLowerBound floors synthesized scales (default 0.11).
	ScaleLowerBound float64
	// MixtureComponents is the DLMM component count K (default 4).
	MixtureComponents int
	// Seed fixes the noise and initialization source.
	Seed uint64
}

func (c Config) withDefaults(defaultBottleneck int) (Config, error) {
	if c.BottleneckCapacity == 0 {
		c.BottleneckCapacity = defaultBottleneck
	}
	switch c.Mode {
	case "", "large":
		c.Mode = "large"
		if c.HyperlatentFilters == 0 {
			c.HyperlatentFilters = LargeHyperlatentFilters
		}
	case "small":
		c.HyperlatentFilters = SmallHyperlatentFilters
	default:
		return c, fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.LikelihoodType == "" {
		c.LikelihoodType = "gaussian"
	}
	if c.ScaleLowerBound == 0 {
		c.ScaleLowerBound = MinScale
	}
	if c.MixtureComponents == 0 {
		c.MixtureComponents = defaultMixtureComponents
	}
	return c, nil
}

// Hyperprior composes the analysis transform, the factorized hyperlatent
// density, the mean/scale synthesis pair and the conditional latent density
// into one forward pass over a latent tensor.
type Hyperprior struct {
	cfg Config

	analysis       *AnalysisTransform
	synthesisMean  *SynthesisTransform
	synthesisScale *SynthesisTransform

	hyperlatentDensity *FactorizedDensity
	cdf                maths.StandardizedCDF
	quantizer          *Quantizer

	training bool
}

// NewHyperprior builds the gaussian/logistic variant. Configuration errors
// (unknown likelihood type or mode) surface here and are never retried.
func NewHyperprior(cfg Config) (*Hyperprior, error) {
	cfg, err := cfg.withDefaults(220)
	if err != nil {
		return nil, err
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
	synthesisMean, err := NewSynthesisTransform(cfg.BottleneckCapacity, cfg.HyperlatentFilters, "relu", "", src)
	if err != nil {
		return nil, err
	}
	synthesisScale, err := NewSynthesisTransform(cfg.BottleneckCapacity, cfg.HyperlatentFilters, "relu", "", src)
	if err != nil {
		return nil, err
	}

	slog.Debug("hyperprior", "bottleneck", cfg.BottleneckCapacity, "filters", cfg.HyperlatentFilters, "likelihood", cfg.LikelihoodType)

	return &Hyperprior{
		cfg:                cfg,
		analysis:           analysis,
		synthesisMean:      synthesisMean,
		synthesisScale:     synthesisScale,
		hyperlatentDensity: NewFactorizedDensity(cfg.HyperlatentFilters, defaultInitScale, nil, src),
		cdf:                cdf,
		quantizer:          NewQuantizer(src),
		training:           true,
	}, nil
}

// Train toggles between the training path (noisy hyperlatents feed the
// synthesis transforms) and the inference path (quantized hyperlatents do).
func (h *Hyperprior) Train(on bool) {
	h.training = on
}

// Forward estimates the rate of latents, shaped (batch, bottleneck, h, w).
// spatialShape is the pre-downsampled image resolution used for the
// bits-per-pixel normalization. Both the noisy and the quantized bit
// estimates are always computed: the loss needs the former, evaluation the
// latter.
func (h *Hyperprior) Forward(latents *tensor.Dense, spatialShape [2]int) (*HyperInfo, error) {
	if err := h.checkLatents(latents); err != nil {
		return nil, err
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

	means, err := h.synthesisMean.Forward(decodedHyper)
	if err != nil {
		return nil, err
	}
	scales, err := h.synthesisScale.Forward(decodedHyper)
	if err != nil {
		return nil, err
	}
	scales = maths.LowerBoundToward(scales, float32(h.cfg.ScaleLowerBound))

	noisyLatents, err := h.quantizer.Quantize(latents, QuantizeModeNoise, means)
	if err != nil {
		return nil, err
	}
	noisyLikelihood, err := latentLikelihood(h.cdf, noisyLatents, means, scales, MinLikelihood)
	if err != nil {
		return nil, err
	}
	_, latentNBPP := estimateEntropy(noisyLikelihood, spatialShape)

	quantLatents, err := h.quantizer.Quantize(latents, QuantizeModeRound, means)
	if err != nil {
		return nil, err
	}
	quantLikelihood, err := latentLikelihood(h.cdf, quantLatents, means, scales, MinLikelihood)
	if err != nil {
		return nil, err
	}
	_, latentQBPP := estimateEntropy(quantLikelihood, spatialShape)

	// The decoder always receives the straight-through quantized latents so
	// it can be trained against inference-parity inputs.
	decoded := QuantizeST(latents, means)

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

// hyperlatentRate computes the noisy and quantized hyperlatent tensors and
// their bpp estimates under the factorized density. Both variants share it.
func hyperlatentRate(q *Quantizer, d *FactorizedDensity, hyperlatents *tensor.Dense, spatialShape [2]int) (noisy *tensor.Dense, noisyBPP float64, quantized *tensor.Dense, quantizedBPP float64, err error) {
	noisy, err = q.Quantize(hyperlatents, QuantizeModeNoise, nil)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	noisyLikelihood, err := d.Likelihood(noisy)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	_, noisyBPP = estimateEntropy(noisyLikelihood, spatialShape)

	quantized, err = q.Quantize(hyperlatents, QuantizeModeRound, nil)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	quantizedLikelihood, err := d.Likelihood(quantized)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	_, quantizedBPP = estimateEntropy(quantizedLikelihood, spatialShape)

	return noisy, noisyBPP, quantized, quantizedBPP, nil
}

func (h *Hyperprior) checkLatents(latents *tensor.Dense) error {
	shape := latents.Shape()
	if len(shape) != 4 || shape[1] != h.cfg.BottleneckCapacity {
		return fmt.Errorf("hyperprior: want 4-D latents with %d channels, got shape %v", h.cfg.BottleneckCapacity, shape)
	}
	return nil
}
