package hyperprior

import (
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/perceptic/neuralcodec/nn"
)

// AnalysisTransform maps latents (channels wide) to hyperlatents (filters
// wide), reducing spatial resolution 4x through two strided convolutions.
type AnalysisTransform struct {
	conv1, conv2, conv3 *nn.Conv2D
	activation          nn.Activation

	// NDownsamplingLayers lets callers pad inputs to a workable multiple.
	NDownsamplingLayers int
}

func NewAnalysisTransform(channels, filters int, activation string, src rand.Source) (*AnalysisTransform, error) {
	act, err := nn.ActivationByName(activation)
	if err != nil {
		return nil, err
	}
	return &AnalysisTransform{
		conv1:               nn.NewConv2D(channels, filters, 3, 1, 1, nn.PaddingZeros, src),
		conv2:               nn.NewConv2D(filters, filters, 5, 2, 2, nn.PaddingReflect, src),
		conv3:               nn.NewConv2D(filters, filters, 5, 2, 2, nn.PaddingReflect, src),
		activation:          act,
		NDownsamplingLayers: 2,
	}, nil
}

// DownsampleFactor is the total spatial reduction of the transform.
func (t *AnalysisTransform) DownsampleFactor() int {
	return 1 << t.NDownsamplingLayers
}

// Forward applies the three stages with activations in between and none on
// the output.
func (t *AnalysisTransform) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	x, err := t.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = t.conv2.Forward(nn.Apply(t.activation, x))
	if err != nil {
		return nil, err
	}
	return t.conv3.Forward(nn.Apply(t.activation, x))
}

// SynthesisTransform mirrors AnalysisTransform with transposed convolutions,
// mapping hyperlatents back up 4x to per-latent density parameters.
type SynthesisTransform struct {
	conv1, conv2 *nn.ConvTranspose2D
	conv3        *nn.ConvTranspose2D
	activation   nn.Activation
	final        nn.Activation // nil when no output non-linearity is configured
}

func NewSynthesisTransform(channels, filters int, activation, finalActivation string, src rand.Source) (*SynthesisTransform, error) {
	act, err := nn.ActivationByName(activation)
	if err != nil {
		return nil, err
	}
	var final nn.Activation
	if finalActivation != "" {
		if final, err = nn.ActivationByName(finalActivation); err != nil {
			return nil, err
		}
	}
	return &SynthesisTransform{
		conv1:      nn.NewConvTranspose2D(filters, filters, 5, 2, 2, 1, src),
		conv2:      nn.NewConvTranspose2D(filters, filters, 5, 2, 2, 1, src),
		conv3:      nn.NewConvTranspose2D(filters, channels, 3, 1, 1, 0, src),
		activation: act,
		final:      final,
	}, nil
}

func (t *SynthesisTransform) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	x, err := t.conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = t.conv2.Forward(nn.Apply(t.activation, x))
	if err != nil {
		return nil, err
	}
	x, err = t.conv3.Forward(nn.Apply(t.activation, x))
	if err != nil {
		return nil, err
	}
	if t.final != nil {
		x = nn.Apply(t.final, x)
	}
	return x, nil
}

// SynthesisTransformDLMM is the mixture-model variant: one synthesis tower
// followed by a 1x1 convolution expanding to the 3*C*K mixture parameter
// channels.
type SynthesisTransformDLMM struct {
	tower   *SynthesisTransform
	convOut *nn.Conv2D
}

func NewSynthesisTransformDLMM(channels, filters, mixtureComponents int, activation string, src rand.Source) (*SynthesisTransformDLMM, error) {
	tower, err := NewSynthesisTransform(channels, filters, activation, "", src)
	if err != nil {
		return nil, err
	}
	return &SynthesisTransformDLMM{
		tower:   tower,
		convOut: nn.NewConv2D(channels, NumDLMMChannels(channels, mixtureComponents), 1, 1, 0, nn.PaddingZeros, src),
	}, nil
}

func (t *SynthesisTransformDLMM) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	x, err := t.tower.Forward(x)
	if err != nil {
		return nil, err
	}
	return t.convOut.Forward(x)
}
