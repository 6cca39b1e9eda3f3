// Package nn provides the convolutional building blocks used by the
// analysis and synthesis transforms. Tensors are dense NCHW float32.
package nn

import (
	"fmt"
	"math"
	"runtime"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

// PaddingMode selects how spatial borders are filled before convolving.
type PaddingMode int

const (
	PaddingZeros PaddingMode = iota
	PaddingReflect
)

// Conv2D is a strided 2-D convolution over (batch, channel, height, width)
// tensors with a square kernel.
type Conv2D struct {
	Weight *tensor.Dense // (outChannels, inChannels, kernel, kernel)
	Bias   []float32     // (outChannels)

	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	PadMode     PaddingMode
}

// NewConv2D initializes weights and bias uniformly in ±1/sqrt(fanIn).
func NewConv2D(inChannels, outChannels, kernel, stride, padding int, mode PaddingMode, src rand.Source) *Conv2D {
	fanIn := inChannels * kernel * kernel
	bound := 1 / sqrt32(fanIn)
	u := distuv.Uniform{Min: -float64(bound), Max: float64(bound), Src: src}

	weights := make([]float32, outChannels*inChannels*kernel*kernel)
	for i := range weights {
		weights[i] = float32(u.Rand())
	}
	bias := make([]float32, outChannels)
	for i := range bias {
		bias[i] = float32(u.Rand())
	}

	return &Conv2D{
		Weight:      tensor.New(tensor.WithShape(outChannels, inChannels, kernel, kernel), tensor.WithBacking(weights)),
		Bias:        bias,
		InChannels:  inChannels,
		OutChannels: outChannels,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		PadMode:     mode,
	}
}

// Forward convolves x, shaped (batch, inChannels, height, width).
func (c *Conv2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv2d: want 4-D input with %d channels, got shape %v", c.InChannels, shape)
	}
	batch, height, width := shape[0], shape[2], shape[3]

	padded, ph, pw := pad2d(x.Data().([]float32), batch, c.InChannels, height, width, c.Padding, c.PadMode)
	outH := (ph-c.Kernel)/c.Stride + 1
	outW := (pw-c.Kernel)/c.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d: input %dx%d too small for kernel %d stride %d", height, width, c.Kernel, c.Stride)
	}

	out := make([]float32, batch*c.OutChannels*outH*outW)
	weights := c.Weight.Data().([]float32)

	// Output channels are independent; the backend parallelizes across them.
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for n := 0; n < batch; n++ {
		for co := 0; co < c.OutChannels; co++ {
			g.Go(func() error {
				oBase := (n*c.OutChannels + co) * outH * outW
				wBase := co * c.InChannels * c.Kernel * c.Kernel
				for oi := 0; oi < outH; oi++ {
					for oj := 0; oj < outW; oj++ {
						acc := c.Bias[co]
						i0, j0 := oi*c.Stride, oj*c.Stride
						for ci := 0; ci < c.InChannels; ci++ {
							iBase := (n*c.InChannels + ci) * ph * pw
							wc := wBase + ci*c.Kernel*c.Kernel
							for ki := 0; ki < c.Kernel; ki++ {
								row := iBase + (i0+ki)*pw + j0
								wrow := wc + ki*c.Kernel
								for kj := 0; kj < c.Kernel; kj++ {
									acc += padded[row+kj] * weights[wrow+kj]
								}
							}
						}
						out[oBase+oi*outW+oj] = acc
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensor.New(tensor.WithShape(batch, c.OutChannels, outH, outW), tensor.WithBacking(out)), nil
}

// ConvTranspose2D is a strided 2-D transposed convolution, the upsampling
// mirror of Conv2D.
type ConvTranspose2D struct {
	Weight *tensor.Dense // (inChannels, outChannels, kernel, kernel)
	Bias   []float32     // (outChannels)

	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	OutputPad   int
}

// NewConvTranspose2D initializes weights and bias uniformly in ±1/sqrt(fanIn).
func NewConvTranspose2D(inChannels, outChannels, kernel, stride, padding, outputPad int, src rand.Source) *ConvTranspose2D {
	fanIn := outChannels * kernel * kernel
	bound := 1 / sqrt32(fanIn)
	u := distuv.Uniform{Min: -float64(bound), Max: float64(bound), Src: src}

	weights := make([]float32, inChannels*outChannels*kernel*kernel)
	for i := range weights {
		weights[i] = float32(u.Rand())
	}
	bias := make([]float32, outChannels)
	for i := range bias {
		bias[i] = float32(u.Rand())
	}

	return &ConvTranspose2D{
		Weight:      tensor.New(tensor.WithShape(inChannels, outChannels, kernel, kernel), tensor.WithBacking(weights)),
		Bias:        bias,
		InChannels:  inChannels,
		OutChannels: outChannels,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		OutputPad:   outputPad,
	}
}

// Forward upsamples x, shaped (batch, inChannels, height, width), to
// ((height-1)*stride - 2*padding + kernel + outputPad) spatial size.
func (c *ConvTranspose2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv_transpose2d: want 4-D input with %d channels, got shape %v", c.InChannels, shape)
	}
	batch, height, width := shape[0], shape[2], shape[3]

	outH := (height-1)*c.Stride - 2*c.Padding + c.Kernel + c.OutputPad
	outW := (width-1)*c.Stride - 2*c.Padding + c.Kernel + c.OutputPad
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv_transpose2d: input %dx%d collapses under padding %d", height, width, c.Padding)
	}

	xs := x.Data().([]float32)
	weights := c.Weight.Data().([]float32)
	out := make([]float32, batch*c.OutChannels*outH*outW)

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for n := 0; n < batch; n++ {
		for co := 0; co < c.OutChannels; co++ {
			g.Go(func() error {
				oBase := (n*c.OutChannels + co) * outH * outW
				for i := range out[oBase : oBase+outH*outW] {
					out[oBase+i] = c.Bias[co]
				}
				for ci := 0; ci < c.InChannels; ci++ {
					iBase := (n*c.InChannels + ci) * height * width
					wBase := (ci*c.OutChannels + co) * c.Kernel * c.Kernel
					for i := 0; i < height; i++ {
						for j := 0; j < width; j++ {
							v := xs[iBase+i*width+j]
							for ki := 0; ki < c.Kernel; ki++ {
								oi := i*c.Stride - c.Padding + ki
								if oi < 0 || oi >= outH {
									continue
								}
								for kj := 0; kj < c.Kernel; kj++ {
									oj := j*c.Stride - c.Padding + kj
									if oj < 0 || oj >= outW {
										continue
									}
									out[oBase+oi*outW+oj] += v * weights[wBase+ki*c.Kernel+kj]
								}
							}
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensor.New(tensor.WithShape(batch, c.OutChannels, outH, outW), tensor.WithBacking(out)), nil
}

// pad2d fills a (batch, channels, height+2p, width+2p) buffer from the NCHW
// input. Reflect padding mirrors interior samples without repeating the edge.
func pad2d(xs []float32, batch, channels, height, width, p int, mode PaddingMode) ([]float32, int, int) {
	if p == 0 {
		return xs, height, width
	}
	ph, pw := height+2*p, width+2*p
	out := make([]float32, batch*channels*ph*pw)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			src := xs[(n*channels+c)*height*width:]
			dst := out[(n*channels+c)*ph*pw:]
			for i := 0; i < ph; i++ {
				si, ok := reflectIndex(i-p, height, mode)
				if !ok {
					continue
				}
				for j := 0; j < pw; j++ {
					sj, ok := reflectIndex(j-p, width, mode)
					if !ok {
						continue
					}
					dst[i*pw+j] = src[si*width+sj]
				}
			}
		}
	}
	return out, ph, pw
}

func reflectIndex(i, n int, mode PaddingMode) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	if mode == PaddingZeros {
		return 0, false
	}
	if i < 0 {
		return -i, true
	}
	return 2*n - 2 - i, true
}

func sqrt32(n int) float32 {
	return float32(math.Sqrt(float64(n)))
}
