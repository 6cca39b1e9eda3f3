package hyperprior

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// PadFactor reflect-pads the bottom and right edges of a 4-D tensor so its
// spatial dimensions become multiples of factor, as the analysis transform's
// strided downsampling expects.
func PadFactor(x *tensor.Dense, factor int) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("pad factor: want 4-D input, got shape %v", shape)
	}
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	padH := (factor - height%factor) % factor
	padW := (factor - width%factor) % factor
	if padH == 0 && padW == 0 {
		return x, nil
	}
	if padH >= height || padW >= width {
		return nil, fmt.Errorf("pad factor: input %dx%d too small to reflect-pad to a multiple of %d", height, width, factor)
	}

	outH, outW := height+padH, width+padW
	xs := x.Data().([]float32)
	out := make([]float32, batch*channels*outH*outW)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			src := xs[(n*channels+c)*height*width:]
			dst := out[(n*channels+c)*outH*outW:]
			for i := 0; i < outH; i++ {
				si := i
				if si >= height {
					si = 2*height - 2 - si
				}
				for j := 0; j < outW; j++ {
					sj := j
					if sj >= width {
						sj = 2*width - 2 - sj
					}
					dst[i*outW+j] = src[si*width+sj]
				}
			}
		}
	}

	return tensor.New(tensor.WithShape(batch, channels, outH, outW), tensor.WithBacking(out)), nil
}
