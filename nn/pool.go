package nn

// InitMaxPoolLayer creates a max-pooling layer with a square window
func InitMaxPoolLayer(size, stride int) LayerConfig {
	return LayerConfig{
		Type:       LayerMaxPool,
		PoolSize:   size,
		PoolStride: stride,
	}
}

// maxPoolForwardCPU pools each channel independently.
// Returns the pooled output and, for every output element, the flat input
// index that won (needed to route gradients back).
func maxPoolForwardCPU(input []float32, config *LayerConfig, in Shape) ([]float32, []int32) {
	out := config.OutputShape(in)
	output := make([]float32, out.Size())
	argmax := make([]int32, out.Size())

	for c := 0; c < in.C; c++ {
		base := c * in.H * in.W
		for oh := 0; oh < out.H; oh++ {
			for ow := 0; ow < out.W; ow++ {
				h0 := oh * config.PoolStride
				w0 := ow * config.PoolStride
				best := base + h0*in.W + w0
				for kh := 0; kh < config.PoolSize; kh++ {
					for kw := 0; kw < config.PoolSize; kw++ {
						idx := base + (h0+kh)*in.W + (w0 + kw)
						if input[idx] > input[best] {
							best = idx
						}
					}
				}
				o := (c*out.H+oh)*out.W + ow
				output[o] = input[best]
				argmax[o] = int32(best)
			}
		}
	}

	return output, argmax
}

// maxPoolBackwardCPU routes each output gradient to the input element that won
func maxPoolBackwardCPU(gradOutput []float32, argmax []int32, in Shape) []float32 {
	gradInput := make([]float32, in.Size())
	for o, g := range gradOutput {
		gradInput[argmax[o]] += g
	}
	return gradInput
}
