package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// im2colBudget caps the number of float32 values in one column buffer.
// Large early layers are processed in horizontal bands of output rows.
const im2colBudget = 1 << 22

// InitConv2DLayer initializes a Conv2D layer with random weights
func InitConv2DLayer(
	inputChannels, kernelSize, stride, padding, filters int,
	activation ActivationType,
	rng *rand.Rand,
) LayerConfig {
	// Initialize kernel weights (He initialization)
	kernelTotal := filters * inputChannels * kernelSize * kernelSize
	kernel := make([]float32, kernelTotal)
	stddev := float32(math.Sqrt(2.0 / float64(inputChannels*kernelSize*kernelSize)))

	for i := range kernel {
		kernel[i] = float32(rng.NormFloat64()) * stddev
	}

	// Initialize biases to zero
	bias := make([]float32, filters)

	return LayerConfig{
		Type:          LayerConv2D,
		Activation:    activation,
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
		Filters:       filters,
		InputChannels: inputChannels,
		Kernel:        kernel,
		Bias:          bias,
	}
}

// rowsPerBand picks how many output rows fit in one im2col buffer
func rowsPerBand(colRows, outH, outW int) int {
	rows := im2colBudget / (colRows * outW)
	if rows < 1 {
		rows = 1
	}
	if rows > outH {
		rows = outH
	}
	return rows
}

// conv2DForwardCPU performs 2D convolution on CPU as a GEMM over im2col bands.
// input shape: [inChannels][height][width] (flattened, batch 1)
// Returns the PRE-activation output [filters][outHeight][outWidth].
func conv2DForwardCPU(input []float32, config *LayerConfig, in Shape) []float32 {
	out := config.OutputShape(in)
	kSize := config.KernelSize
	colRows := in.C * kSize * kSize
	spatial := out.H * out.W

	output := make([]float32, out.C*spatial)
	for f := 0; f < out.C; f++ {
		row := output[f*spatial : (f+1)*spatial]
		for i := range row {
			row[i] = config.Bias[f]
		}
	}

	weights := blas32.General{Rows: out.C, Cols: colRows, Stride: colRows, Data: config.Kernel}
	band := rowsPerBand(colRows, out.H, out.W)
	col := make([]float32, colRows*band*out.W)

	for r0 := 0; r0 < out.H; r0 += band {
		r1 := r0 + band
		if r1 > out.H {
			r1 = out.H
		}
		cols := (r1 - r0) * out.W
		im2col(input, in, config, out.W, r0, r1, col)

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			weights,
			blas32.General{Rows: colRows, Cols: cols, Stride: cols, Data: col},
			1,
			blas32.General{Rows: out.C, Cols: cols, Stride: spatial, Data: output[r0*out.W:]},
		)
	}

	return output
}

// conv2DBackwardInputCPU computes the gradient w.r.t. the input of a convolution.
// gradPre is the gradient w.r.t. the PRE-activation output. Kernel and bias
// gradients are not computed: backbone weights are frozen.
func conv2DBackwardInputCPU(gradPre []float32, config *LayerConfig, in Shape) []float32 {
	out := config.OutputShape(in)
	kSize := config.KernelSize
	colRows := in.C * kSize * kSize
	spatial := out.H * out.W

	gradInput := make([]float32, in.Size())
	weights := blas32.General{Rows: out.C, Cols: colRows, Stride: colRows, Data: config.Kernel}
	band := rowsPerBand(colRows, out.H, out.W)
	dcol := make([]float32, colRows*band*out.W)

	for r0 := 0; r0 < out.H; r0 += band {
		r1 := r0 + band
		if r1 > out.H {
			r1 = out.H
		}
		cols := (r1 - r0) * out.W

		// dcol = Wᵀ · dOut
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			weights,
			blas32.General{Rows: out.C, Cols: cols, Stride: spatial, Data: gradPre[r0*out.W:]},
			0,
			blas32.General{Rows: colRows, Cols: cols, Stride: cols, Data: dcol},
		)
		col2im(dcol, gradInput, in, config, out.W, r0, r1)
	}

	return gradInput
}

// im2col unrolls the receptive fields of output rows [r0, r1) into col,
// laid out as [inC*k*k][(r1-r0)*outW]
func im2col(input []float32, in Shape, config *LayerConfig, outW, r0, r1 int, col []float32) {
	k := config.KernelSize
	stride := config.Stride
	if stride < 1 {
		stride = 1
	}
	padding := config.Padding
	cols := (r1 - r0) * outW

	for c := 0; c < in.C; c++ {
		plane := input[c*in.H*in.W : (c+1)*in.H*in.W]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((c*k+kh)*k+kw)*cols:][:cols]
				idx := 0
				for oh := r0; oh < r1; oh++ {
					ih := oh*stride + kh - padding
					if ih < 0 || ih >= in.H {
						for ow := 0; ow < outW; ow++ {
							row[idx] = 0
							idx++
						}
						continue
					}
					for ow := 0; ow < outW; ow++ {
						iw := ow*stride + kw - padding
						if iw >= 0 && iw < in.W {
							row[idx] = plane[ih*in.W+iw]
						} else {
							row[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back onto the input gradient (accumulating)
func col2im(col []float32, gradInput []float32, in Shape, config *LayerConfig, outW, r0, r1 int) {
	k := config.KernelSize
	stride := config.Stride
	if stride < 1 {
		stride = 1
	}
	padding := config.Padding
	cols := (r1 - r0) * outW

	for c := 0; c < in.C; c++ {
		plane := gradInput[c*in.H*in.W : (c+1)*in.H*in.W]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((c*k+kh)*k+kw)*cols:][:cols]
				idx := 0
				for oh := r0; oh < r1; oh++ {
					ih := oh*stride + kh - padding
					if ih < 0 || ih >= in.H {
						idx += outW
						continue
					}
					for ow := 0; ow < outW; ow++ {
						iw := ow*stride + kw - padding
						if iw >= 0 && iw < in.W {
							plane[ih*in.W+iw] += row[idx]
						}
						idx++
					}
				}
			}
		}
	}
}
