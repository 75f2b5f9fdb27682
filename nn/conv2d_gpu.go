package nn

import (
	"fmt"

	"github.com/openfluke/loomstyle/gpu"
)

// gpuExecutor runs convolutions through WebGPU compute shaders.
// One gpu.Conv2DLayer is compiled per conv layer for the session's fixed
// shapes; activations and pooling stay on the host.
type gpuExecutor struct {
	ctx    *gpu.Context
	layers map[int]*gpu.Conv2DLayer
}

func newGPUExecutor(n *Network, shapes []Shape, last int) (*gpuExecutor, error) {
	ctx, err := gpu.GetContext()
	if err != nil {
		return nil, err
	}

	e := &gpuExecutor{ctx: ctx, layers: make(map[int]*gpu.Conv2DLayer)}
	for i := 0; i <= last; i++ {
		config := &n.Layers[i]
		if config.Type != LayerConv2D {
			continue
		}
		layer := &gpu.Conv2DLayer{Spec: gpu.Conv2DSpec{
			InChannels:  config.InputChannels,
			OutChannels: config.Filters,
			KernelSize:  config.KernelSize,
			Stride:      config.Stride,
			Padding:     config.Padding,
			InputHeight: shapes[i].H,
			InputWidth:  shapes[i].W,
			Weights:     config.Kernel,
			Bias:        config.Bias,
		}}
		if err := layer.Init(ctx, fmt.Sprintf("L%d_%s", i, config.Name)); err != nil {
			layer.Cleanup()
			e.release()
			return nil, err
		}
		e.layers[i] = layer
	}
	return e, nil
}

func (e *gpuExecutor) forward(idx int, _ *LayerConfig, _ Shape, input []float32) ([]float32, error) {
	layer, ok := e.layers[idx]
	if !ok {
		return nil, fmt.Errorf("no GPU layer compiled for index %d", idx)
	}
	return layer.Forward(e.ctx, input)
}

func (e *gpuExecutor) backwardInput(idx int, _ *LayerConfig, _ Shape, gradPre []float32) ([]float32, error) {
	layer, ok := e.layers[idx]
	if !ok {
		return nil, fmt.Errorf("no GPU layer compiled for index %d", idx)
	}
	return layer.BackwardInput(e.ctx, gradPre)
}

func (e *gpuExecutor) release() {
	for _, layer := range e.layers {
		layer.Cleanup()
	}
	e.layers = nil
}
