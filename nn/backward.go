package nn

import "fmt"

// Backward propagates gradients given at captured layers back to the input.
// grads maps a captured layer name to dLoss/dActivation (same shape as the
// activation). Contributions from several layers are summed where their paths
// meet. Returns dLoss/dInput as a [1, C, H, W] tensor; the backbone's
// weights receive no gradient.
func (p *Pass) Backward(grads map[string]*Tensor) (*Tensor, error) {
	s := p.session
	if s.exec == nil {
		return nil, fmt.Errorf("session released")
	}

	// Index incoming gradients by layer position
	incoming := make(map[int][]float32, len(grads))
	for name, g := range grads {
		idx, ok := s.capture[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q is not captured by this session", ErrUnknownLayer, name)
		}
		if want := s.shapes[idx+1].Size(); len(g.Data) != want {
			return nil, fmt.Errorf("%w: gradient for %s has %d values, expected %d", ErrShape, name, len(g.Data), want)
		}
		incoming[idx] = g.Data
	}

	// grad holds dLoss/dOutput of layer i while walking backwards;
	// nil until the deepest layer with an incoming gradient is reached
	var grad []float32

	for i := s.last; i >= 0; i-- {
		if g, ok := incoming[i]; ok {
			if grad == nil {
				grad = make([]float32, len(g))
			}
			for j, v := range g {
				grad[j] += v
			}
		}
		if grad == nil {
			continue
		}

		config := &s.net.Layers[i]
		switch config.Type {
		case LayerConv2D:
			gradPre := activationBackward(grad, p.outputs[i], config.Activation)
			next, err := s.exec.backwardInput(i, config, s.shapes[i], gradPre)
			if err != nil {
				return nil, fmt.Errorf("layer %d (%s) backward: %w", i, config.Name, err)
			}
			grad = next
		case LayerMaxPool:
			grad = maxPoolBackwardCPU(grad, p.argmax[i], s.shapes[i])
		}
	}

	in := s.shapes[0]
	if grad == nil {
		grad = make([]float32, in.Size())
	}
	return NewTensorFromSlice(grad, 1, in.C, in.H, in.W), nil
}

// cpuExecutor runs convolutions on the host with gonum BLAS. It keeps no
// state, so one value serves any number of sessions.
type cpuExecutor struct{}

func (cpuExecutor) forward(_ int, config *LayerConfig, in Shape, input []float32) ([]float32, error) {
	return conv2DForwardCPU(input, config, in), nil
}

func (cpuExecutor) backwardInput(_ int, config *LayerConfig, in Shape, gradPre []float32) ([]float32, error) {
	return conv2DBackwardInputCPU(gradPre, config, in), nil
}

func (cpuExecutor) release() {}
