package nn

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is returned (wrapped) when an input does not match the backbone's input contract
	ErrShape = errors.New("shape mismatch")

	// ErrUnknownLayer is returned (wrapped) when a requested layer name does not exist
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrDevice is returned (wrapped) when the execution device cannot be used
	ErrDevice = errors.New("device unavailable")
)

// convExecutor runs the convolutions of a session on one device
type convExecutor interface {
	// forward returns the PRE-activation output of conv layer idx
	forward(idx int, config *LayerConfig, in Shape, input []float32) ([]float32, error)
	// backwardInput returns dLoss/dInput given dLoss/dPreActivation
	backwardInput(idx int, config *LayerConfig, in Shape, gradPre []float32) ([]float32, error)
	release()
}

// Session binds a network to a device and a fixed input resolution.
// Shapes are planned once; Forward may then be called any number of times.
// A Session is not safe for concurrent use; the Network it was created from is.
type Session struct {
	net     *Network
	device  Device
	shapes  []Shape // shapes[i] is the input shape of layer i, shapes[last+1] the final output
	last    int
	capture map[string]int
	exec    convExecutor
}

// Pass holds the activations of one forward pass, kept for the backward pass
type Pass struct {
	session *Session
	outputs [][]float32
	argmax  [][]int32
}

// NewSession plans a forward pass over height×width inputs on the given device.
// Only layers up to the deepest captured layer are executed.
func (n *Network) NewSession(device Device, height, width int, capture []string) (*Session, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if len(n.Layers) == 0 {
		return nil, fmt.Errorf("network has no layers")
	}

	s := &Session{
		net:     n,
		device:  device,
		capture: make(map[string]int, len(capture)),
		last:    -1,
	}

	for _, name := range capture {
		idx := n.LayerIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
		}
		s.capture[name] = idx
		if idx > s.last {
			s.last = idx
		}
	}
	if s.last < 0 {
		s.last = len(n.Layers) - 1
	}

	if height < 1 || width < 1 {
		return nil, fmt.Errorf("%w: input %dx%d", ErrShape, width, height)
	}
	shape := Shape{C: n.InputChannels, H: height, W: width}
	s.shapes = make([]Shape, 0, s.last+2)
	for i := 0; i <= s.last; i++ {
		s.shapes = append(s.shapes, shape)
		shape = n.Layers[i].OutputShape(shape)
		if shape.H < 1 || shape.W < 1 {
			return nil, fmt.Errorf("%w: input %dx%d is too small, layer %d would produce %dx%d",
				ErrShape, width, height, i, shape.W, shape.H)
		}
	}
	s.shapes = append(s.shapes, shape)

	switch device {
	case DeviceCPU:
		s.exec = cpuExecutor{}
	case DeviceGPU:
		exec, err := newGPUExecutor(n, s.shapes, s.last)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		s.exec = exec
	default:
		return nil, fmt.Errorf("%w: %s", ErrDevice, device)
	}

	return s, nil
}

// Device returns the device the session executes on
func (s *Session) Device() Device {
	return s.device
}

// InputShape returns the [C, H, W] shape the session accepts
func (s *Session) InputShape() Shape {
	return s.shapes[0]
}

// LayerShape returns the output shape of a captured layer
func (s *Session) LayerShape(name string) (Shape, error) {
	idx, ok := s.capture[name]
	if !ok {
		return Shape{}, fmt.Errorf("%w: %q is not captured by this session", ErrUnknownLayer, name)
	}
	return s.shapes[idx+1], nil
}

// Release frees device resources held by the session
func (s *Session) Release() {
	if s.exec != nil {
		s.exec.release()
		s.exec = nil
	}
}

// Forward runs the backbone on a [1, C, H, W] tensor in architectural order,
// stopping after the deepest captured layer.
func (s *Session) Forward(input *Tensor) (*Pass, error) {
	if s.exec == nil {
		return nil, fmt.Errorf("session released")
	}
	n, c, h, w, err := input.Dims4()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	in := s.shapes[0]
	if n != 1 || c != in.C || h != in.H || w != in.W {
		return nil, fmt.Errorf("%w: got [%d %d %d %d], backbone expects [1 %d %d %d]",
			ErrShape, n, c, h, w, in.C, in.H, in.W)
	}

	pass := &Pass{
		session: s,
		outputs: make([][]float32, s.last+1),
		argmax:  make([][]int32, s.last+1),
	}

	data := input.Data
	for i := 0; i <= s.last; i++ {
		config := &s.net.Layers[i]

		// Route to appropriate layer type
		switch config.Type {
		case LayerConv2D:
			out, err := s.exec.forward(i, config, s.shapes[i], data)
			if err != nil {
				return nil, fmt.Errorf("layer %d (%s) forward: %w", i, config.Name, err)
			}
			activateInPlace(out, config.Activation)
			pass.outputs[i] = out
		case LayerMaxPool:
			pass.outputs[i], pass.argmax[i] = maxPoolForwardCPU(data, config, s.shapes[i])
		}

		data = pass.outputs[i]
	}

	return pass, nil
}

// Activation returns the captured output of a named layer as a [1, C, H, W]
// tensor. The tensor shares memory with the pass and must not be modified.
func (p *Pass) Activation(name string) (*Tensor, error) {
	idx, ok := p.session.capture[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not captured by this session", ErrUnknownLayer, name)
	}
	shape := p.session.shapes[idx+1]
	return NewTensorFromSlice(p.outputs[idx], 1, shape.C, shape.H, shape.W), nil
}
