package nn

import (
	"fmt"
	"math/rand"
)

// MaxPoolMarker marks a 2x2/stride-2 max-pool in a VGG configuration list
const MaxPoolMarker = -1

// VGG19 is the "E" configuration of the VGG family (torchvision vgg19.features)
var VGG19 = []int{
	64, 64, MaxPoolMarker,
	128, 128, MaxPoolMarker,
	256, 256, 256, 256, MaxPoolMarker,
	512, 512, 512, 512, MaxPoolMarker,
	512, 512, 512, 512, MaxPoolMarker,
}

// NewVGG builds a VGG-style stack from a configuration list.
// Conv layers are 3x3, stride 1, padding 1, with a fused ReLU, and are named
// conv<block>_<n>; blocks are separated by max-pool markers. When upTo is not
// empty the stack is truncated after that layer. Weights are left empty; use
// LoadVGGWeights or InitRandomWeights.
func NewVGG(cfg []int, inputChannels int, upTo string) (*Network, error) {
	net := &Network{InputChannels: inputChannels}

	channels := inputChannels
	block, pos := 1, 1
	source := 0

	for _, v := range cfg {
		if v == MaxPoolMarker {
			pool := InitMaxPoolLayer(2, 2)
			pool.SourceIndex = source
			net.Layers = append(net.Layers, pool)
			source++
			block++
			pos = 1
			continue
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid VGG configuration entry %d", v)
		}

		name := fmt.Sprintf("conv%d_%d", block, pos)
		net.Layers = append(net.Layers, LayerConfig{
			Type:          LayerConv2D,
			Name:          name,
			Activation:    ActivationReLU,
			KernelSize:    3,
			Stride:        1,
			Padding:       1,
			Filters:       v,
			InputChannels: channels,
			SourceIndex:   source,
		})
		// conv + relu occupy two modules in the torchvision stack
		source += 2
		channels = v
		pos++

		if name == upTo {
			return net, nil
		}
	}

	if upTo != "" {
		return nil, fmt.Errorf("layer %q not found in VGG configuration", upTo)
	}
	return net, nil
}

// InitRandomWeights fills every conv layer with He-initialized weights
func InitRandomWeights(net *Network, rng *rand.Rand) {
	for i := range net.Layers {
		l := &net.Layers[i]
		if l.Type != LayerConv2D {
			continue
		}
		init := InitConv2DLayer(l.InputChannels, l.KernelSize, l.Stride, l.Padding, l.Filters, l.Activation, rng)
		l.Kernel = init.Kernel
		l.Bias = init.Bias
	}
}

// LoadVGGWeights copies conv weights from a tensor map into the network.
// Both torchvision names ("features.0.weight") and layer names
// ("conv1_1.weight") are accepted.
func LoadVGGWeights(net *Network, tensors map[string]*Tensor) error {
	for i := range net.Layers {
		l := &net.Layers[i]
		if l.Type != LayerConv2D {
			continue
		}

		weight := tryLoadTensor(tensors, []string{
			fmt.Sprintf("features.%d.weight", l.SourceIndex),
			l.Name + ".weight",
		})
		bias := tryLoadTensor(tensors, []string{
			fmt.Sprintf("features.%d.bias", l.SourceIndex),
			l.Name + ".bias",
		})
		if weight == nil || bias == nil {
			return fmt.Errorf("weights for %s (features.%d) not found", l.Name, l.SourceIndex)
		}

		wantShape := []int{l.Filters, l.InputChannels, l.KernelSize, l.KernelSize}
		if !equalShape(weight.Shape, wantShape) {
			return fmt.Errorf("%s: weight shape %v, expected %v", l.Name, weight.Shape, wantShape)
		}
		if len(bias.Data) != l.Filters {
			return fmt.Errorf("%s: bias has %d values, expected %d", l.Name, len(bias.Data), l.Filters)
		}

		l.Kernel = weight.Data
		l.Bias = bias.Data
	}

	return net.Validate()
}

// tryLoadTensor attempts to load a tensor by trying multiple key names
func tryLoadTensor(tensors map[string]*Tensor, keys []string) *Tensor {
	for _, key := range keys {
		if t, ok := tensors[key]; ok {
			return t
		}
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LoadVGG19 builds VGG-19 up to the named layer and loads its conv weights
// from a safetensors file
func LoadVGG19(path, upTo string) (*Network, error) {
	net, err := NewVGG(VGG19, 3, upTo)
	if err != nil {
		return nil, err
	}
	tensors, err := LoadSafetensors(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := LoadVGGWeights(net, tensors); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return net, nil
}
